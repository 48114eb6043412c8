package otel

import (
	"encoding/json"

	"go.opentelemetry.io/otel/trace"

	"github.com/instill-ai/mnist-backend/pkg/logger"
)

// auditEvents change what the service serves.
var auditEvents = map[string]bool{
	"HandleReload": true,
}

type Option func(l logMessage) logMessage

type eventInfo struct {
	EventName    string `json:"eventName"`
	IsAuditEvent bool   `json:"isAuditEvent"`
}

type logMessage struct {
	ID          string `json:"ID"`
	ServiceName string `json:"serviceName"`
	TraceInfo   struct {
		TraceID string `json:"traceID"`
		SpanID  string `json:"spanID"`
	} `json:"traceInfo"`
	Event struct {
		EventInfo     eventInfo `json:"eventInfo"`
		EventResource any       `json:"eventResource,omitempty"`
		EventResult   any       `json:"eventResult,omitempty"`
		EventMessage  string    `json:"eventMessage,omitempty"`
	} `json:"event"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// SetEventResource records what the event acted on, e.g. the model source.
func SetEventResource(res any) Option {
	return func(l logMessage) logMessage {
		l.Event.EventResource = res
		return l
	}
}

func SetEventResult(result any) Option {
	return func(l logMessage) logMessage {
		l.Event.EventResult = result
		return l
	}
}

func SetEventMessage(message string) Option {
	return func(l logMessage) logMessage {
		l.Event.EventMessage = message
		return l
	}
}

func SetErrorMessage(e string) Option {
	return func(l logMessage) logMessage {
		l.ErrorMessage = e
		return l
	}
}

// NewLogMessage renders a structured event tied to the span of the request.
func NewLogMessage(span trace.Span, logID string, eventName string, options ...Option) []byte {
	l := logMessage{
		ID:          logID,
		ServiceName: logger.ServiceName,
	}
	l.TraceInfo.TraceID = span.SpanContext().TraceID().String()
	l.TraceInfo.SpanID = span.SpanContext().SpanID().String()
	l.Event.EventInfo = eventInfo{
		EventName:    eventName,
		IsAuditEvent: auditEvents[eventName],
	}

	for _, o := range options {
		l = o(l)
	}

	b, _ := json.Marshal(l)
	return b
}
