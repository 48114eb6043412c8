package otel_test

import (
	"context"
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.opentelemetry.io/otel/trace"

	customotel "github.com/instill-ai/mnist-backend/pkg/logger/otel"
)

func TestNewLogMessage(t *testing.T) {
	c := qt.New(t)

	span := trace.SpanFromContext(context.Background())
	b := customotel.NewLogMessage(span, "log-1", "HandleReload",
		customotel.SetEventResource("models:/Mnist_Best_Model/Production"),
		customotel.SetErrorMessage("boom"))

	var got map[string]any
	c.Assert(json.Unmarshal(b, &got), qt.IsNil)
	c.Check(got["ID"], qt.Equals, "log-1")
	c.Check(got["serviceName"], qt.Equals, "mnist-backend")
	c.Check(got["errorMessage"], qt.Equals, "boom")

	event := got["event"].(map[string]any)
	c.Check(event["eventResource"], qt.Equals, "models:/Mnist_Best_Model/Production")
	info := event["eventInfo"].(map[string]any)
	c.Check(info["eventName"], qt.Equals, "HandleReload")
	c.Check(info["isAuditEvent"], qt.IsTrue)

	b = customotel.NewLogMessage(span, "log-2", "HandlePredict")
	c.Assert(json.Unmarshal(b, &got), qt.IsNil)
	c.Check(got["event"].(map[string]any)["eventInfo"].(map[string]any)["isAuditEvent"], qt.IsFalse)
}
