package resolver

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrSourceUnavailable is matched by every *SourceError.
var ErrSourceUnavailable = status.New(codes.Unavailable, "model source unavailable").Err()

// ErrResolutionExhausted is matched by *ExhaustedError.
var ErrResolutionExhausted = status.New(codes.Unavailable, "no model available: all sources failed").Err()

// SourceError is the failure of a single candidate source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *SourceError) Unwrap() []error {
	return []error{ErrSourceUnavailable, e.Err}
}

// ExhaustedError is returned when every source failed, in attempt order.
type ExhaustedError struct {
	Failures []*SourceError
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return ErrResolutionExhausted.Error() + " (no source configured)"
	}
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%s: %s", status.Convert(ErrResolutionExhausted).Message(), strings.Join(msgs, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrResolutionExhausted
}
