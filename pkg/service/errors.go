package service

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/instill-ai/mnist-backend/pkg/preprocess"
)

var ErrModelUnavailable = status.New(codes.Unavailable, "model unavailable: no model is resolved").Err()
var ErrResolutionInProgress = status.New(codes.Aborted, "model resolution already in progress").Err()
var ErrInference = status.New(codes.Internal, "inference failed").Err()
var ErrClosed = status.New(codes.Unavailable, "service is shutting down").Err()

// ErrInvalidInput is matched by every rejected prediction payload.
var ErrInvalidInput = preprocess.ErrInvalidInput
