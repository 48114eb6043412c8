package artifact

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnsupportedURI is returned for artifact URIs with an unknown scheme.
var ErrUnsupportedURI = status.New(codes.InvalidArgument, "unsupported artifact uri").Err()

// ErrNoArtifacts is returned when an artifact location holds no files.
var ErrNoArtifacts = status.New(codes.NotFound, "no artifacts at location").Err()

// ErrNoModelFile is returned when a directory holds no loadable model file.
var ErrNoModelFile = status.New(codes.NotFound, "no model file in artifact").Err()
