package middleware

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// RecoveryInterceptorOpt - panic handler
func RecoveryInterceptorOpt() grpc_recovery.Option {
	return grpc_recovery.WithRecoveryHandler(func(p any) (err error) {
		return status.Errorf(codes.Unknown, "panic triggered: %v", p)
	})
}

// LogDecider skips successful health checks in the gRPC access log.
func LogDecider(fullMethodName string, err error) bool {
	if err == nil && strings.HasPrefix(fullMethodName, "/"+healthpb.Health_ServiceDesc.ServiceName+"/") {
		return false
	}
	return true
}

// LoggerOpts are the shared options of the gRPC zap interceptors.
func LoggerOpts() []grpc_zap.Option {
	return []grpc_zap.Option{grpc_zap.WithDecider(LogDecider)}
}
