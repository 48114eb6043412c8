package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/service"
)

// WatchHealth mirrors the service readiness into the gRPC health server,
// for the overall server and the named service, until ctx is done.
func WatchHealth(ctx context.Context, s service.Service, hs *health.Server, interval time.Duration) {
	zl, _ := logger.GetZapLogger(ctx)

	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	update := func() {
		st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if s.State() == service.StateReady {
			st = grpc_health_v1.HealthCheckResponse_SERVING
		}
		if st == last {
			return
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(logger.ServiceName, st)
		zl.Info("serving status changed", zap.String("status", st.String()))
		last = st
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
