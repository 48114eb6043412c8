package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/instill-ai/mnist-backend/config"
	"github.com/instill-ai/mnist-backend/pkg/artifact"
	"github.com/instill-ai/mnist-backend/pkg/handler"
	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/middleware"
	"github.com/instill-ai/mnist-backend/pkg/minio"
	"github.com/instill-ai/mnist-backend/pkg/onnx"
	"github.com/instill-ai/mnist-backend/pkg/reload"
	"github.com/instill-ai/mnist-backend/pkg/resolver"
	"github.com/instill-ai/mnist-backend/pkg/service"

	httpclient "github.com/instill-ai/mnist-backend/pkg/client/http"
	customotel "github.com/instill-ai/mnist-backend/pkg/logger/otel"
)

const healthCheckInterval = 5 * time.Second

func grpcHandlerFunc(grpcServer *grpc.Server, gwHandler http.Handler) http.Handler {
	return h2c.NewHandler(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor == 2 && strings.Contains(r.Header.Get("Content-Type"), "application/grpc") {
				grpcServer.ServeHTTP(w, r)
			} else {
				gwHandler.ServeHTTP(w, r)
			}
		}),
		&http2.Server{})
}

func main() {

	configPath := config.ParseConfigFlag()
	if !config.ConfigFileExists(configPath) {
		configPath = ""
	}
	if err := config.Init(configPath); err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := customotel.SetupTracing(ctx, logger.ServiceName)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	logger, _ := logger.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()
	grpc_zap.ReplaceGrpcLoggerV2(logger)

	// Create tls based credential.
	var creds credentials.TransportCredentials
	if config.Config.Server.HTTPS.Cert != "" && config.Config.Server.HTTPS.Key != "" {
		creds, err = credentials.NewServerTLSFromFile(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key)
		if err != nil {
			logger.Fatal(fmt.Sprintf("failed to create credentials: %v", err))
		}
	}

	grpcServerOpts := []grpc.ServerOption{
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_zap.StreamServerInterceptor(logger, middleware.LoggerOpts()...),
			grpc_recovery.StreamServerInterceptor(middleware.RecoveryInterceptorOpt()),
		)),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_zap.UnaryServerInterceptor(logger, middleware.LoggerOpts()...),
			grpc_recovery.UnaryServerInterceptor(middleware.RecoveryInterceptorOpt()),
		)),
	}
	if creds != nil {
		grpcServerOpts = append(grpcServerOpts, grpc.Creds(creds))
	}

	grpcS := grpc.NewServer(grpcServerOpts...)
	healthS := health.NewServer()
	healthpb.RegisterHealthServer(grpcS, healthS)
	reflection.Register(grpcS)

	// Model resolution
	trackingClient := httpclient.NewTrackingClient(ctx, config.Config.MLflow.TrackingURI, httpclient.Options{
		Timeout:    config.Config.MLflow.Timeout,
		RetryCount: config.Config.MLflow.RetryCount,
	})

	var store artifact.ObjectStore
	if config.Config.Minio.Host != "" {
		minioClient, err := minio.NewMinioClient(ctx, &config.Config.Minio)
		if err != nil {
			logger.Warn("artifact store unavailable, s3 artifacts will not resolve", zap.Error(err))
		} else {
			store = minioClient
		}
	}

	fetcher := artifact.NewFetcher(trackingClient, store, config.Config.Cache.Model.CacheDir, config.Config.Cache.Model.Enabled)

	strategies := resolver.NewStrategies(resolver.ConfigFromModel(config.Config.Model), resolver.Deps{
		Tracking: trackingClient,
		Fetcher:  fetcher,
		Loader:   onnx.NewLoader(config.Config.Model.ONNX),
	})

	svc := service.NewService(
		resolver.New(strategies, config.Config.Model.SourceTimeout()),
		service.Options{
			ModelName:  config.Config.Model.RegistryName,
			Invert:     config.Config.Model.InvertInput,
			DrainGrace: config.Config.Model.DrainGrace,
		})

	// Resolution runs in the background so that health and readiness answer
	// while the tracking server is slow or down.
	go func() {
		if err := svc.RetryUntilReady(ctx, config.Config.Model.RetryInterval, config.Config.Model.MaxRetries); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("model resolution gave up", zap.Error(err))
		}
	}()

	go handler.WatchHealth(ctx, svc, healthS, healthCheckInterval)

	var publisher handler.Publisher
	if config.Config.Reload.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     config.Config.Cache.Redis.Addr,
			Password: config.Config.Cache.Redis.Password,
			DB:       config.Config.Cache.Redis.DB,
		})
		defer redisClient.Close()

		bus := reload.NewBus(redisClient, config.Config.Reload.Channel)
		publisher = bus
		go func() {
			err := bus.Run(ctx, func(ctx context.Context, msg reload.Message) {
				if err := svc.Resolve(ctx); err != nil {
					logger.Warn("reload requested by replica failed",
						zap.String("origin", msg.Origin),
						zap.Error(err))
				}
			})
			if err != nil {
				logger.Error("reload subscription stopped", zap.Error(err))
			}
		}()
	}

	gwS := runtime.NewServeMux()
	if err := handler.RegisterRoutes(gwS, svc, publisher); err != nil {
		logger.Fatal(err.Error())
	}

	httpHandler := middleware.CORS(
		middleware.Observe(handler.WithIndex(gwS), handler.Routes...),
		config.Config.Server.CORSOrigins,
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.Server.Port),
		Handler:           grpcHandlerFunc(grpcS, httpHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	quitSig := make(chan os.Signal, 1)
	errSig := make(chan error)
	if creds != nil {
		go func() {
			if err := httpServer.ListenAndServeTLS(config.Config.Server.HTTPS.Cert, config.Config.Server.HTTPS.Key); err != nil {
				errSig <- err
			}
		}()
	} else {
		go func() {
			if err := httpServer.ListenAndServe(); err != nil {
				errSig <- err
			}
		}()
	}
	logger.Info("gRPC server is running.", zap.Int("port", config.Config.Server.Port))

	// kill (no param) default send syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be catch, so don't need add it
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errSig:
		logger.Error(fmt.Sprintf("Fatal error: %v\n", err))
	case <-quitSig:
		logger.Info("Shutting down server...")
		healthS.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		grpcS.GracefulStop()
	}

	cancel()
	if err := svc.Close(); err != nil {
		logger.Warn("closing the served model", zap.Error(err))
	}
	if err := onnx.Shutdown(); err != nil {
		logger.Warn("onnx runtime shutdown", zap.Error(err))
	}
}
