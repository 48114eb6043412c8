package logger

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/instill-ai/mnist-backend/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "mnist-backend"

var once sync.Once
var core zapcore.Core

func minLevel() zapcore.Level {
	lvl := zapcore.InfoLevel
	if config.Config.Server.Debug {
		lvl = zapcore.DebugLevel
	}
	if config.Config.Server.LogLevel != "" {
		if parsed, err := zapcore.ParseLevel(config.Config.Server.LogLevel); err == nil {
			lvl = parsed
		}
	}
	return lvl
}

func buildCore() zapcore.Core {
	lvl := minLevel()

	// stdout takes everything below warn, stderr the rest
	stdoutLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= lvl && level < zapcore.WarnLevel
	})
	stderrLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= lvl && level >= zapcore.WarnLevel
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	if config.Config.Server.Debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), stdoutLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), stderrLevel),
	)
}

// GetZapLogger returns an instance of zap logger. Entries written while a span
// is recording on ctx are mirrored as span events.
func GetZapLogger(ctx context.Context) (*zap.Logger, error) {
	once.Do(func() {
		core = buildCore()
	})

	logger := zap.New(core).
		With(zap.String("service", ServiceName)).
		WithOptions(zap.Hooks(func(entry zapcore.Entry) error {
			span := trace.SpanFromContext(ctx)
			if !span.IsRecording() {
				return nil
			}

			span.AddEvent("log", trace.WithAttributes(
				attribute.String("log.severity", entry.Level.String()),
				attribute.String("log.message", entry.Message),
			))
			if entry.Level >= zap.ErrorLevel {
				span.SetStatus(codes.Error, entry.Message)
			}

			return nil
		}))

	return logger, nil
}
