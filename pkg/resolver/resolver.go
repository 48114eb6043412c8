package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/metrics"
)

// Resolver tries its strategies in order and stops at the first success.
type Resolver struct {
	strategies []Strategy
	timeout    time.Duration
}

// New returns a resolver bounding each attempt by timeout. A zero timeout
// leaves attempts bounded by the caller context only.
func New(strategies []Strategy, timeout time.Duration) *Resolver {
	return &Resolver{strategies: strategies, timeout: timeout}
}

// Strategies returns the sources in attempt order.
func (r *Resolver) Strategies() []Strategy {
	return r.strategies
}

// Resolve returns the model of the first source that loads, or an
// *ExhaustedError holding every source failure.
func (r *Resolver) Resolve(ctx context.Context) (*datamodel.ResolvedModel, error) {
	logger, _ := logger.GetZapLogger(ctx)

	exhausted := &ExhaustedError{}
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			exhausted.Failures = append(exhausted.Failures, &SourceError{Source: s.Name(), Err: err})
			continue
		}

		start := time.Now()
		m, err := r.attempt(ctx, s)
		metrics.ObserveResolution(s.Name(), err == nil)
		if err != nil {
			logger.Warn("model source failed",
				zap.String("source", s.Name()),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			exhausted.Failures = append(exhausted.Failures, err)
			continue
		}

		logger.Info("model resolved",
			zap.String("source", m.Source.String()),
			zap.String("version", m.Version),
			zap.String("artifact_dir", m.ArtifactDir),
			zap.Duration("elapsed", time.Since(start)))
		return m, nil
	}

	logger.Error("model resolution exhausted", zap.Error(exhausted))
	return nil, exhausted
}

// attempt runs a single strategy under the per-source timeout. A panic in
// the strategy counts as its failure.
func (r *Resolver) attempt(ctx context.Context, s Strategy) (*datamodel.ResolvedModel, *SourceError) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		m   *datamodel.ResolvedModel
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		m, err := s.Attempt(ctx)
		done <- result{m: m, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &SourceError{Source: s.Name(), Err: res.err}
		}
		if res.m == nil || res.m.Predictor == nil {
			return nil, &SourceError{Source: s.Name(), Err: errors.New("source returned no model")}
		}
		return res.m, nil
	case <-ctx.Done():
		// a late result still owns a predictor
		go func() {
			if res := <-done; res.m != nil && res.m.Predictor != nil {
				_ = res.m.Predictor.Close()
			}
		}()
		return nil, &SourceError{Source: s.Name(), Err: ctx.Err()}
	}
}
