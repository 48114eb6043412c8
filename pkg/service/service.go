package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/pkg/datamodel"
	"github.com/instill-ai/mnist-backend/pkg/logger"
	"github.com/instill-ai/mnist-backend/pkg/metrics"
	"github.com/instill-ai/mnist-backend/pkg/preprocess"
)

// distributionTolerance bounds |sum-1| for an output to count as
// probabilities.
const distributionTolerance = 1e-3

// Resolver produces a loaded model from the configured sources.
type Resolver interface {
	Resolve(ctx context.Context) (*datamodel.ResolvedModel, error)
}

// Service is the interface for the inference service
type Service interface {
	Predict(ctx context.Context, req *datamodel.PredictionRequest) (*datamodel.PredictionResult, error)
	Health() datamodel.Health
	Resolve(ctx context.Context) error
	RetryUntilReady(ctx context.Context, interval time.Duration, maxRetries int) error
	State() State
	Close() error
}

// Options configure the service.
type Options struct {
	ModelName string
	// Invert applies 255-v to every intensity before scaling.
	Invert bool
	// DrainGrace bounds how long a replaced model waits for its in-flight
	// calls before it is closed. Zero waits for all of them.
	DrainGrace time.Duration
}

type service struct {
	resolver   Resolver
	pre        *preprocess.Preprocessor
	modelName  string
	drainGrace time.Duration

	current   atomic.Pointer[served]
	state     atomic.Int32
	resolveMu sync.Mutex

	mu        sync.Mutex
	lastError string

	retired sync.WaitGroup
	closed  atomic.Bool
}

// NewService returns a new service instance in the unresolved state. No
// resolution happens until Resolve is called.
func NewService(r Resolver, opts Options) Service {
	return &service{
		resolver:   r,
		pre:        preprocess.New(opts.Invert),
		modelName:  opts.ModelName,
		drainGrace: opts.DrainGrace,
	}
}

func (s *service) State() State {
	return State(s.state.Load())
}

func (s *service) setState(st State) {
	s.state.Store(int32(st))
	metrics.SetReady(st == StateReady)
}

func (s *service) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *service) getLastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Resolve runs the resolver and publishes the new model with a single
// pointer swap. While a model is served a failed resolution keeps it and
// only records the error.
func (s *service) Resolve(ctx context.Context) error {
	logger, _ := logger.GetZapLogger(ctx)

	if s.closed.Load() {
		return ErrClosed
	}
	if !s.resolveMu.TryLock() {
		return ErrResolutionInProgress
	}
	defer s.resolveMu.Unlock()

	serving := s.current.Load() != nil
	if !serving {
		s.setState(StateResolving)
	}

	m, err := s.resolver.Resolve(ctx)
	if err != nil {
		s.setLastError(err.Error())
		if serving {
			logger.Warn("re-resolution failed, keeping the current model", zap.Error(err))
		} else {
			s.setState(StateFailed)
		}
		return err
	}

	if s.closed.Load() {
		_ = m.Predictor.Close()
		return ErrClosed
	}

	old := s.current.Swap(newServed(m))
	s.setLastError("")
	s.setState(StateReady)

	if old != nil {
		logger.Info("model replaced",
			zap.String("old_source", old.Source.String()),
			zap.String("old_version", old.Version),
			zap.String("source", m.Source.String()),
			zap.String("version", m.Version))
		s.retire(old)
	}
	return nil
}

// retire closes a replaced model once its in-flight calls are done, or after
// DrainGrace when that is set.
func (s *service) retire(m *served) {
	s.retired.Add(1)
	go func() {
		defer s.retired.Done()
		_ = s.drain(m)
	}()
}

func (s *service) drain(m *served) error {
	idle := m.retire()
	if s.drainGrace > 0 {
		t := time.NewTimer(s.drainGrace)
		defer t.Stop()
		select {
		case <-idle:
		case <-t.C:
			logger, _ := logger.GetZapLogger(context.Background())
			logger.Warn("closing replaced model with calls in flight", zap.String("version", m.Version))
		}
	} else {
		<-idle
	}
	err := m.Predictor.Close()
	if err != nil {
		logger, _ := logger.GetZapLogger(context.Background())
		logger.Warn("closing replaced model", zap.String("version", m.Version), zap.Error(err))
	}
	return err
}

func (s *service) Predict(ctx context.Context, req *datamodel.PredictionRequest) (*datamodel.PredictionResult, error) {
	logger, _ := logger.GetZapLogger(ctx)
	start := time.Now()

	// one snapshot per call; a concurrent swap does not affect it
	m := s.acquire()
	if m == nil {
		metrics.PredictionErrors.WithLabelValues(metrics.ErrorTypeUnavailable).Inc()
		return nil, ErrModelUnavailable
	}
	defer m.release()

	tensor, err := s.pre.Tensor(req)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues(metrics.ErrorTypeInvalidInput).Inc()
		return nil, err
	}

	out, err := m.Predictor.PredictRaw(tensor)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues(metrics.ErrorTypeInference).Inc()
		logger.Error("forward pass failed", zap.String("version", m.Version), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	probs, err := toDistribution(out)
	if err != nil {
		metrics.PredictionErrors.WithLabelValues(metrics.ErrorTypeInference).Inc()
		logger.Error("invalid model output", zap.String("version", m.Version), zap.Error(err))
		return nil, err
	}

	res := datamodel.NewPredictionResult(probs)
	metrics.ObservePrediction(m.Version, res.Prediction, res.Confidence, time.Since(start).Seconds())
	logger.Debug("prediction",
		zap.Int("prediction", res.Prediction),
		zap.Float32("confidence", res.Confidence),
		zap.String("version", m.Version))
	return res, nil
}

// acquire returns the current model with a call registered on it, or nil.
func (s *service) acquire() *served {
	for {
		m := s.current.Load()
		if m == nil {
			return nil
		}
		if m.acquire() {
			return m
		}
		// swapped between Load and acquire; the next Load sees the new model
	}
}

// toDistribution returns out as probabilities, applying softmax when out is
// not already a distribution.
func toDistribution(out []float32) ([]float32, error) {
	if len(out) != datamodel.NumClasses {
		return nil, fmt.Errorf("%w: model returned %d outputs, want %d", ErrInference, len(out), datamodel.NumClasses)
	}

	var sum float64
	isDist := true
	for _, v := range out {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: model returned a non-finite output", ErrInference)
		}
		if f < 0 || f > 1 {
			isDist = false
		}
		sum += f
	}
	if isDist && math.Abs(sum-1) <= distributionTolerance {
		return out, nil
	}
	return softmax(out), nil
}

func softmax(logits []float32) []float32 {
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	exps := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		exps[i] = math.Exp(float64(v - maxV))
		sum += exps[i]
	}
	probs := make([]float32, len(logits))
	for i := range exps {
		probs[i] = float32(exps[i] / sum)
	}
	return probs
}

func (s *service) Health() datamodel.Health {
	h := datamodel.Health{
		State:     s.State().String(),
		ModelName: s.modelName,
		LastError: s.getLastError(),
	}
	if m := s.current.Load(); m != nil {
		h.Ready = true
		h.Source = m.Source
		if m.Version != "" {
			v := m.Version
			h.Version = &v
		}
	}
	return h
}

// Close releases the served and the retired models once their in-flight
// calls returned. Predict fails with ErrModelUnavailable afterwards.
func (s *service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// wait for a running resolution
	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	m := s.current.Swap(nil)
	s.setState(StateUnresolved)
	s.retired.Wait()

	if m == nil {
		return nil
	}
	return s.drain(m)
}
