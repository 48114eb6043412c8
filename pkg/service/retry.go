package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/instill-ai/mnist-backend/pkg/logger"
)

// RetryUntilReady resolves and, while the service is not ready, retries up to
// maxRetries more times every interval. maxRetries 0 is a single attempt.
// It returns the last resolution error, or nil once ready.
func (s *service) RetryUntilReady(ctx context.Context, interval time.Duration, maxRetries int) error {
	logger, _ := logger.GetZapLogger(ctx)

	if maxRetries < 0 {
		maxRetries = 0
	}
	if interval <= 0 {
		interval = time.Second
	}

	op := func() (State, error) {
		if st := s.State(); st == StateReady {
			return st, nil
		}
		err := s.Resolve(ctx)
		if errors.Is(err, ErrClosed) {
			return s.State(), backoff.Permanent(err)
		}
		return s.State(), err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(uint(maxRetries+1)),
		// bounded by the number of tries only
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("model resolution failed, retrying",
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	return err
}
