package pipeline

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cdlib/journal-transporter/pkg/errors"
	"github.com/cdlib/journal-transporter/pkg/logger"
	"github.com/cdlib/journal-transporter/pkg/metrics"
)

// retryPolicy bounds how transient failures are retried. Only network
// errors qualify; every other error type surfaces immediately.
type retryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// newRetryPolicy applies the configured attempt count and initial delay
// over production defaults.
func newRetryPolicy(attempts int, delay time.Duration) retryPolicy {
	if delay <= 0 {
		delay = time.Second
	}
	return retryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.25,
	}
}

// delayFor computes the backoff before retry attempt n (0-based), with
// exponential growth, a hard cap, and jitter to avoid thundering herds.
func (p retryPolicy) delayFor(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	jitter := 1 + p.JitterFactor*(2*rand.Float64()-1)
	d := time.Duration(delay * jitter)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// withRetry runs op, retrying transient failures per the policy. The
// final error is returned unwrapped so its classification survives for
// the caller's continue-or-abort decision. Context cancellation stops
// retrying immediately. Retry warnings log through the context so they
// carry the run id and pass.
func withRetry(ctx context.Context, policy retryPolicy, stage string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.IsRetryable(err) || attempt >= policy.MaxAttempts {
			return err
		}

		delay := policy.delayFor(attempt)
		metrics.RetryAttempts.WithLabelValues(stage).Inc()
		logger.WithContext(ctx).Warn("transient failure, retrying",
			zap.String("stage", stage),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
