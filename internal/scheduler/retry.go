package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/executor"
	"github.com/t77yq/rent-scheduler/internal/model"
	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the wait before the given retry (1-based)
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
	}

	wait := time.Duration(delay)
	if s.MaxDelay > 0 && wait > s.MaxDelay {
		wait = s.MaxDelay
	}
	if s.Jitter && wait > 1 {
		half := wait / 2
		wait = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return wait
}

// BackoffFor builds the strategy for a job's retry policy
func BackoffFor(policy model.RetryPolicy) *ExponentialBackoff {
	initial := policy.RetryDelay()
	return &ExponentialBackoff{
		InitialDelay: initial,
		MaxDelay:     initial * 8,
		Multiplier:   2,
	}
}

// retryable reports whether a failed attempt should be retried
func retryable(err error) bool {
	return err == nil || errors.Is(err, executor.ErrTooManyRunning)
}

// RunWithRetry runs a job and, when it fails, re-runs it after the job's
// backoff until it succeeds or MaxRetries retries have been spent. Jobs never
// retry themselves; this is the only place retries happen.
func RunWithRetry(ctx context.Context, runner Runner, def *model.JobDefinition, input json.RawMessage, firstAttempt int, logger *zap.Logger) (*model.JobResult, error) {
	strategy := BackoffFor(def.RetryPolicy)

	var (
		result *model.JobResult
		err    error
	)
	for attempt := firstAttempt; ; attempt++ {
		result, err = runner.Run(ctx, def, input, attempt)
		if err == nil && result.Success {
			return result, nil
		}
		if !retryable(err) {
			return result, err
		}
		if attempt >= def.RetryPolicy.MaxRetries {
			break
		}

		wait := strategy.NextRetry(attempt + 1)
		reason := ""
		if err != nil {
			reason = err.Error()
		} else {
			reason = result.Message
		}
		logger.Warn("Job attempt failed, retrying",
			zap.String("job", def.Slug),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", def.RetryPolicy.MaxRetries),
			zap.Duration("backoff", wait),
			zap.String("reason", reason))
		telemetry.JobRetries.WithLabelValues(def.Slug).Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	if err != nil {
		return result, fmt.Errorf("%w: %s: %v", ErrMaxRetriesExceeded, def.Slug, err)
	}
	return result, fmt.Errorf("%w: %s: %s", ErrMaxRetriesExceeded, def.Slug, result.Message)
}
