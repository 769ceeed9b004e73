// Package resilience retries operations against networked backends.
package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/awslabs/automated-security-helper-sub041/pkg/errors"
	"github.com/awslabs/automated-security-helper-sub041/pkg/logging"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxAttempts counts the first call
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Jitter adds up to 10% to each delay
	Jitter bool
	// RetryableErrors decides whether err is worth another attempt
	RetryableErrors func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except caller mistakes, missing
// data, conflicts, scanner failures and cancellation.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeConfig) ||
		errors.IsType(err, errors.ErrorTypeValidation) ||
		errors.IsType(err, errors.ErrorTypeNotFound) ||
		errors.IsType(err, errors.ErrorTypeConflict) ||
		errors.IsType(err, errors.ErrorTypeScan) {
		return false
	}
	return true
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// WithLogger sets the logger used for retry diagnostics
func (r *Retrier) WithLogger(logger *logging.Logger) *Retrier {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Execute runs operation until it succeeds, fails with a non-retryable
// error, ctx is done or the attempts are used up. The final error wraps the
// last failure so its type is still visible to errors.IsType.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !r.config.RetryableErrors(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay.String(),
		)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if r.config.MaxAttempts == 1 {
		return lastErr
	}
	r.logger.Error("Operation failed after all retry attempts", "error", lastErr.Error(), "attempts", r.config.MaxAttempts)
	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}
	return time.Duration(delay)
}

// Retry runs operation with the default configuration
func Retry(ctx context.Context, operation func(context.Context) error) error {
	return NewRetrier(DefaultRetryConfig()).Execute(ctx, operation)
}
