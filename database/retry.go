package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/zoobzio/clockz"

	apperrors "github.com/cobrun/tripwatch/errors"
)

// RetryConfig configures exponential backoff for transient store errors.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the maximum random deviation as a fraction of the delay.
	Jitter float64
	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// cosmosRetryConfig backs off longer than the default: a 429 from Cosmos
// means the provisioned throughput is exhausted for the current second.
func cosmosRetryConfig() RetryConfig {
	config := DefaultRetryConfig()
	config.InitialDelay = 250 * time.Millisecond
	return config
}

func sqlRetryConfig() RetryConfig {
	config := DefaultRetryConfig()
	config.InitialDelay = 200 * time.Millisecond
	return config
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func() error

// Retry runs fn until it succeeds, returns a permanent error, or the retries
// are used up.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	_, err := RetryWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions returning a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, error) {
	clock := config.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	var (
		result  T
		lastErr error
	)
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		var err error
		result, err = fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return result, err
		}
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-clock.After(calculateDelay(config, attempt)):
		}
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}

func calculateDelay(config RetryConfig, attempt int) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter > 0 {
		// uniform in [-jitter, +jitter]
		delay += delay * config.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"connection timed out",
	"i/o timeout",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"network is unreachable",
}

// isRetryable reports whether err is transient. Conflicts, validation
// failures and missing items are never retried: a version conflict on a
// claim means another evaluator won.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return apperrors.IsRetryable(err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
