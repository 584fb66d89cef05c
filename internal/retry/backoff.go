package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxDelay is the hard cap on any computed backoff delay.
const MaxDelay = 30 * time.Second

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           `json:"max_retries"` // Maximum number of retry attempts after the first try (default: 3)
	BaseDelay  time.Duration `json:"base_delay"`  // Base delay between retries (default: 1s)
	LogRetries bool          `json:"log_retries"` // Whether to log retry attempts (default: true)
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		LogRetries: true,
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code, letting
// the classifier distinguish 5xx (retryable) from 4xx (not) without importing
// the transport package.
type StatusCoder interface {
	HTTPStatus() int
}

// Do executes an operation with exponential backoff retry logic. It returns
// nil as soon as the operation succeeds, and returns the last error when the
// error is non-retryable, the context ends, or retries are exhausted.
func Do(ctx context.Context, config Config, operation func() error) error {
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 && config.LogRetries {
				log.Debug().Int("attempts", attempt+1).Msg("Operation succeeded after retries")
			}
			return nil
		}

		// Non-retryable errors propagate immediately, no matter how many
		// attempts remain.
		if !IsRetryable(err) {
			return err
		}

		if attempt >= config.MaxRetries {
			if config.LogRetries {
				log.Warn().Err(err).Int("attempts", attempt+1).Msg("Retries exhausted")
			}
			return err
		}

		delay := DelayFor(attempt, config.BaseDelay)
		if config.LogRetries {
			log.Debug().
				Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("Transient failure, waiting before retry")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}
}

// DelayFor calculates the delay before retry number attempt (0-based) using
// exponential backoff: base * 2^attempt plus up to 10% random jitter, capped
// at MaxDelay. Non-decreasing in attempt for a fixed base.
func DelayFor(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if delay > float64(MaxDelay) {
		delay = float64(MaxDelay)
	}

	// Add up to 10% jitter to prevent thundering herd problem. Jitter is
	// strictly additive so the doubling step always dominates it and the
	// sequence stays monotonic.
	delay += rand.Float64() * delay * 0.1
	if delay > float64(MaxDelay) {
		delay = float64(MaxDelay)
	}

	return time.Duration(delay)
}

// IsRetryable determines if an error is worth retrying. Network-level
// failures, timeouts, DNS errors and 5xx server responses are retryable;
// everything else (4xx responses, validation and parse errors, cancellation)
// must propagate immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A cancelled context means the caller gave up, not that the backend
	// misbehaved.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus() >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()

	// Network-related errors that are typically retryable
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"network is unreachable",
		"broken pipe",
		"unexpected eof",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if contains(errStr, retryable) {
			return true
		}
	}

	return false
}

// contains checks if a string contains a substring (case-insensitive)
func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
