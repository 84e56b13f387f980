// Package retry provides bounded retries with exponential backoff for calls to
// chat, task and model services.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

// ErrExhausted is wrapped around the last error once MaxAttempts is reached.
var ErrExhausted = errors.New("retries exhausted")

// Config defines configuration for retry behavior.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"` // including the initial call
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// StatusError carries an HTTP status from a remote API.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Service, e.Code, e.Body)
}

// ShouldRetry retries everything except cancellation, permanent errors and
// 4xx responses other than 408 and 429.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.Code)
	}
	return true
}

// RetryableStatus reports whether an HTTP status is transient.
func RetryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}

// Policy encapsulates retry configuration and logic.
type Policy struct {
	Config     Config
	Classifier Classifier
	// Sleep is replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(config Config, classifier Classifier) Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return Policy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the delay before the given attempt (1-based).
func (p Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := p.Config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		delta := float64(delay) * 0.1 * (2*rand.Float64() - 1)
		delay += time.Duration(delta)
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	classify := p.Classifier
	if classify == nil {
		classify = ShouldRetry
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	maxAttempts := p.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d := p.CalculateDelay(attempt); d > 0 {
			if err := sleep(ctx, d); err != nil {
				return err
			}
		}
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
