// Package retry retries single remote calls with exponential backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/placesync/placesync/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter randomises each delay by up to 20%.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for remote lookups.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer runs functions until they succeed, fail permanently or run out of attempts.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero values from DefaultConfig.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Do executes fn with retry and context support. Only errors reported
// retryable by errors.IsRetryable are retried. An open circuit ends the
// call at once; it stays retryable for callers that queue work.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return errors.Wrap(err, errors.ErrCodeOperationCanceled, "operation canceled")
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.IsCode(err, errors.ErrCodeCircuitOpen) {
			return err
		}
		if !errors.IsRetryable(err) || attempt == r.config.MaxAttempts {
			break
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	if errors.IsRetryable(lastErr) && r.config.MaxAttempts > 1 {
		return fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
	}
	return lastErr
}

// delay computes initialDelay * multiplier^(attempt-1), capped and jittered.
func (r *Retryer) delay(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		d += d * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Attempts returns the configured attempt bound.
func (r *Retryer) Attempts() int {
	return r.config.MaxAttempts
}

// WithOnRetry returns a copy of r with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	cfg := r.config
	cfg.OnRetry = callback
	return New(cfg)
}
