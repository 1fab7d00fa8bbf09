// Package retry decides whether and when a failed operation is attempted
// again. Transient errors back off exponentially with jitter; permanent
// errors give up immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the maximum number of attempts, first try included.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`

	// MaxBackoff caps the backoff duration before jitter.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       4,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Policy evaluates retry decisions for one configuration.
type Policy struct {
	config Config
}

// NewPolicy creates a policy, filling zero config fields from defaults.
func NewPolicy(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Policy{config: cfg}
}

// MaxAttempts returns the configured attempt budget.
func (p *Policy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// Next decides whether the operation runs again after the given attempt
// (1-based) failed with err. It returns the delay before the next attempt
// and true, or zero and false to give up. A server-supplied hint (see
// After) overrides the computed backoff; jitter is added either way.
func (p *Policy) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= p.config.MaxAttempts {
		return 0, false
	}
	if !fault.IsTransient(err) {
		return 0, false
	}

	delay := p.backoff(attempt)
	if hint, ok := hintFrom(err); ok {
		delay = hint
	}
	// Jitter in [0, delay) spreads concurrent retries apart.
	return delay + time.Duration(rand.Float64()*float64(delay)), true
}

// backoff computes the exponential delay for the next attempt after the
// given one, capped at MaxBackoff.
func (p *Policy) backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.config.BackoffMultiplier
	}

	backoff := time.Duration(float64(p.config.BackoffBase) * multiplier)
	if backoff > p.config.MaxBackoff {
		backoff = p.config.MaxBackoff
	}
	return backoff
}

// Do runs fn until it succeeds, the policy gives up, or ctx is cancelled.
// It returns the number of attempts made and the final error.
func (p *Policy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		delay, ok := p.Next(attempt, lastErr)
		if !ok {
			return attempt, lastErr
		}

		select {
		case <-ctx.Done():
			return attempt, lastErr
		case <-time.After(delay):
		}
	}
}

// afterError carries a server-supplied delay hint alongside the error.
type afterError struct {
	err   error
	delay time.Duration
}

func (e *afterError) Error() string {
	return e.err.Error()
}

func (e *afterError) Unwrap() error {
	return e.err
}

// After attaches a retry-after hint to an error, typically from a 429
// response header. The wrapped error keeps its classification.
func After(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, delay: delay}
}

func hintFrom(err error) (time.Duration, bool) {
	var ae *afterError
	if errors.As(err, &ae) && ae.delay > 0 {
		return ae.delay, true
	}
	return 0, false
}
