// Package retry runs an operation under a bounded attempt budget with a
// pluggable backoff strategy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how the wait between attempts evolves.
type Strategy string

const (
	StrategyConstant    Strategy = "constant"
	StrategyExponential Strategy = "exponential"
)

// Reference behavior of the database wait loop.
const (
	DefaultMaxAttempts = 30
	DefaultInterval    = 2 * time.Second
	DefaultMaxInterval = 30 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy bounds an operation to MaxAttempts total attempts.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"` // exponential only
	Multiplier  float64       `mapstructure:"multiplier"`   // exponential only
	Jitter      float64       `mapstructure:"jitter"`       // exponential only, 0..1
	Strategy    Strategy      `mapstructure:"strategy"`
}

// DefaultPolicy returns 30 attempts two seconds apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultInterval,
		MaxInterval: DefaultMaxInterval,
		Multiplier:  DefaultMultiplier,
		Strategy:    StrategyConstant,
	}
}

// Validate reports configuration that cannot produce a usable loop.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("interval cannot be negative")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1], got %v", p.Jitter)
	}
	switch Strategy(strings.ToLower(string(p.Strategy))) {
	case "", StrategyConstant, StrategyExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q (supported: constant, exponential)", p.Strategy)
	}
	return nil
}

// NewBackOff builds a fresh backoff sequence for the policy. The attempt
// budget is enforced by Do, so the returned sequence never stops on its own.
func (p Policy) NewBackOff() backoff.BackOff {
	switch Strategy(strings.ToLower(string(p.Strategy))) {
	case StrategyExponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Interval
		b.RandomizationFactor = p.Jitter
		b.Multiplier = p.Multiplier
		if b.Multiplier < 1 {
			b.Multiplier = DefaultMultiplier
		}
		b.MaxInterval = p.MaxInterval
		if b.MaxInterval < p.Interval {
			b.MaxInterval = p.Interval
		}
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	default:
		return backoff.NewConstantBackOff(p.Interval)
	}
}

// Operation is one attempt; attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify observes each failed attempt. next is the wait before the following
// attempt, zero when the failure was the last one.
type Notify func(attempt int, err error, next time.Duration)

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do runs op until it succeeds, returns a permanent error, exhausts the
// policy, or ctx is done. It returns the number of attempts made.
func Do(ctx context.Context, p Policy, op Operation, notify Notify) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	b := p.NewBackOff()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			if notify != nil {
				notify(attempt, perm.Err, 0)
			}
			return attempt, perm.Err
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		next := b.NextBackOff()
		if attempt >= p.MaxAttempts || next == backoff.Stop {
			if notify != nil {
				notify(attempt, err, 0)
			}
			return attempt, &ExhaustedError{Attempts: attempt, Last: err}
		}
		if notify != nil {
			notify(attempt, err, next)
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
