// Package retry runs an operation until a success predicate holds or a bounded number of attempts is spent.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned when every attempt ran without the operation reporting done.
var ErrExhausted = errors.New("retry attempts exhausted")

// SleepFunc pauses between attempts. It must return early with ctx.Err() when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds how often and how far apart attempts run.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Multiplier > 1 grows the delay exponentially; 0 or 1 keeps it fixed.
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
	Sleep      SleepFunc
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay doubles up to max, with jitter.
func Exponential(attempts int, base, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: base, Multiplier: 2, MaxDelay: max, Jitter: true}
}

// Op is one attempt. attempt starts at 1. Returning done=true stops the loop successfully;
// a non-nil error stops it immediately and is returned as is.
type Op func(ctx context.Context, attempt int) (done bool, err error)

// Do runs op under the policy and reports how many attempts were made.
func Do(ctx context.Context, p Policy, op Op) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := op(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt, err
		}
	}
	return attempts, ErrExhausted
}

// Backoff returns the wait after the given (1-based) attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := p.Delay
	if p.Multiplier > 1 {
		wait = time.Duration(float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	if p.Jitter && wait > 1 {
		jitter := time.Duration(rand.Int63n(int64(wait / 2)))
		wait = wait/2 + jitter
	}
	return wait
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
