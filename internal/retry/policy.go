// Package retry provides the bounded, jittered retry policies used for
// connection establishment and command execution.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	// DefaultAttempts is the attempt cap of both built-in policies.
	DefaultAttempts = 3

	// DefaultBaseDelay is the fixed delay each jittered delay is derived from.
	DefaultBaseDelay = 10 * time.Millisecond
)

// JitterFunc perturbs a base delay.
type JitterFunc func(time.Duration) time.Duration

// Policy bounds how often an operation is attempted and how long to wait
// between attempts. A Policy never inspects errors: every failure is retried
// until the attempt cap is reached.
type Policy struct {
	// Attempts is the maximum number of attempts, including the first one
	Attempts int

	// BaseDelay is the fixed interval before jitter is applied
	BaseDelay time.Duration

	// Jitter is applied independently to every delay; nil means FullJitter
	Jitter JitterFunc
}

// Notify is invoked after a failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// ConnectPolicy returns the policy wrapped around a reconnect.
func ConnectPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, Jitter: FullJitter}
}

// CommandPolicy returns the policy wrapped around every client operation.
func CommandPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, BaseDelay: DefaultBaseDelay, Jitter: FullJitter}
}

// FullJitter scales d by a uniformly random factor in [0, 1).
func FullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * float64(d))
}

// NoJitter returns d unchanged.
func NoJitter(d time.Duration) time.Duration {
	return d
}

// Delays returns a fresh delay sequence with one entry per attempt. The
// entry for the last attempt is never slept on.
func (p Policy) Delays() []time.Duration {
	p = p.normalize()
	delays := make([]time.Duration, p.Attempts)
	for i := range delays {
		delays[i] = p.Jitter(p.BaseDelay)
	}
	return delays
}

func (p Policy) normalize() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Jitter == nil {
		p.Jitter = FullJitter
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, fails permanently or the policy is
// exhausted, and returns the outcome of the last attempt. Cancelling ctx
// stops further attempts; the returned error then matches both the last
// attempt's error and ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), notify Notify) (T, error) {
	delays := p.Delays()

	var (
		result T
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return result, perm.err
		}
		if attempt >= len(delays) {
			return result, err
		}
		if ctx.Err() != nil {
			return result, errors.Join(err, ctx.Err())
		}

		next := delays[attempt-1]
		if notify != nil {
			notify(attempt, err, next)
		}
		if serr := sleep(ctx, next); serr != nil {
			return result, errors.Join(err, serr)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
