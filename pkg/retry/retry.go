package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation. A policy whose MaxBackoff is
// not above InitialBackoff retries with a fixed delay.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Fixed returns a policy of attempts tries spaced by delay
func Fixed(attempts int, delay time.Duration) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: delay, MaxBackoff: delay}
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Do executes fn with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoValue(ctx, policy, isTransient, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue executes fn with retries and returns its last result. Errors for
// which isTransient returns false end the sequence at once; after the final
// attempt the last error is returned unwrapped.
func DoValue[T any](ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() (T, error)) (T, error) {
	rp := build[T](policy, isTransient)
	return failsafe.With[T](rp).WithContext(ctx).Get(fn)
}

func build[T any](policy RetryPolicy, isTransient IsTransientFunc) retrypolicy.RetryPolicy[T] {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			return err != nil && isTransient != nil && isTransient(err)
		}).
		WithMaxAttempts(attempts).
		ReturnLastFailure()

	switch {
	case policy.MaxBackoff > policy.InitialBackoff && policy.InitialBackoff > 0:
		builder = builder.WithBackoff(policy.InitialBackoff, policy.MaxBackoff)
	case policy.InitialBackoff > 0:
		builder = builder.WithDelay(policy.InitialBackoff)
	}

	return builder.Build()
}

// Backoff returns the delay before the next pass of a polling loop that has
// failed consecutive times in a row: base doubled per failure, capped at max.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	d := base
	for i := 0; i < failures && d < max; i++ {
		d *= 2
	}
	return minDuration(d, max)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
