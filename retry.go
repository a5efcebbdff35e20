package apicore

import (
	"context"
	"time"

	"github.com/Jayant71/apicore/internal/backoff"
)

// resetGrace is the fixed pause before re-invoking an operation when
// RetryPolicy.ResetBeforeRetry is set, giving the underlying connection a
// chance to reset.
const resetGrace = 100 * time.Millisecond

// RetryPredicate decides whether a failed attempt should be retried.
type RetryPredicate func(error) bool

// RetryPolicy configures the backoff engine. A zero value is usable: Retry
// fills in DefaultRetryPredicate and treats Factor <= 1 as no growth. The
// policy is immutable per call; a client-level default may be overridden per
// request.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay. Must be >= InitialDelay; clamped at
	// use if not.
	MaxDelay time.Duration
	// Factor is the exponential growth factor, > 1.
	Factor float64
	// RetryIf decides retry eligibility per error. Nil means
	// DefaultRetryPredicate.
	RetryIf RetryPredicate
	// OnRetry is invoked exactly once per retry with the 1-based attempt
	// number that just failed, never on the terminal failure.
	OnRetry func(attempt int, err error)
	// ResetBeforeRetry inserts a fixed 100ms grace before re-invoking.
	ResetBeforeRetry bool
}

// DefaultRetryPolicy returns the client-level default: 3 retries starting at
// 500ms, doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
	}
}

// Outcome is the terminal result of a retried operation. Exactly one of
// Value/Err is meaningful, consistent with Succeeded; Attempts counts total
// invocations (>= 1).
type Outcome[T any] struct {
	Value     T
	Err       error
	Attempts  int
	Succeeded bool
}

// Retry executes op up to policy.MaxRetries+1 times with exponential backoff
// and additive jitter between attempts. It returns on the first success, when
// the predicate rejects an error, when the budget is exhausted, or when ctx
// is cancelled. A cancelled attempt is never retried.
//
// Retry is reentrant: concurrent invocations share no state beyond what the
// caller supplies.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) Outcome[T] {
	retryIf := policy.RetryIf
	if retryIf == nil {
		retryIf = DefaultRetryPredicate
	}

	attempts := 0
	for {
		attempts++
		value, err := op(ctx)
		if err == nil {
			return Outcome[T]{Value: value, Attempts: attempts, Succeeded: true}
		}

		if cause := context.Cause(ctx); cause != nil {
			return Outcome[T]{Err: cancelledError(cause, err), Attempts: attempts}
		}
		if attempts > policy.MaxRetries || !retryIf(err) {
			return Outcome[T]{Err: err, Attempts: attempts}
		}

		if policy.OnRetry != nil {
			policy.OnRetry(attempts, err)
		}

		delay := backoff.Jitter(backoff.Delay(attempts, policy.InitialDelay, policy.MaxDelay, policy.Factor))
		if cause := sleepCtx(ctx, delay); cause != nil {
			return Outcome[T]{Err: cancelledError(cause, err), Attempts: attempts}
		}
		if policy.ResetBeforeRetry {
			if cause := sleepCtx(ctx, resetGrace); cause != nil {
				return Outcome[T]{Err: cancelledError(cause, err), Attempts: attempts}
			}
		}
	}
}

// sleepCtx waits d or until ctx is done, returning the cancellation cause.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func cancelledError(cause, last error) error {
	if e, ok := last.(*Error); ok && e.Type == TypeCancelled {
		return last
	}
	return &Error{
		Type:    TypeCancelled,
		Message: "operation cancelled",
		Cause:   cause,
	}
}
