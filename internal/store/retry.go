package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3
	// DefaultInitialBackoff is the delay before the first retry
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps the delay between retries
	DefaultMaxBackoff = 2 * time.Second
)

// RetryPolicy configures bounded exponential backoff for transient failures
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// TransientError is returned once retries for a transient failure are exhausted
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Retry runs op until it succeeds, fails with an error isTransient rejects,
// the policy is exhausted or ctx is done. The number of attempts made is
// passed to op so callers can log it.
func Retry(ctx context.Context, policy RetryPolicy, isTransient func(error) bool, op func(attempt int) error) error {
	b := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		b.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		b.MaxInterval = policy.MaxBackoff
	}
	b.MaxElapsedTime = 0

	var policyBackoff backoff.BackOff = &backoff.StopBackOff{}
	if policy.MaxRetries > 0 {
		policyBackoff = backoff.WithMaxRetries(b, uint64(policy.MaxRetries))
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policyBackoff, ctx))

	if err == nil {
		return nil
	}
	if ctx.Err() != nil && err == ctx.Err() {
		return err
	}
	if isTransient(err) {
		return &TransientError{Attempts: attempts, Err: err}
	}
	return err
}
