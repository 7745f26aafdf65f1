package publisherr

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError marks a failure of a remote API call that is expected to
// succeed when the call is repeated, e.g. rate limits or unavailable servers.
type RetryableError struct {
	Err error
	// After is the earliest time the call should be repeated, the zero
	// value allows an immediate retry.
	After time.Time
}

// NewRetryableError wraps err into a RetryableError that must not be retried
// before retryAfter.
func NewRetryableError(err error, retryAfter time.Time) *RetryableError {
	return &RetryableError{Err: err, After: retryAfter}
}

// NewRetryableAnytimeError wraps err into a RetryableError without a retry
// delay.
func NewRetryableAnytimeError(err error) *RetryableError {
	return &RetryableError{Err: err}
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func (e *RetryableError) Error() string {
	if e.After.IsZero() {
		return "temporary failure: " + e.Err.Error()
	}

	return fmt.Sprintf("temporary failure, retry not before %s: %s", e.After.Format(time.RFC3339), e.Err)
}

// RetryAfter reports if err wraps a RetryableError and returns the earliest
// retry time it carries.
func RetryAfter(err error) (after time.Time, retryable bool) {
	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		return time.Time{}, false
	}

	return retryErr.After, true
}
