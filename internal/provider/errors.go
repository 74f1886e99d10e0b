package provider

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError means the provider asked us to back off. Callers defer
// rather than busy-retry.
type RateLimitedError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

// RetryDelay implements the retry package's rate-limit hook.
func (e *RateLimitedError) RetryDelay() time.Duration { return e.RetryAfter }

// TransientError is a timeout, connection failure or 5xx.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient provider error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Temporary() bool { return true }

// AuthError means the credentials were rejected and the user must re-authorize.
type AuthError struct {
	Op         string
	StatusCode int
	Code       string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: provider rejected credentials (%s): %v", e.Op, e.Code, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AccountError is an account-level problem reported by the provider, such as
// a closed or locked account.
type AccountError struct {
	Op                string
	ExternalAccountID string
	Code              string
	Err               error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("%s: provider account error %s (%s): %v", e.Op, e.ExternalAccountID, e.Code, e.Err)
}

func (e *AccountError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// AsRateLimited returns the *RateLimitedError in err's chain, if any.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	ok := errors.As(err, &rl)
	return rl, ok
}

// IsAccount reports whether err is an *AccountError.
func IsAccount(err error) bool {
	var ae *AccountError
	return errors.As(err, &ae)
}
