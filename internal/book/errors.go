package book

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Transient provider outcomes. The orchestrator absorbs these and moves on
// to the next provider in the chain; they never surface as job failures.
var (
	// ErrNotFound means the provider answered but had no match.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the upstream signaled throttling (HTTP 429 or
	// provider-specific equivalent).
	ErrRateLimited = errors.New("rate limited")
	// ErrQuotaExhausted means the local daily budget denied the call.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrTimeout means the call exceeded its time box.
	ErrTimeout = errors.New("provider timeout")
)

// AuthError is a fatal provider outcome: credentials or configuration are
// wrong and retrying the same provider cannot help. Fallback to other
// providers still continues.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s auth: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a recoverable provider outcome that
// should advance the fallback chain or trigger the degraded path.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsFatal reports whether err should abort the provider for the rest of
// the invocation (auth/config problems).
func IsFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsBudgetSignal reports whether err means paid resolution capacity is gone
// for now (quota or upstream throttling), which drives the synthetic-record
// degraded path instead of a job failure.
func IsBudgetSignal(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrRateLimited)
}
