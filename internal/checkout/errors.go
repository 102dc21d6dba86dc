package checkout

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition rejects conflicting terminal statuses (e.g. a DECLINED
// webhook arriving after the order was APPROVED). Logged as an anomaly; the
// order is left untouched.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrStatusConflict reports a lost compare-and-set on the order row: the
// status moved between the caller's read and its write. The caller re-reads
// and decides whether the winner applied the same status.
var ErrStatusConflict = errors.New("order status changed concurrently")

// ValidationError covers user-correctable input problems (400-class).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is recoverable: a webhook for an unknown order is dropped,
// never fatal.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ProviderError wraps a failed or timed-out remote call. The order stays
// PENDING and the caller may retry.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
