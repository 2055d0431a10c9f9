package types

import (
	"errors"
	"fmt"
)

// Error kinds surfaced on deployment records or returned to callers. Each
// terminal deployment failure carries one of these as its canonical reason.
var (
	// ErrInvalidChange rejects a change at ledger request time. It never
	// produces a deployment.
	ErrInvalidChange = errors.New("invalid_change")

	// ErrConflict signals a pending-change contradiction or a uniqueness
	// violation at apply time.
	ErrConflict = errors.New("conflict")

	// ErrNotFound signals a missing referenced entity. Non-retryable.
	ErrNotFound = errors.New("not_found")

	ErrCloneFailed     = errors.New("clone_failed")
	ErrCheckoutFailed  = errors.New("checkout_failed")
	ErrBuildFailed     = errors.New("build_failed")
	ErrImagePullFailed = errors.New("image_pull_failed")

	// ErrHealthcheckUnhealthy means the health gate did not pass within
	// its budget.
	ErrHealthcheckUnhealthy = errors.New("healthcheck_unhealthy")

	// ErrETagConflict means proxy conditional writes exhausted their
	// retries.
	ErrETagConflict = errors.New("etag_conflict")

	// ErrCancelled means a cancellation signal was honoured.
	ErrCancelled = errors.New("cancelled")
)

// FatalError is a non-retryable programming error, e.g. cancelling a
// finished deployment.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Msg
}

// Fatalf builds a FatalError.
func Fatalf(format string, args ...any) error {
	return &FatalError{Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// InvalidChangef wraps ErrInvalidChange with a user-surfaceable message.
func InvalidChangef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidChange, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
