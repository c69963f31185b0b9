// Package coreerrors defines the error kinds raised by the extent store,
// extent catalog, and garbage collector. Each kind maps 1:1 to a boundary
// response the way internal/errors.S3Error maps to an XML error response.
package coreerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the core's error design.
type Kind string

const (
	// KindNotInitialized is returned when an operation is attempted before
	// the store has completed startup.
	KindNotInitialized Kind = "NotInitialized"
	// KindClosed is returned when an operation is attempted after Close.
	KindClosed Kind = "Closed"
	// KindUnknownDestination is returned when append references an
	// unconfigured destination id.
	KindUnknownDestination Kind = "UnknownDestination"
	// KindExtentNotFound is returned when a read references an id absent
	// from the catalog. Catalog.Delete of an absent id is not an error.
	KindExtentNotFound Kind = "ExtentNotFound"
	// KindRangeExceeded is returned when a read extends past recorded size.
	KindRangeExceeded Kind = "RangeExceeded"
	// KindIOError is returned for underlying filesystem failures.
	KindIOError Kind = "IOError"
	// KindOperationCancelled is returned when the caller's context is
	// cancelled mid-operation.
	KindOperationCancelled Kind = "OperationCancelled"
	// KindPayloadTooLarge is returned when a write exceeds a configured
	// per-message or per-block limit, before it reaches the store.
	KindPayloadTooLarge Kind = "PayloadTooLarge"
)

// Error is a typed core error carrying a Kind and an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error with the same Kind, so callers can
// use errors.Is(err, coreerrors.New(coreerrors.KindExtentNotFound, "", nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a core Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
