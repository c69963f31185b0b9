// Package errors defines the Azure-Storage-compatible error types returned
// at the HTTP boundary, and the mapping from internal core error kinds
// (internal/coreerrors) to them.
package errors

import (
	"fmt"

	"github.com/bleepstore/bleepstore/internal/coreerrors"
)

// StorageError represents an Azure Storage REST API error with a
// machine-readable code, human-readable message, HTTP status code, and
// optional extra fields carried in the response.
type StorageError struct {
	// Code is the Azure error code (e.g., "ResourceNotFound", "InvalidInput").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 413).
	HTTPStatus int
	// ExtraFields holds additional key-value pairs included in the error response.
	ExtraFields map[string]string
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	return fmt.Sprintf("StorageError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithExtra returns a copy of the StorageError with the given extra field set.
func (e *StorageError) WithExtra(key, value string) *StorageError {
	cp := *e
	if cp.ExtraFields == nil {
		cp.ExtraFields = make(map[string]string)
	}
	cp.ExtraFields[key] = value
	return &cp
}

// Pre-defined errors for the conditions the core can surface at the
// boundary (spec.md §7).
var (
	// ErrResourceNotFound is returned when an extent, blob, or message
	// cannot be located.
	ErrResourceNotFound = &StorageError{
		Code:       "ResourceNotFound",
		Message:    "The specified resource does not exist.",
		HTTPStatus: 404,
	}

	// ErrInvalidRange is returned when a read extends past an extent's
	// recorded size.
	ErrInvalidRange = &StorageError{
		Code:       "InvalidRange",
		Message:    "The range specified is invalid for the current size of the resource.",
		HTTPStatus: 416,
	}

	// ErrRequestBodyTooLarge is returned when a write exceeds a configured
	// per-message or per-block limit.
	ErrRequestBodyTooLarge = &StorageError{
		Code:       "RequestBodyTooLarge",
		Message:    "The request body is too large.",
		HTTPStatus: 413,
	}

	// ErrInternalError is returned for unexpected internal or I/O failures.
	ErrInternalError = &StorageError{
		Code:       "InternalError",
		Message:    "The server encountered an internal error.",
		HTTPStatus: 500,
	}

	// ErrOperationTimedOut is returned when a caller's cancellation fires
	// mid-operation.
	ErrOperationTimedOut = &StorageError{
		Code:       "OperationTimedOut",
		Message:    "The operation could not be completed within the permitted time.",
		HTTPStatus: 500,
	}

	// ErrInvalidInput is returned when a caller references an unconfigured
	// destination or otherwise supplies a structurally invalid request.
	ErrInvalidInput = &StorageError{
		Code:       "InvalidInput",
		Message:    "One of the request inputs is not valid.",
		HTTPStatus: 400,
	}

	// ErrServerBusy is returned when the server has not finished startup or
	// has begun shutting down.
	ErrServerBusy = &StorageError{
		Code:       "ServerBusy",
		Message:    "The server is busy and cannot process the request at this time.",
		HTTPStatus: 503,
	}
)

// FromCoreError maps a core error kind (internal/coreerrors) to its
// boundary StorageError, the 1:1 mapping required by spec.md §7's
// propagation policy. Unrecognized or non-core errors map to
// ErrInternalError.
func FromCoreError(err error) *StorageError {
	kind, ok := coreerrors.KindOf(err)
	if !ok {
		return ErrInternalError
	}
	switch kind {
	case coreerrors.KindNotInitialized, coreerrors.KindClosed:
		return ErrServerBusy
	case coreerrors.KindUnknownDestination:
		return ErrInvalidInput
	case coreerrors.KindExtentNotFound:
		return ErrResourceNotFound
	case coreerrors.KindRangeExceeded:
		return ErrInvalidRange
	case coreerrors.KindIOError:
		return ErrInternalError
	case coreerrors.KindOperationCancelled:
		return ErrOperationTimedOut
	case coreerrors.KindPayloadTooLarge:
		return ErrRequestBodyTooLarge
	default:
		return ErrInternalError
	}
}
