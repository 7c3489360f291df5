// Package errors provides error handling for crmsync.
//
// This package re-exports github.com/cockroachdb/errors so every package
// gets stack traces, wrapping, details and hints from a single import:
//
//	if err := backend.Fetch(ctx, "contract", id); err != nil {
//	    return errors.Wrapf(err, "failed to fetch contract %s", id)
//	}
//
// Store boundaries flatten errors to a message for UI consumers, so attach
// operator-facing context with WithDetail rather than inside the message.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Mark tags err so that Is(err, reference) holds without changing its
// message.
var Mark = crdb.Mark

// CombineErrors returns err, or other if err is nil, keeping other as a
// secondary error when both are set.
var CombineErrors = crdb.CombineErrors

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// AssertionFailedf reports a broken internal invariant.
var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared by stores, transports and the cache.
// Wrap them to add context; match with Is.
var (
	// ErrNotFound indicates the entity does not exist locally or on the server
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed payload or argument
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the server refused a mutation because of concurrent state
	ErrConflict = New("resource conflict")

	// ErrTimeout indicates no acknowledgement arrived in time
	ErrTimeout = New("operation timed out")

	// ErrServiceUnavailable indicates a transport or backend is not configured or unreachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrClosed indicates an operation on a closed channel, outbox or store
	ErrClosed = New("closed")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}

// Message returns the user-facing message for err: the full wrapped chain
// without stack or detail payloads. Returns "" for nil.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
