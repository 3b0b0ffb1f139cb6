// Package errors provides unified error handling for the controller.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide how to react without
// matching on message text.
type Kind string

const (
	// KindConfiguration marks irrecoverable configuration problems.
	// Startup aborts on these.
	KindConfiguration Kind = "CONFIGURATION"

	// KindPersistence marks transient or permanent storage failures.
	// Transient ones are retried before being surfaced with this kind.
	KindPersistence Kind = "PERSISTENCE"

	// KindLock marks internal lock-manager inconsistencies. These never
	// escape the lock manager in a healthy process.
	KindLock Kind = "LOCK"

	// KindProcedure marks user-visible procedure failures recorded in a
	// procedure's status history.
	KindProcedure Kind = "PROCEDURE"

	// KindServer marks domain validation failures on server operations.
	KindServer Kind = "SERVER"

	// KindGroup marks domain validation failures on group operations.
	KindGroup Kind = "GROUP"

	// KindSharding marks domain validation failures on shard metadata.
	KindSharding Kind = "SHARDING"

	// KindProvider marks domain validation failures on cloud providers
	// and machines.
	KindProvider Kind = "PROVIDER"

	// KindTimeout marks a probe or wait exceeding its bound.
	KindTimeout Kind = "TIMEOUT"

	// KindNotCallable marks an action name that could not be resolved.
	// Fatal to the owning procedure only.
	KindNotCallable Kind = "NOT_CALLABLE"
)

// Error is the structured error used across the controller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and message.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Configuration creates a configuration error.
func Configuration(format string, args ...interface{}) *Error {
	return New(KindConfiguration, format, args...)
}

// Persistence wraps a storage failure.
func Persistence(err error, format string, args ...interface{}) *Error {
	return Wrap(KindPersistence, err, format, args...)
}

// Lock creates an internal lock-manager error.
func Lock(format string, args ...interface{}) *Error {
	return New(KindLock, format, args...)
}

// Procedure creates a procedure failure.
func Procedure(format string, args ...interface{}) *Error {
	return New(KindProcedure, format, args...)
}

// Server creates a server validation error.
func Server(format string, args ...interface{}) *Error {
	return New(KindServer, format, args...)
}

// Group creates a group validation error.
func Group(format string, args ...interface{}) *Error {
	return New(KindGroup, format, args...)
}

// Sharding creates a shard metadata validation error.
func Sharding(format string, args ...interface{}) *Error {
	return New(KindSharding, format, args...)
}

// Provider creates a provider or machine validation error.
func Provider(format string, args ...interface{}) *Error {
	return New(KindProvider, format, args...)
}

// Timeout creates a timeout error.
func Timeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, format, args...)
}

// NotCallable creates an unresolved-action error.
func NotCallable(format string, args ...interface{}) *Error {
	return New(KindNotCallable, format, args...)
}

// KindOf extracts the kind from an error chain. Returns an empty kind for
// errors not created by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
