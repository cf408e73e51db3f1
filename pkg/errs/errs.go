// Package errs carries stable machine-readable error codes across the
// attestation kernel. Components return wrapped errors; callers match on the
// code rather than the message text.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are part of the external contract and
// surface verbatim in API error envelopes.
type Code string

const (
	InvalidInput        Code = "VALIDATION_ERROR"
	ConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	StateTransition     Code = "STATE_TRANSITION"
	IntegrityViolation  Code = "INTEGRITY_VIOLATION"
	NotConnected        Code = "NOT_CONNECTED"
	NotFound            Code = "NOT_FOUND"
	Conflict            Code = "CONFLICT"
	QuorumNotMet        Code = "QUORUM_NOT_MET"
	SchemaMigration     Code = "SCHEMA_MIGRATION"
	StoreClosed         Code = "STORE_CLOSED"
	Timeout             Code = "TIMEOUT"
	NetworkError        Code = "NETWORK_ERROR"
	RateLimited         Code = "RATE_LIMITED"
)

// Error is a code-tagged error. It participates in errors.Is/As chains so
// callers can wrap freely with fmt.Errorf("...: %w", err).
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a code-tagged error with a formatted message.
func E(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the code from anywhere in the wrap chain. Untagged errors
// report an empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
