package exec

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes execution-time errors. Unlike build-time errors,
// these surface while rows are being pulled and latch the iterator into
// its failed state.
type ErrorCode string

const (
	// ErrCodeSource indicates a data-access failure during a pull.
	ErrCodeSource ErrorCode = "SOURCE_ERROR"

	// ErrCodeTimeout indicates the caller-supplied timeout elapsed.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeEmptyAggregate indicates min, max or avg over empty input.
	ErrCodeEmptyAggregate ErrorCode = "EMPTY_AGGREGATE"

	// ErrCodeUnsupported indicates a plan operation the target backend
	// cannot express.
	ErrCodeUnsupported ErrorCode = "UNSUPPORTED_OPERATION"
)

// Error is an execution-time error. The engine never retries and never
// swallows one: it latches the iterator as failed and re-surfaces the
// same error on every subsequent pull. Retry policy belongs to the
// caller.
type Error struct {
	Code    ErrorCode
	Message string
	Entity  string // affected entity, if known
	Err     error  // underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entity != "" {
		msg += fmt.Sprintf(" (entity=%s)", e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsCode reports whether err is (or wraps) an exec Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewSourceError wraps a data-access failure.
func NewSourceError(entity string, err error) *Error {
	return &Error{Code: ErrCodeSource, Message: "data source failure", Entity: entity, Err: err}
}

// NewTimeoutError converts an elapsed deadline.
func NewTimeoutError(err error) *Error {
	return &Error{Code: ErrCodeTimeout, Message: "query timed out", Err: err}
}

// NewEmptyAggregateError reports min/max/avg over empty input.
func NewEmptyAggregateError(fn string) *Error {
	return &Error{Code: ErrCodeEmptyAggregate, Message: fmt.Sprintf("%s of empty input is undefined", fn)}
}

// NewUnsupportedError reports a plan construct a backend cannot express.
func NewUnsupportedError(msg string) *Error {
	return &Error{Code: ErrCodeUnsupported, Message: msg}
}
