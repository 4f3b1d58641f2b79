package schema

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes schema and build-time query errors.
type ErrorCode string

const (
	// ErrCodeDuplicateEntity indicates an entity name was registered twice.
	ErrCodeDuplicateEntity ErrorCode = "DUPLICATE_ENTITY"

	// ErrCodeUnknownEntity indicates a reference to an unregistered entity.
	ErrCodeUnknownEntity ErrorCode = "UNKNOWN_ENTITY"

	// ErrCodeUnknownField indicates a field path that does not resolve.
	ErrCodeUnknownField ErrorCode = "UNKNOWN_FIELD"

	// ErrCodeTypeMismatch indicates operands of incompatible types.
	ErrCodeTypeMismatch ErrorCode = "TYPE_MISMATCH"

	// ErrCodeAmbiguousJoin indicates a join predicate that cannot be
	// statically analysed into a cross-side equality, or a join whose
	// output columns collide.
	ErrCodeAmbiguousJoin ErrorCode = "AMBIGUOUS_JOIN"
)

// Error is a build-time schema or query construction error. Build-time
// errors are always recoverable: the registry and any already-built
// expression nodes remain consistent, and the caller can fix the
// expression and retry.
type Error struct {
	Code    ErrorCode
	Entity  string // affected entity, if known
	Field   string // affected field path, if known
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Entity != "" && e.Field != "":
		return fmt.Sprintf("%s: %s (entity=%s, field=%s)", e.Code, e.Message, e.Entity, e.Field)
	case e.Entity != "":
		return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.Entity)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsCode reports whether err is (or wraps) a schema Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// NewDuplicateEntity creates a DUPLICATE_ENTITY error.
func NewDuplicateEntity(entity string) *Error {
	return &Error{
		Code:    ErrCodeDuplicateEntity,
		Entity:  entity,
		Message: "entity already registered",
	}
}

// NewUnknownEntity creates an UNKNOWN_ENTITY error.
func NewUnknownEntity(entity string) *Error {
	return &Error{
		Code:    ErrCodeUnknownEntity,
		Entity:  entity,
		Message: "entity not registered",
	}
}

// NewUnknownField creates an UNKNOWN_FIELD error.
func NewUnknownField(entity, field string) *Error {
	return &Error{
		Code:    ErrCodeUnknownField,
		Entity:  entity,
		Field:   field,
		Message: "field does not resolve",
	}
}

// NewTypeMismatch creates a TYPE_MISMATCH error.
func NewTypeMismatch(msg string) *Error {
	return &Error{Code: ErrCodeTypeMismatch, Message: msg}
}

// NewAmbiguousJoin creates an AMBIGUOUS_JOIN error.
func NewAmbiguousJoin(msg string) *Error {
	return &Error{Code: ErrCodeAmbiguousJoin, Message: msg}
}
