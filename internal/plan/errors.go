package plan

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports every defect found while lowering an
// expression tree, not just the first, so a caller sees all of them in
// one pass.
type ValidationError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("plan validation failed: %v", e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("plan validation failed with %d errors:\n  %s",
		len(e.Errors), strings.Join(msgs, "\n  "))
}

// Unwrap exposes the collected errors to errors.Is / errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
