// Package transform applies compiled mapping rules to raw provider
// payloads, producing standardized records.
package transform

import (
	"errors"
	"fmt"
)

// Common transformation errors.
var (
	// ErrNilRule indicates that the compiled rule is nil.
	ErrNilRule = errors.New("compiled rule is nil")

	// ErrNilPayload indicates that the input payload is nil.
	ErrNilPayload = errors.New("input payload is nil")
)

// TypeError reports a non-numeric input to a numeric transform. Unlike a
// merely missing field, numeric corruption signals schema drift upstream,
// so it aborts the whole transform call.
type TypeError struct {
	// Field is the source field whose value failed coercion.
	Field string

	// Operation is the transform kind that was being applied.
	Operation string

	// Value is the offending resolved value.
	Value interface{}
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	return fmt.Sprintf("transform %q on field %q: value %v (%T) is not numeric",
		e.Operation, e.Field, e.Value, e.Value)
}

// IsTypeError reports whether err is or wraps a TypeError.
func IsTypeError(err error) bool {
	var te *TypeError
	return errors.As(err, &te)
}
