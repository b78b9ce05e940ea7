package splat

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when a batch call is rejected before any
// per-primitive work: bad shapes, non-unit quaternions, out-of-range block
// width or an invalid camera. Use errors.Is to test for it.
var ErrInvalidInput = errors.New("splat: invalid input")

// InvalidInputError describes which argument of a batch call was rejected.
// It wraps ErrInvalidInput.
type InvalidInputError struct {
	// Arg names the offending argument (e.g. "means3d", "block_width").
	Arg string

	// Shape is the observed shape or value, formatted for humans.
	Shape string

	// Reason explains the violated precondition.
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Shape == "" {
		return fmt.Sprintf("splat: invalid input %s: %s", e.Arg, e.Reason)
	}
	return fmt.Sprintf("splat: invalid input %s %s: %s", e.Arg, e.Shape, e.Reason)
}

// Unwrap returns ErrInvalidInput.
func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

func invalidInput(arg, shape, reason string) error {
	return &InvalidInputError{Arg: arg, Shape: shape, Reason: reason}
}

func invalidInputf(arg, shape, format string, args ...any) error {
	return &InvalidInputError{Arg: arg, Shape: shape, Reason: fmt.Sprintf(format, args...)}
}
