package wtw

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the referenced post, comment or record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError indicates a caller supplied a value outside the allowed domain.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// TransientError wraps network, API and timeout failures that may succeed on a later pass.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// DeliveryError indicates a single private message could not be delivered.
type DeliveryError struct {
	User string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message to %s: %v", e.User, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsTransient checks if an error is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsNotFound checks if an error indicates a missing post or record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
