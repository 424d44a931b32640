package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain error in this module wraps exactly one of them.
var (
	ErrValidation          = errors.New("validation error")
	ErrStateConflict       = errors.New("state conflict")
	ErrNotFound            = errors.New("not found")
	ErrTransientDependency = errors.New("transient dependency failure")
	ErrInvariantViolation  = errors.New("invariant violation")
)

// Shared domain errors.
var (
	ErrInvalidUserID        = NewKindError(ErrValidation, "invalid user id")
	ErrInvalidProviderID    = NewKindError(ErrValidation, "invalid provider id")
	ErrInvalidAmount        = NewKindError(ErrValidation, "invalid amount")
	ErrInvalidCurrency      = NewKindError(ErrValidation, "invalid currency")
	ErrCurrencyMismatch     = NewKindError(ErrValidation, "currency mismatch")
	ErrInvalidServiceConfig = NewKindError(ErrValidation, "invalid service config")
	ErrVersionConflict      = NewKindError(ErrStateConflict, "version conflict")
	ErrLockUnavailable      = NewKindError(ErrTransientDependency, "lock unavailable")
	ErrStoreUnavailable     = NewKindError(ErrTransientDependency, "store unavailable")
)

// ErrorKind names the category an error belongs to.
type ErrorKind string

const (
	KindUnknown             ErrorKind = "unknown"
	KindValidation          ErrorKind = "validation"
	KindStateConflict       ErrorKind = "state_conflict"
	KindNotFound            ErrorKind = "not_found"
	KindTransientDependency ErrorKind = "transient_dependency"
	KindInvariantViolation  ErrorKind = "invariant_violation"
)

// String returns the kind name.
func (kind ErrorKind) String() string {
	return string(kind)
}

// KindOf classifies err by the kind sentinel found in its chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariantViolation
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStateConflict):
		return KindStateConflict
	case errors.Is(err, ErrTransientDependency):
		return KindTransientDependency
	default:
		return KindUnknown
	}
}

type kindError struct {
	message string
	kind    error
}

func (err *kindError) Error() string {
	return err.message
}

func (err *kindError) Unwrap() error {
	return err.kind
}

// NewKindError returns a sentinel error with the given message that matches kind via errors.Is.
func NewKindError(kind error, message string) error {
	return &kindError{message: message, kind: kind}
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
