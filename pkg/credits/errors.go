package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrGrantAlreadyExpired     = errors.New("grant already expired")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrInvalidQuery            = errors.New("invalid transaction query")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

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
