package billing

import "errors"

// Billing error values.
var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrUnknownPackage    = errors.New("unknown credit package")
	ErrUnknownPlan       = errors.New("unknown plan")
	ErrMissingUser       = errors.New("event carries no user id")
	ErrInvalidPayload    = errors.New("invalid event payload")
	ErrInvalidCatalog    = errors.New("invalid billing catalog")
	ErrInvalidPayment    = errors.New("invalid payment")
	ErrInvalidDependency = errors.New("invalid billing dependency")
)
