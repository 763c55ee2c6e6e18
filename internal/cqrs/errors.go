package cqrs

import "errors"

var (
	// ErrDuplicateHandler is a registration error; it is fatal at startup.
	ErrDuplicateHandler = errors.New("handler already registered for type")
	// ErrNoHandler means the registry has no binding for the message type.
	ErrNoHandler = errors.New("no handler registered for type")
	// ErrTimeout means dispatch exceeded the caller's budget; the
	// invalidation/notification phase was never entered.
	ErrTimeout = errors.New("dispatch timed out")
	// ErrUnauthorized is returned by the authorization middleware.
	ErrUnauthorized = errors.New("issuing user not authorized")
	// ErrValidation is returned by the structural validation middleware.
	ErrValidation = errors.New("command validation failed")
)
