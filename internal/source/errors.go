package source

import "errors"

var (
	// ErrProvider is returned on transport, authentication, rate limit or
	// timeout failures talking to the billing provider. Callers may retry.
	ErrProvider = errors.New("billing provider error")

	// ErrNotFound is returned when the provider has no such invoice or
	// customer, or the customer was deleted.
	ErrNotFound = errors.New("not found at billing provider")

	// ErrInvalidWindow is returned when a listing window ends before it starts.
	ErrInvalidWindow = errors.New("invalid listing window")
)
