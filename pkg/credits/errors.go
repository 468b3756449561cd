package credits

import "errors"

var (
	// ErrInsufficientCredits is returned when a consume would take the
	// balance below zero. The consume has no side effects in this case.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrIntentNotFound is returned when an intent id is unknown.
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrConflict is returned by storage backends when an optimistic
	// update lost a race. Core components retry transparently.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
