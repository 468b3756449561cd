package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing
	// required configuration (API key, webhook secret, manager wiring).
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature validation fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrProviderUnavailable is returned for transient provider failures
	// (network errors, 5xx responses, rate limits). Callers may retry.
	ErrProviderUnavailable = errors.New("billing provider unavailable")
)
