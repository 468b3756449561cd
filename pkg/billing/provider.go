// Package billing defines the abstraction over external payment providers.
// A provider implementation (e.g. billing/stripe) is responsible for creating
// hosted checkouts and for authenticating and normalizing the provider's
// asynchronous payment notifications.
package billing

import (
	"context"
	"time"
)

// NotificationKind classifies a normalized payment notification.
type NotificationKind string

const (
	// KindCompleted signals a successfully settled payment.
	KindCompleted NotificationKind = "completed"

	// KindFailed signals a definitively failed or abandoned payment.
	KindFailed NotificationKind = "failed"

	// KindUnknown is returned for authentic events the provider does not
	// map to a payment outcome. Callers should acknowledge and ignore them.
	KindUnknown NotificationKind = "unknown"
)

// Notification is a provider event reduced to the fields the reconciler
// needs. EventID is the provider's globally unique event identifier and is
// the deduplication key for at-least-once delivery.
type Notification struct {
	// EventID is the provider-assigned event id (e.g. Stripe "evt_...").
	EventID string

	// IntentID is the payment intent reference embedded in the event
	// metadata at checkout-creation time. Empty if the event carries none.
	IntentID string

	// Kind is the normalized outcome of the event.
	Kind NotificationKind

	// OccurredAt is the provider-side event timestamp.
	OccurredAt time.Time
}

// CheckoutRequest describes a one-time payment checkout for a credit bundle.
type CheckoutRequest struct {
	IntentID    string
	UserID      string
	AmountCents int64
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
}

// Checkout is the provider's reference for a created checkout session.
type Checkout struct {
	// ProviderRef is the provider-side session/reference id.
	ProviderRef string

	// URL is the hosted checkout (or QR) location to present to the user.
	URL string
}

// Provider is the generic interface any payment backend must implement.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// CreateCheckout creates a hosted checkout for the given intent.
	// Transient failures are reported as errors wrapping
	// ErrProviderUnavailable so callers can retry.
	CreateCheckout(ctx context.Context, req *CheckoutRequest) (*Checkout, error)

	// ParseNotification authenticates a raw webhook delivery and reduces
	// it to a Notification. A failed signature check returns an error
	// wrapping ErrInvalidSignature and no other information.
	ParseNotification(payload []byte, signature string) (*Notification, error)
}
