package api

import "time"

// BalanceResponse reports a user's current credit balance and, when one
// exists, the open payment intent they can complete to top up.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Credits int             `json:"credits"`
	Intent  *IntentResponse `json:"intent,omitempty"`
}

// ConsumeRequest is the body of a consume call. RequestID is the caller's
// idempotency token; retrying with the same ID never charges twice.
type ConsumeRequest struct {
	RequestID string `json:"request_id"`
}

// ConsumeResponse reports the outcome of a consume call. When the balance
// was empty, Allowed is false and Intent carries the payment prompt.
type ConsumeResponse struct {
	Allowed bool            `json:"allowed"`
	Credits int             `json:"credits"`
	Entry   *UsageEntry     `json:"entry,omitempty"`
	Intent  *IntentResponse `json:"intent,omitempty"`
}

// UsageEntry is one recorded consumption
type UsageEntry struct {
	ID           string    `json:"id"`
	Credits      int       `json:"credits"`
	BalanceAfter int       `json:"balance_after"`
	RequestID    string    `json:"request_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// UsageResponse lists a user's consumption history in a time range
type UsageResponse struct {
	UserID  string       `json:"user_id"`
	Entries []UsageEntry `json:"entries"`
}

// IntentResponse describes a payment intent and where to pay it
type IntentResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	PriceCents  int64     `json:"price_cents"`
	Currency    string    `json:"currency"`
	Credits     int       `json:"credits"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Status string `json:"status"`
}
