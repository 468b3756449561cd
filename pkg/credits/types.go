package credits

import (
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// IntentStatus is the lifecycle state of a PaymentIntent.
// Transitions are forward-only: Created -> Pending -> {Completed, Expired, Failed}.
type IntentStatus string

const (
	// IntentCreated is the initial state before the provider checkout exists.
	IntentCreated IntentStatus = "created"
	// IntentPending means a provider checkout is open and awaiting payment.
	IntentPending IntentStatus = "pending"
	// IntentCompleted means the payment settled and credits were granted.
	IntentCompleted IntentStatus = "completed"
	// IntentExpired means the intent passed its expiry without settling.
	IntentExpired IntentStatus = "expired"
	// IntentFailed means the provider reported a definitive failure.
	IntentFailed IntentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentExpired, IntentFailed:
		return true
	}
	return false
}

// Balance is a user's authoritative credit balance. Credits is never
// negative. Version is a storage-level token bumped on every mutation;
// backends use it for optimistic conflict detection.
type Balance struct {
	UserID    string
	Credits   int
	Version   int64
	UpdatedAt time.Time
}

// UsageEntry is one immutable audit record of a consumption. Each entry is
// written in the same atomic unit as the balance decrement it describes.
type UsageEntry struct {
	ID           string
	UserID       string
	Credits      int
	BalanceAfter int
	RequestID    string
	Timestamp    time.Time
}

// Bundle is the fixed mapping of one payment amount to a credit count.
type Bundle struct {
	// PriceCents is the bundle price in the smallest currency unit.
	PriceCents int64

	// Currency is the ISO 4217 code, lowercase (e.g. "eur").
	Currency string

	// Credits is the number of credits granted when the bundle settles.
	Credits int
}

// PaymentIntent tracks one purchase attempt against the external provider.
type PaymentIntent struct {
	ID          string
	UserID      string
	PriceCents  int64
	Currency    string
	Credits     int
	Status      IntentStatus
	ProviderRef string
	CheckoutURL string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}

// Open reports whether the intent can still settle normally at the given time.
func (i *PaymentIntent) Open(now time.Time) bool {
	return !i.Status.Terminal() && now.Before(i.ExpiresAt)
}

// EventOutcome is the persisted disposition of a processed payment event.
type EventOutcome string

const (
	// OutcomeGranted means the event completed an intent and credits
	// were granted.
	OutcomeGranted EventOutcome = "granted"

	// OutcomeFailed means the event moved an intent to Failed. No grant.
	OutcomeFailed EventOutcome = "failed"

	// OutcomeUnmatched means the event could not be resolved to a
	// grantable intent (unknown intent, or expired beyond the grace
	// window). No grant; surfaced for manual reconciliation.
	OutcomeUnmatched EventOutcome = "unmatched"

	// OutcomeConfirmed means a distinct event re-confirmed an intent
	// already in a matching terminal state. No state change, no grant.
	OutcomeConfirmed EventOutcome = "confirmed"
)

// ProcessedEvent makes webhook ingestion idempotent: each provider event id
// appears at most once across the system's lifetime.
type ProcessedEvent struct {
	EventID    string
	IntentID   string
	Outcome    EventOutcome
	ReceivedAt time.Time
}

// Config holds shared policy for the credit core components.
type Config struct {
	// Bundle is the single fixed credit bundle sold through the provider.
	Bundle Bundle

	// IntentTTL is how long a created intent stays payable.
	// Default: 30 minutes.
	IntentTTL time.Duration

	// GraceWindow is how long after intent expiry a late completion event
	// is still honored. This is a product policy value, not a correctness
	// parameter. Zero means the 15 minute default; set a negative value
	// to disable the grace window entirely.
	GraceWindow time.Duration

	// SweepInterval is how often the background expiry sweep runs.
	// Default: 1 minute.
	SweepInterval time.Duration

	// CheckoutTimeout bounds each provider checkout-creation call.
	// Default: 10 seconds.
	CheckoutTimeout time.Duration

	// CheckoutRetries is the number of additional attempts after a
	// transient provider failure. Zero means the default of 2; set a
	// negative value to disable retries.
	CheckoutRetries int

	// SuccessURL and CancelURL are passed to the provider checkout.
	SuccessURL string
	CancelURL  string

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking ledger and webhook operations
	// (default: NoopMetrics).
	Metrics Metrics
}

const (
	defaultIntentTTL       = 30 * time.Minute
	defaultGraceWindow     = 15 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultCheckoutTimeout = 10 * time.Second
	defaultCheckoutRetries = 2
)

func (c Config) withDefaults() Config {
	if c.IntentTTL <= 0 {
		c.IntentTTL = defaultIntentTTL
	}
	if c.GraceWindow < 0 {
		c.GraceWindow = 0
	} else if c.GraceWindow == 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = defaultCheckoutTimeout
	}
	if c.CheckoutRetries < 0 {
		c.CheckoutRetries = 0
	} else if c.CheckoutRetries == 0 {
		c.CheckoutRetries = defaultCheckoutRetries
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}

// Decision is the output of the pure intent transition function: the status
// the intent moves to, the credits to grant (0 for none) and the outcome to
// record for the event.
type Decision struct {
	NewStatus    IntentStatus
	GrantCredits int
	Outcome      EventOutcome
}

// WebhookStatus is the caller-facing result of handling one webhook delivery.
type WebhookStatus string

const (
	// WebhookAccepted means the event was authentic and processed
	// (granted, failed, or ignored as irrelevant).
	WebhookAccepted WebhookStatus = "accepted"

	// WebhookDuplicate means the event id was already processed, or the
	// event re-confirmed a terminal intent. Success no-op.
	WebhookDuplicate WebhookStatus = "duplicate"

	// WebhookUnmatched means the event was recorded but no credits were
	// granted; it requires manual reconciliation.
	WebhookUnmatched WebhookStatus = "unmatched"

	// WebhookRejected means signature verification failed. Nothing was
	// recorded.
	WebhookRejected WebhookStatus = "rejected"
)

// EventResult describes the handling of one webhook delivery.
type EventResult struct {
	Status       WebhookStatus
	Outcome      EventOutcome
	Notification *billing.Notification
	Intent       *PaymentIntent
}
