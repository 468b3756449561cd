package credits

import (
	"context"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// Storage defines the persistence interface for the credit core.
// All methods use concrete types from this package to avoid import cycles.
//
// Atomicity contract: Consume persists the balance decrement and the usage
// entry as one unit; Grant persists the increment and its idempotency record
// as one unit; SettleEvent persists the intent transition, the grant and the
// processed-event record as one unit. A backend that cannot honor these
// groupings cannot implement this interface correctly.
type Storage interface {
	// GetBalance returns the user's balance. A user with no prior
	// activity has a zero balance; this is not an error.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// Consume atomically decrements the balance and appends the usage
	// entry, only if balance >= amount; otherwise it returns
	// ErrInsufficientCredits with no side effects.
	// If RequestID was already consumed for this user, the recorded
	// entry is returned with Replayed=true and nothing is decremented.
	Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error)

	// Grant atomically increments the balance. If a grant with the same
	// idempotency key was already applied for this user, it is a no-op
	// returning Applied=false.
	Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error)

	// ListUsage returns the user's usage entries with Timestamp in
	// [from, to), ordered by timestamp ascending.
	ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageEntry, error)

	// CreateIntent persists a new payment intent.
	CreateIntent(ctx context.Context, intent *PaymentIntent) error

	// GetIntent returns an intent by id, or ErrIntentNotFound.
	GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error)

	// FindOpenIntent returns the user's most recent Pending intent whose
	// expiry is after now, or (nil, nil) when there is none.
	FindOpenIntent(ctx context.Context, userID string, now time.Time) (*PaymentIntent, error)

	// ExpireIntentsBefore moves every Pending intent with expiry <= now
	// to Expired and returns how many were moved. Idempotent.
	ExpireIntentsBefore(ctx context.Context, now time.Time) (int, error)

	// SettleEvent applies one authenticated provider event: it records
	// the event id (deduplicating), resolves the intent, applies the
	// Transition decision and any grant, all atomically.
	SettleEvent(ctx context.Context, req *SettleRequest) (*SettleResult, error)

	// GetProcessedEvent returns a processed event by id, or (nil, nil)
	// when the id has not been seen.
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

// ConsumeRequest asks for an atomic decrement plus usage entry.
type ConsumeRequest struct {
	UserID string
	Amount int

	// RequestID is the client-supplied idempotency token. Optional; when
	// empty no replay protection applies.
	RequestID string

	Timestamp time.Time
}

// ConsumeResult reports a successful (or replayed) consumption.
type ConsumeResult struct {
	Entry    *UsageEntry
	Balance  int
	Replayed bool
}

// GrantRequest asks for an atomic, idempotent increment.
type GrantRequest struct {
	UserID string
	Amount int

	// IdempotencyKey deduplicates repeated grant attempts. Required.
	IdempotencyKey string

	Timestamp time.Time
}

// GrantResult reports whether the grant was applied or deduplicated.
type GrantResult struct {
	Applied bool
	Balance int
}

// SettleRequest carries one authenticated provider event into storage.
type SettleRequest struct {
	EventID    string
	IntentID   string
	Kind       billing.NotificationKind
	OccurredAt time.Time
	ReceivedAt time.Time

	// GraceWindow is the policy window passed through to Transition.
	GraceWindow time.Duration
}

// SettleResult reports how the event was applied.
type SettleResult struct {
	// Duplicate is true when EventID had already been processed; Outcome
	// then carries the originally recorded outcome.
	Duplicate bool

	Outcome EventOutcome

	// Intent is the intent after settlement, nil when unresolved.
	Intent *PaymentIntent

	// Balance is the user's balance after any grant (0 when no intent
	// was resolved).
	Balance int
}
