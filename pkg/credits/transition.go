package credits

import (
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// Transition is the pure state-transition function for payment intents:
// (current intent, event kind, time, grace window) -> decision. Every
// storage backend calls it inside its settlement transaction so that replay
// safety and the forward-only state machine are enforced in one place.
//
// Completed, Expired and Failed are terminal; no decision ever moves an
// intent out of them. A completion event for an intent expired within the
// grace window is still honored; beyond the window it is recorded as
// unmatched and grants nothing.
func Transition(intent *PaymentIntent, kind billing.NotificationKind, now time.Time, grace time.Duration) Decision {
	switch kind {
	case billing.KindCompleted:
		return completeTransition(intent, now, grace)
	case billing.KindFailed:
		return failTransition(intent)
	default:
		return Decision{NewStatus: intent.Status, Outcome: OutcomeUnmatched}
	}
}

func completeTransition(intent *PaymentIntent, now time.Time, grace time.Duration) Decision {
	switch intent.Status {
	case IntentCreated, IntentPending:
		// The sweep is best-effort; a Pending intent past its expiry
		// that settles before the sweep catches it is still honored.
		return Decision{
			NewStatus:    IntentCompleted,
			GrantCredits: intent.Credits,
			Outcome:      OutcomeGranted,
		}
	case IntentExpired:
		if now.Sub(intent.ExpiresAt) <= grace {
			return Decision{
				NewStatus:    IntentCompleted,
				GrantCredits: intent.Credits,
				Outcome:      OutcomeGranted,
			}
		}
		return Decision{NewStatus: IntentExpired, Outcome: OutcomeUnmatched}
	case IntentCompleted:
		// Double-confirmation from the provider under a fresh event id.
		return Decision{NewStatus: IntentCompleted, Outcome: OutcomeConfirmed}
	case IntentFailed:
		// A completion after a failure callback is contradictory;
		// surface it instead of granting.
		return Decision{NewStatus: IntentFailed, Outcome: OutcomeUnmatched}
	}
	return Decision{NewStatus: intent.Status, Outcome: OutcomeUnmatched}
}

func failTransition(intent *PaymentIntent) Decision {
	switch intent.Status {
	case IntentCreated, IntentPending:
		return Decision{NewStatus: IntentFailed, Outcome: OutcomeFailed}
	case IntentFailed:
		return Decision{NewStatus: IntentFailed, Outcome: OutcomeConfirmed}
	case IntentExpired:
		// Confirms what the sweep already concluded; no state change.
		return Decision{NewStatus: IntentExpired, Outcome: OutcomeFailed}
	case IntentCompleted:
		// Failure reported for a settled intent needs a human.
		return Decision{NewStatus: IntentCompleted, Outcome: OutcomeUnmatched}
	}
	return Decision{NewStatus: intent.Status, Outcome: OutcomeUnmatched}
}
