package credits

import (
	"context"
	"errors"
	"fmt"
)

// billableCost is the flat consumption cost of one generation.
const billableCost = 1

// Gate is the single entry point generators call before producing billable
// output. It composes the Ledger and the IntentManager; generators never
// query the Ledger directly.
type Gate struct {
	ledger  *Ledger
	intents *IntentManager
	config  Config
}

// AuthResult is the outcome of an authorization attempt. Exactly one of
// Allowed or PaymentRequired applies; an empty balance is a first-class
// outcome guiding the user to pay, never an opaque error.
type AuthResult struct {
	Allowed bool

	// Entry is the usage entry written for an allowed consumption.
	Entry *UsageEntry

	// Balance is the balance after the decision.
	Balance int

	// Intent carries the payable intent when payment is required.
	Intent *PaymentIntent
}

// NewGate creates an access gate over a ledger and an intent manager.
func NewGate(ledger *Ledger, intents *IntentManager, config Config) (*Gate, error) {
	if ledger == nil || intents == nil {
		return nil, fmt.Errorf("ledger and intent manager are required")
	}
	return &Gate{ledger: ledger, intents: intents, config: config.withDefaults()}, nil
}

// Authorize charges one credit and permits a billable generation, or
// returns a payment prompt when the balance is empty.
//
// The consume attempt is atomic with its usage entry; there is no separate
// balance pre-check that could race. requestID is the client's idempotency
// token so a retried call does not double-consume.
func (g *Gate) Authorize(ctx context.Context, userID, requestID string) (*AuthResult, error) {
	res, err := g.ledger.TryConsume(ctx, userID, billableCost, requestID)
	if err == nil {
		return &AuthResult{Allowed: true, Entry: res.Entry, Balance: res.Balance}, nil
	}
	if !errors.Is(err, ErrInsufficientCredits) {
		return nil, err
	}

	intent, err := g.intents.CreateIntent(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}

	g.config.Logger.Info("payment required",
		Field{Key: "user_id", Value: userID},
		Field{Key: "intent_id", Value: intent.ID},
	)
	return &AuthResult{Allowed: false, Intent: intent}, nil
}
