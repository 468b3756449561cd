package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// IntentManager creates and tracks purchase attempts against the external
// payment provider. It exclusively owns the PaymentIntent lifecycle up to
// Completed; only the Reconciler moves an intent into Completed.
type IntentManager struct {
	storage  Storage
	provider billing.Provider
	config   Config

	// group collapses concurrent CreateIntent calls for the same user so
	// a burst of retries yields one provider checkout, not N.
	group singleflight.Group
}

// NewIntentManager creates an intent manager.
func NewIntentManager(storage Storage, provider billing.Provider, config Config) (*IntentManager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config = config.withDefaults()
	if config.Bundle.Credits <= 0 || config.Bundle.PriceCents <= 0 {
		return nil, fmt.Errorf("bundle is not configured")
	}
	return &IntentManager{storage: storage, provider: provider, config: config}, nil
}

// Bundle returns the configured credit bundle.
func (m *IntentManager) Bundle() Bundle {
	return m.config.Bundle
}

// CreateIntent returns a payable intent for the user. If the user already
// has an open Pending intent it is returned instead of minting a new
// checkout; otherwise a checkout is requested from the provider and the
// intent is persisted as Pending with an expiry of now+IntentTTL.
//
// Transient provider failures are retried up to CheckoutRetries times and
// then surfaced wrapping billing.ErrProviderUnavailable; no intent is
// persisted until a checkout call succeeds.
func (m *IntentManager) CreateIntent(ctx context.Context, userID string) (*PaymentIntent, error) {
	v, err, _ := m.group.Do(userID, func() (interface{}, error) {
		return m.createIntent(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PaymentIntent), nil
}

func (m *IntentManager) createIntent(ctx context.Context, userID string) (*PaymentIntent, error) {
	now := time.Now().UTC()

	open, err := m.storage.FindOpenIntent(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open intent: %w", err)
	}
	if open != nil {
		return open, nil
	}

	intent := &PaymentIntent{
		ID:         uuid.NewString(),
		UserID:     userID,
		PriceCents: m.config.Bundle.PriceCents,
		Currency:   m.config.Bundle.Currency,
		Credits:    m.config.Bundle.Credits,
		Status:     IntentCreated,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.config.IntentTTL),
		UpdatedAt:  now,
	}

	checkout, err := m.createCheckout(ctx, intent)
	if err != nil {
		return nil, err
	}

	intent.Status = IntentPending
	intent.ProviderRef = checkout.ProviderRef
	intent.CheckoutURL = checkout.URL

	if err := m.storage.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to persist intent: %w", err)
	}

	m.config.Metrics.RecordIntentCreated(m.provider.Name())
	m.config.Logger.Info("payment intent created",
		Field{Key: "intent_id", Value: intent.ID},
		Field{Key: "user_id", Value: userID},
		Field{Key: "credits", Value: intent.Credits},
		Field{Key: "expires_at", Value: intent.ExpiresAt},
	)
	return intent, nil
}

func (m *IntentManager) createCheckout(ctx context.Context, intent *PaymentIntent) (*billing.Checkout, error) {
	req := &billing.CheckoutRequest{
		IntentID:    intent.ID,
		UserID:      intent.UserID,
		AmountCents: intent.PriceCents,
		Currency:    intent.Currency,
		Description: fmt.Sprintf("Credit bundle (%d credits)", intent.Credits),
		SuccessURL:  m.config.SuccessURL,
		CancelURL:   m.config.CancelURL,
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.CheckoutRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.config.CheckoutTimeout)
		checkout, err := m.provider.CreateCheckout(callCtx, req)
		cancel()
		if err == nil {
			return checkout, nil
		}
		if !errors.Is(err, billing.ErrProviderUnavailable) {
			return nil, fmt.Errorf("failed to create checkout: %w", err)
		}
		lastErr = err
		m.config.Logger.Warn("checkout creation failed, retrying",
			Field{Key: "intent_id", Value: intent.ID},
			Field{Key: "attempt", Value: attempt + 1},
			Field{Key: "error", Value: err.Error()},
		)
		if err := sleepCtx(ctx, time.Duration(attempt+1)*100*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("checkout creation exhausted retries: %w", lastErr)
}

// GetStatus returns the intent by id.
func (m *IntentManager) GetStatus(ctx context.Context, intentID string) (*PaymentIntent, error) {
	return m.storage.GetIntent(ctx, intentID)
}

// FindOpen returns the user's open Pending intent, or nil.
func (m *IntentManager) FindOpen(ctx context.Context, userID string) (*PaymentIntent, error) {
	return m.storage.FindOpenIntent(ctx, userID, time.Now().UTC())
}

// ExpireStale moves every Pending intent past its expiry to Expired.
// Best-effort and idempotent; missing or double-running a sweep only
// affects timing, never balances.
func (m *IntentManager) ExpireStale(ctx context.Context) (int, error) {
	count, err := m.storage.ExpireIntentsBefore(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to expire intents: %w", err)
	}
	if count > 0 {
		m.config.Metrics.RecordIntentExpired(count)
		m.config.Logger.Info("expired stale intents", Field{Key: "count", Value: count})
	}
	return count, nil
}

// StartSweeper runs ExpireStale every SweepInterval until ctx is canceled.
// It never blocks a foreground call; run it from its own goroutine:
//
//	go manager.StartSweeper(ctx)
func (m *IntentManager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ExpireStale(ctx); err != nil {
				m.config.Logger.Error("expiry sweep failed",
					Field{Key: "error", Value: err.Error()},
				)
			}
		}
	}
}
