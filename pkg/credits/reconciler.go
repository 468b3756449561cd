package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// Reconciler ingests provider notifications, deduplicates them and drives
// ledger grants. It is the only writer of ProcessedPaymentEvent records and
// the only actor allowed to move an intent into Completed.
type Reconciler struct {
	storage  Storage
	provider billing.Provider
	config   Config
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(storage Storage, provider billing.Provider, config Config) (*Reconciler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if provider == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	return &Reconciler{storage: storage, provider: provider, config: config.withDefaults()}, nil
}

// HandleEvent processes one raw webhook delivery.
//
//  1. The provider authenticates the payload; a bad signature rejects the
//     delivery with nothing recorded.
//  2. Irrelevant event kinds are acknowledged without touching storage.
//  3. Storage settles the event atomically: event-id dedup, intent
//     transition and grant all persist together, so a crash between steps
//     can never cause a replay to double-grant.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (*EventResult, error) {
	start := time.Now()
	res, err := r.handleEvent(ctx, payload, signature)
	if res != nil {
		r.config.Metrics.RecordWebhookEvent(r.provider.Name(), string(res.Status))
	}
	r.config.Metrics.RecordWebhookDuration(r.provider.Name(), time.Since(start))
	return res, err
}

func (r *Reconciler) handleEvent(ctx context.Context, payload []byte, signature string) (*EventResult, error) {
	n, err := r.provider.ParseNotification(payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			r.config.Logger.Warn("webhook rejected: invalid signature",
				Field{Key: "provider", Value: r.provider.Name()},
			)
			return &EventResult{Status: WebhookRejected}, err
		}
		return &EventResult{Status: WebhookRejected}, fmt.Errorf("failed to parse notification: %w", err)
	}

	if n.Kind == billing.KindUnknown {
		return &EventResult{Status: WebhookAccepted, Notification: n}, nil
	}

	settled, err := r.storage.SettleEvent(ctx, &SettleRequest{
		EventID:     n.EventID,
		IntentID:    n.IntentID,
		Kind:        n.Kind,
		OccurredAt:  n.OccurredAt,
		ReceivedAt:  time.Now().UTC(),
		GraceWindow: r.config.GraceWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to settle event %s: %w", n.EventID, err)
	}

	result := &EventResult{
		Outcome:      settled.Outcome,
		Notification: n,
		Intent:       settled.Intent,
	}

	switch {
	case settled.Duplicate:
		result.Status = WebhookDuplicate
	case settled.Outcome == OutcomeConfirmed:
		result.Status = WebhookDuplicate
	case settled.Outcome == OutcomeUnmatched:
		result.Status = WebhookUnmatched
		r.config.Logger.Warn("webhook event unmatched, manual reconciliation required",
			Field{Key: "event_id", Value: n.EventID},
			Field{Key: "intent_id", Value: n.IntentID},
			Field{Key: "kind", Value: string(n.Kind)},
		)
	default:
		result.Status = WebhookAccepted
		if settled.Outcome == OutcomeGranted {
			r.config.Logger.Info("payment settled, credits granted",
				Field{Key: "event_id", Value: n.EventID},
				Field{Key: "intent_id", Value: n.IntentID},
				Field{Key: "balance", Value: settled.Balance},
			)
		}
	}
	return result, nil
}
