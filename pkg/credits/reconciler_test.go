package credits_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/credits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

func newTestReconciler(t *testing.T) (*credits.Reconciler, *credits.IntentManager, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	provider := &fakeProvider{}
	manager, err := credits.NewIntentManager(storage, provider, testConfig())
	if err != nil {
		t.Fatalf("NewIntentManager failed: %v", err)
	}
	reconciler, err := credits.NewReconciler(storage, provider, testConfig())
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	return reconciler, manager, storage
}

func TestReconciler_InvalidSignature(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	payload := eventPayload(t, "evt-1", "int-1", billing.KindCompleted)
	res, err := reconciler.HandleEvent(ctx, payload, "t=123,v1=forged")
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
	if res.Status != credits.WebhookRejected {
		t.Errorf("Expected rejected, got %s", res.Status)
	}

	// Nothing may be recorded for a rejected delivery.
	ev, _ := storage.GetProcessedEvent(ctx, "evt-1")
	if ev != nil {
		t.Errorf("Rejected event must not be recorded, got %+v", ev)
	}
}

func TestReconciler_CompletedGrantsOnce(t *testing.T) {
	reconciler, manager, _ := newTestReconciler(t)
	ctx := context.Background()

	intent, err := manager.CreateIntent(ctx, "user1")
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}

	payload := eventPayload(t, "evt-1", intent.ID, billing.KindCompleted)

	res, err := reconciler.HandleEvent(ctx, payload, testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookAccepted {
		t.Errorf("Expected accepted, got %s", res.Status)
	}
	if res.Outcome != credits.OutcomeGranted {
		t.Errorf("Expected granted, got %s", res.Outcome)
	}
	if res.Intent.Status != credits.IntentCompleted {
		t.Errorf("Expected completed intent, got %s", res.Intent.Status)
	}

	// At-least-once delivery: the provider redelivers the same event.
	for i := 0; i < 3; i++ {
		res, err = reconciler.HandleEvent(ctx, payload, testSignature)
		if err != nil {
			t.Fatalf("Redelivery %d failed: %v", i, err)
		}
		if res.Status != credits.WebhookDuplicate {
			t.Errorf("Redelivery %d: expected duplicate, got %s", i, res.Status)
		}
	}
}

func TestReconciler_RedeliveryNeverDoubleGrants(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	intent, _ := manager.CreateIntent(ctx, "user1")
	payload := eventPayload(t, "evt-1", intent.ID, billing.KindCompleted)

	for i := 0; i < 5; i++ {
		if _, err := reconciler.HandleEvent(ctx, payload, testSignature); err != nil {
			t.Fatalf("Delivery %d failed: %v", i, err)
		}
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 5 {
		t.Errorf("Expected exactly one bundle granted (5), got %d", bal.Credits)
	}
}

func TestReconciler_DistinctEventSameIntent(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	intent, _ := manager.CreateIntent(ctx, "user1")

	if _, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", intent.ID, billing.KindCompleted), testSignature); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-2", intent.ID, billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("Second delivery failed: %v", err)
	}
	if res.Status != credits.WebhookDuplicate {
		t.Errorf("Re-confirmation should surface as duplicate, got %s", res.Status)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 5 {
		t.Errorf("Expected 5 credits, got %d", bal.Credits)
	}
}

func TestReconciler_UnmatchedIntent(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "no-such-intent", billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookUnmatched {
		t.Errorf("Expected unmatched, got %s", res.Status)
	}

	// The event id is consumed so the redelivery is a duplicate.
	res, _ = reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "no-such-intent", billing.KindCompleted), testSignature)
	if res.Status != credits.WebhookDuplicate {
		t.Errorf("Expected duplicate on redelivery, got %s", res.Status)
	}

	ev, _ := storage.GetProcessedEvent(ctx, "evt-1")
	if ev == nil || ev.Outcome != credits.OutcomeUnmatched {
		t.Errorf("Expected unmatched record, got %+v", ev)
	}
}

func TestReconciler_EmptyIntentReference(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	// A completed event whose metadata carries no intent id cannot be
	// resolved; it settles unmatched and still consumes its event id.
	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "", billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookUnmatched {
		t.Errorf("Expected unmatched, got %s", res.Status)
	}

	res, _ = reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "", billing.KindCompleted), testSignature)
	if res.Status != credits.WebhookDuplicate {
		t.Errorf("Expected duplicate on redelivery, got %s", res.Status)
	}

	ev, _ := storage.GetProcessedEvent(ctx, "evt-1")
	if ev == nil || ev.Outcome != credits.OutcomeUnmatched {
		t.Errorf("Expected unmatched record, got %+v", ev)
	}
}

func TestReconciler_FailedEvent(t *testing.T) {
	reconciler, manager, storage := newTestReconciler(t)
	ctx := context.Background()

	intent, _ := manager.CreateIntent(ctx, "user1")

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", intent.ID, billing.KindFailed), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookAccepted {
		t.Errorf("Expected accepted, got %s", res.Status)
	}
	if res.Outcome != credits.OutcomeFailed {
		t.Errorf("Expected failed outcome, got %s", res.Outcome)
	}
	if res.Intent.Status != credits.IntentFailed {
		t.Errorf("Expected failed intent, got %s", res.Intent.Status)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 0 {
		t.Errorf("Failed payment must not grant, got %d", bal.Credits)
	}
}

func TestReconciler_LateCompletionWithinGrace(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An intent the sweep already expired, one minute past its deadline.
	// The completion arriving now is still inside the grace window.
	storage.CreateIntent(ctx, &credits.PaymentIntent{
		ID: "int-late", UserID: "user1", Credits: 5, Status: credits.IntentExpired,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	})

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "int-late", billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookAccepted || res.Outcome != credits.OutcomeGranted {
		t.Errorf("Late completion within grace should grant, got %s/%s", res.Status, res.Outcome)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 5 {
		t.Errorf("Expected 5 credits granted, got %d", bal.Credits)
	}
}

func TestReconciler_NegativeGraceWindowDisablesGrace(t *testing.T) {
	storage := memory.New()
	provider := &fakeProvider{}
	config := testConfig()
	config.GraceWindow = -1
	reconciler, err := credits.NewReconciler(storage, provider, config)
	if err != nil {
		t.Fatalf("NewReconciler failed: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()

	// Expired one minute ago. With the grace window disabled even a
	// barely late completion stays unmatched.
	storage.CreateIntent(ctx, &credits.PaymentIntent{
		ID: "int-late", UserID: "user1", Credits: 5, Status: credits.IntentExpired,
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	})

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "int-late", billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookUnmatched {
		t.Errorf("Expected unmatched with grace disabled, got %s", res.Status)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 0 {
		t.Errorf("Expected no credits granted, got %d", bal.Credits)
	}
}

func TestReconciler_LateCompletionPastGrace(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	storage.CreateIntent(ctx, &credits.PaymentIntent{
		ID: "int-old", UserID: "user1", Credits: 5, Status: credits.IntentExpired,
		CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour),
	})

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "int-old", billing.KindCompleted), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookUnmatched {
		t.Errorf("Completion past grace should be unmatched, got %s", res.Status)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Credits != 0 {
		t.Errorf("No grant expected past grace, got %d", bal.Credits)
	}
}

func TestReconciler_UnknownKindAcknowledged(t *testing.T) {
	reconciler, _, storage := newTestReconciler(t)
	ctx := context.Background()

	res, err := reconciler.HandleEvent(ctx, eventPayload(t, "evt-1", "", billing.KindUnknown), testSignature)
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if res.Status != credits.WebhookAccepted {
		t.Errorf("Expected accepted, got %s", res.Status)
	}

	// Irrelevant events never touch storage.
	ev, _ := storage.GetProcessedEvent(ctx, "evt-1")
	if ev != nil {
		t.Errorf("Unknown kind must not be recorded, got %+v", ev)
	}
}
