package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

const testWebhookSecret = "whsec_test_secret"

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		APIKey:        "sk_test_123",
		WebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	return provider
}

// signPayload produces a Stripe-Signature header the same way Stripe does:
// HMAC-SHA256 over "<timestamp>.<payload>" with the endpoint secret.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func sessionEventPayload(t *testing.T, eventID, eventType, intentID string, created time.Time) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     created.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id": "cs_test_123",
				"metadata": map[string]string{
					"user_id":   "user1",
					"intent_id": intentID,
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return payload
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{WebhookSecret: testWebhookSecret})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured without API key, got %v", err)
	}

	_, err = NewProvider(Config{APIKey: "sk_test_123"})
	if !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("Expected ErrProviderNotConfigured without webhook secret, got %v", err)
	}

	provider, err := NewProvider(Config{APIKey: "sk_test_123", WebhookSecret: testWebhookSecret})
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	if provider.Name() != "stripe" {
		t.Errorf("Expected provider name stripe, got %s", provider.Name())
	}
}

func TestParseNotification_ValidSignature(t *testing.T) {
	provider := newTestProvider(t)
	now := time.Now()

	payload := sessionEventPayload(t, "evt_1", "checkout.session.completed", "int-1", now)
	sig := signPayload(payload, testWebhookSecret, now)

	n, err := provider.ParseNotification(payload, sig)
	if err != nil {
		t.Fatalf("ParseNotification failed: %v", err)
	}
	if n.EventID != "evt_1" {
		t.Errorf("EventID mismatch: %s", n.EventID)
	}
	if n.IntentID != "int-1" {
		t.Errorf("IntentID mismatch: %s", n.IntentID)
	}
	if n.Kind != billing.KindCompleted {
		t.Errorf("Expected completed kind, got %s", n.Kind)
	}
}

func TestParseNotification_InvalidSignature(t *testing.T) {
	provider := newTestProvider(t)
	now := time.Now()

	payload := sessionEventPayload(t, "evt_1", "checkout.session.completed", "int-1", now)

	// Signed with the wrong secret.
	sig := signPayload(payload, "whsec_wrong_secret", now)
	_, err := provider.ParseNotification(payload, sig)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}

	// Garbage header.
	_, err = provider.ParseNotification(payload, "not-a-signature")
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}
}

func TestParseNotification_TamperedPayload(t *testing.T) {
	provider := newTestProvider(t)
	now := time.Now()

	payload := sessionEventPayload(t, "evt_1", "checkout.session.completed", "int-1", now)
	sig := signPayload(payload, testWebhookSecret, now)

	tampered := sessionEventPayload(t, "evt_1", "checkout.session.completed", "int-OTHER", now)
	_, err := provider.ParseNotification(tampered, sig)
	if !errors.Is(err, billing.ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for tampered payload, got %v", err)
	}
}

func TestNotificationFromEvent_KindMapping(t *testing.T) {
	tests := []struct {
		eventType string
		want      billing.NotificationKind
	}{
		{"checkout.session.completed", billing.KindCompleted},
		{"checkout.session.async_payment_succeeded", billing.KindCompleted},
		{"checkout.session.expired", billing.KindFailed},
		{"checkout.session.async_payment_failed", billing.KindFailed},
		{"invoice.payment_succeeded", billing.KindUnknown},
		{"customer.created", billing.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			raw, _ := json.Marshal(map[string]interface{}{
				"id":       "cs_test_123",
				"metadata": map[string]string{"intent_id": "int-1"},
			})
			event := &stripe.Event{
				ID:      "evt_1",
				Type:    stripe.EventType(tt.eventType),
				Created: time.Now().Unix(),
				Data:    &stripe.EventData{Raw: raw},
			}

			n, err := notificationFromEvent(event)
			if err != nil {
				t.Fatalf("notificationFromEvent failed: %v", err)
			}
			if n.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", n.Kind, tt.want)
			}
			if tt.want != billing.KindUnknown && n.IntentID != "int-1" {
				t.Errorf("IntentID = %s, want int-1", n.IntentID)
			}
		})
	}
}

func TestNotificationFromEvent_MissingMetadata(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{"id": "cs_test_123"})
	event := &stripe.Event{
		ID:      "evt_1",
		Type:    "checkout.session.completed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}

	n, err := notificationFromEvent(event)
	if err != nil {
		t.Fatalf("notificationFromEvent failed: %v", err)
	}
	if n.IntentID != "" {
		t.Errorf("Expected empty intent id, got %s", n.IntentID)
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(errors.New("connection reset")) {
		t.Error("Network-level failures should be transient")
	}
	if !isTransient(&stripe.Error{HTTPStatusCode: 500}) {
		t.Error("5xx should be transient")
	}
	if !isTransient(&stripe.Error{HTTPStatusCode: 429}) {
		t.Error("Rate limiting should be transient")
	}
	if isTransient(&stripe.Error{HTTPStatusCode: 400}) {
		t.Error("4xx should be definitive")
	}
	if isTransient(&stripe.Error{HTTPStatusCode: 402}) {
		t.Error("Card errors should be definitive")
	}
}
