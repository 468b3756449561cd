package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/gocredits/pkg/billing"
	"github.com/mihaimyh/gocredits/pkg/credits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

const (
	testUserID    = "user123"
	testSignature = "t=123,v1=valid"
)

// fakeProvider is a minimal billing.Provider for handler tests. Checkouts
// always succeed; ParseNotification accepts JSON payloads signed with
// testSignature.
type fakeProvider struct{}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreateCheckout(_ context.Context, req *billing.CheckoutRequest) (*billing.Checkout, error) {
	return &billing.Checkout{
		ProviderRef: "cs_" + req.IntentID,
		URL:         "https://pay.example.com/" + req.IntentID,
	}, nil
}

type fakeEvent struct {
	EventID    string `json:"event_id"`
	IntentID   string `json:"intent_id"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at"`
}

func (p *fakeProvider) ParseNotification(payload []byte, signature string) (*billing.Notification, error) {
	if signature != testSignature {
		return nil, billing.ErrInvalidSignature
	}
	var ev fakeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
	return &billing.Notification{
		EventID:    ev.EventID,
		IntentID:   ev.IntentID,
		Kind:       billing.NotificationKind(ev.Kind),
		OccurredAt: time.Unix(ev.OccurredAt, 0).UTC(),
	}, nil
}

func eventPayload(t *testing.T, eventID, intentID string, kind billing.NotificationKind) []byte {
	t.Helper()
	body, err := json.Marshal(fakeEvent{
		EventID:    eventID,
		IntentID:   intentID,
		Kind:       string(kind),
		OccurredAt: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return body
}

type testCore struct {
	handler *Handler
	ledger  *credits.Ledger
	storage *memory.Storage
}

func newTestHandler(t *testing.T) *testCore {
	t.Helper()

	storage := memory.New()
	config := credits.Config{
		Bundle: credits.Bundle{PriceCents: 500, Currency: "eur", Credits: 5},
	}

	ledger, err := credits.NewLedger(storage, config)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	provider := &fakeProvider{}
	intents, err := credits.NewIntentManager(storage, provider, config)
	if err != nil {
		t.Fatalf("Failed to create intent manager: %v", err)
	}
	reconciler, err := credits.NewReconciler(storage, provider, config)
	if err != nil {
		t.Fatalf("Failed to create reconciler: %v", err)
	}
	gate, err := credits.NewGate(ledger, intents, config)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}

	handler, err := NewHandler(Config{
		Gate:       gate,
		Ledger:     ledger,
		Intents:    intents,
		Reconciler: reconciler,
		GetUserID:  FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	return &testCore{handler: handler, ledger: ledger, storage: storage}
}

func authedRequest(method, target string, body []byte) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	}
	req.Header.Set("X-User-ID", testUserID)
	return req
}

func seedCredits(t *testing.T, ledger *credits.Ledger, amount int) {
	t.Helper()
	if _, err := ledger.Grant(context.Background(), testUserID, amount, "seed"); err != nil {
		t.Fatalf("Failed to seed credits: %v", err)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("Expected error for empty config")
	}

	core := newTestHandler(t)
	config := core.handler.config
	config.GetUserID = nil
	if _, err := NewHandler(config); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
}

func TestHandler_GetBalance(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.GetBalance(w, authedRequest("GET", "/credits/balance", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.UserID != testUserID || response.Credits != 0 {
		t.Errorf("Unexpected response: %+v", response)
	}

	seedCredits(t, core.ledger, 5)

	w = httptest.NewRecorder()
	core.handler.GetBalance(w, authedRequest("GET", "/credits/balance", nil))
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Credits != 5 {
		t.Errorf("Expected 5 credits, got %d", response.Credits)
	}
}

func TestHandler_GetBalance_IncludesOpenIntent(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.CreateIntent(w, authedRequest("POST", "/credits/intents", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var created IntentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to unmarshal intent: %v", err)
	}

	w = httptest.NewRecorder()
	core.handler.GetBalance(w, authedRequest("GET", "/credits/balance", nil))

	var response BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Intent == nil {
		t.Fatal("Expected open intent in balance response")
	}
	if response.Intent.ID != created.ID {
		t.Errorf("Expected intent %s, got %s", created.ID, response.Intent.ID)
	}
}

func TestHandler_GetBalance_Unauthorized(t *testing.T) {
	core := newTestHandler(t)

	req := httptest.NewRequest("GET", "/credits/balance", http.NoBody)
	w := httptest.NewRecorder()
	core.handler.GetBalance(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestHandler_Consume_PaymentRequired(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.Consume(w, authedRequest("POST", "/credits/consume", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d: %s", w.Code, w.Body.String())
	}

	var response ConsumeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response.Allowed {
		t.Error("Expected allowed=false")
	}
	if response.Intent == nil || response.Intent.CheckoutURL == "" {
		t.Fatalf("Expected payable intent with checkout URL, got %+v", response.Intent)
	}
	if response.Intent.Status != string(credits.IntentPending) {
		t.Errorf("Expected pending intent, got %s", response.Intent.Status)
	}
}

func TestHandler_Consume_Allowed(t *testing.T) {
	core := newTestHandler(t)
	seedCredits(t, core.ledger, 5)

	body, _ := json.Marshal(ConsumeRequest{RequestID: "req-1"})
	w := httptest.NewRecorder()
	core.handler.Consume(w, authedRequest("POST", "/credits/consume", body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response ConsumeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if !response.Allowed || response.Credits != 4 {
		t.Errorf("Expected allowed with 4 credits, got %+v", response)
	}
	if response.Entry == nil || response.Entry.BalanceAfter != 4 {
		t.Errorf("Expected usage entry at balance 4, got %+v", response.Entry)
	}

	// Retrying with the same request ID does not charge again.
	w = httptest.NewRecorder()
	core.handler.Consume(w, authedRequest("POST", "/credits/consume", body))
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if !response.Allowed || response.Credits != 4 {
		t.Errorf("Expected replay at 4 credits, got %+v", response)
	}
}

func TestHandler_Consume_InvalidBody(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.Consume(w, authedRequest("POST", "/credits/consume", []byte("{not json")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_GetUsage(t *testing.T) {
	core := newTestHandler(t)
	seedCredits(t, core.ledger, 5)

	for i := 0; i < 3; i++ {
		body, _ := json.Marshal(ConsumeRequest{RequestID: fmt.Sprintf("req-%d", i)})
		w := httptest.NewRecorder()
		core.handler.Consume(w, authedRequest("POST", "/credits/consume", body))
		if w.Code != http.StatusOK {
			t.Fatalf("Consume %d failed: %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	core.handler.GetUsage(w, authedRequest("GET", "/credits/usage", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if len(response.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(response.Entries))
	}
	if response.Entries[2].BalanceAfter != 2 {
		t.Errorf("Expected final balance 2, got %d", response.Entries[2].BalanceAfter)
	}
}

func TestHandler_GetUsage_InvalidRange(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.GetUsage(w, authedRequest("GET", "/credits/usage?from=yesterday", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestHandler_CreateIntent_Reuses(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.CreateIntent(w, authedRequest("POST", "/credits/intents", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var first IntentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if first.PriceCents != 500 || first.Credits != 5 {
		t.Errorf("Unexpected bundle on intent: %+v", first)
	}

	// A second call while the intent is open returns the same intent.
	w = httptest.NewRecorder()
	core.handler.CreateIntent(w, authedRequest("POST", "/credits/intents", nil))
	var second IntentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if second.ID != first.ID {
		t.Errorf("Expected reused intent %s, got %s", first.ID, second.ID)
	}
}

func TestHandler_GetIntentStatus(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.CreateIntent(w, authedRequest("POST", "/credits/intents", nil))
	var intent IntentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &intent)

	w = httptest.NewRecorder()
	core.handler.GetIntentStatus(w, authedRequest("GET", "/credits/intents/status?id="+intent.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Missing id parameter.
	w = httptest.NewRecorder()
	core.handler.GetIntentStatus(w, authedRequest("GET", "/credits/intents/status", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}

	// Unknown intent.
	w = httptest.NewRecorder()
	core.handler.GetIntentStatus(w, authedRequest("GET", "/credits/intents/status?id=in_missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	// Another user's intent looks like it does not exist.
	req := httptest.NewRequest("GET", "/credits/intents/status?id="+intent.ID, http.NoBody)
	req.Header.Set("X-User-ID", "someone-else")
	w = httptest.NewRecorder()
	core.handler.GetIntentStatus(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for foreign intent, got %d", w.Code)
	}
}

func TestHandler_HandleWebhook_GrantsOnce(t *testing.T) {
	core := newTestHandler(t)

	w := httptest.NewRecorder()
	core.handler.CreateIntent(w, authedRequest("POST", "/credits/intents", nil))
	var intent IntentResponse
	_ = json.Unmarshal(w.Body.Bytes(), &intent)

	payload := eventPayload(t, "evt-1", intent.ID, billing.KindCompleted)

	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/credits/webhook", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", testSignature)
		w := httptest.NewRecorder()
		core.handler.HandleWebhook(w, req)
		return w
	}

	w = deliver()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response WebhookResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Status != string(credits.WebhookAccepted) {
		t.Errorf("Expected accepted, got %s", response.Status)
	}

	balance, err := core.ledger.GetBalance(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected 5 credits after settlement, got %d", balance)
	}

	// Redelivery is acknowledged but grants nothing.
	w = deliver()
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 on redelivery, got %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Status != string(credits.WebhookDuplicate) {
		t.Errorf("Expected duplicate, got %s", response.Status)
	}

	balance, _ = core.ledger.GetBalance(context.Background(), testUserID)
	if balance != 5 {
		t.Errorf("Expected 5 credits after redelivery, got %d", balance)
	}
}

func TestHandler_HandleWebhook_BadSignature(t *testing.T) {
	core := newTestHandler(t)

	payload := eventPayload(t, "evt-1", "in_x", billing.KindCompleted)
	req := httptest.NewRequest("POST", "/credits/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=123,v1=forged")
	w := httptest.NewRecorder()
	core.handler.HandleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	var response WebhookResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Status != string(credits.WebhookRejected) {
		t.Errorf("Expected rejected, got %s", response.Status)
	}
}

func TestHandler_HandleWebhook_MalformedPayload(t *testing.T) {
	core := newTestHandler(t)

	req := httptest.NewRequest("POST", "/credits/webhook", bytes.NewReader([]byte("not json")))
	req.Header.Set("Stripe-Signature", testSignature)
	w := httptest.NewRecorder()
	core.handler.HandleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	var response WebhookResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Status != string(credits.WebhookRejected) {
		t.Errorf("Expected rejected, got %s", response.Status)
	}
}

func TestHandler_HandleWebhook_Unmatched(t *testing.T) {
	core := newTestHandler(t)

	payload := eventPayload(t, "evt-ghost", "in_missing", billing.KindCompleted)
	req := httptest.NewRequest("POST", "/credits/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", testSignature)
	w := httptest.NewRecorder()
	core.handler.HandleWebhook(w, req)

	// Unmatched events are acknowledged so the provider stops retrying.
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response WebhookResponse
	_ = json.Unmarshal(w.Body.Bytes(), &response)
	if response.Status != string(credits.WebhookUnmatched) {
		t.Errorf("Expected unmatched, got %s", response.Status)
	}
}

func TestHandler_HandleWebhook_NotConfigured(t *testing.T) {
	core := newTestHandler(t)
	config := core.handler.config
	config.Reconciler = nil
	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("POST", "/credits/webhook", http.NoBody)
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
