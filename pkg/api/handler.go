package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

const (
	maxUserIDLen   = 255
	maxWebhookBody = 1 << 20 // 1 MiB
	defaultWindow  = 30 * 24 * time.Hour
)

// Handler provides HTTP endpoints for the credit ledger and payment flow.
// It does no routing of its own; mount the methods on any mux.
type Handler struct {
	config Config
}

// GetBalance returns the user's current credit balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	balance, err := h.config.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get balance: %w", err), http.StatusInternalServerError)
		return
	}

	resp := BalanceResponse{
		UserID:  userID,
		Credits: balance,
	}
	if open, err := h.config.Intents.FindOpen(r.Context(), userID); err == nil && open != nil {
		resp.Intent = intentResponse(open)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Consume charges one credit for a billable operation. When the balance is
// empty it responds 402 with a payable intent instead of an error.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body ConsumeRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
			return
		}
	}

	result, err := h.config.Gate.Authorize(r.Context(), userID, body.RequestID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("authorization failed: %w", err), http.StatusInternalServerError)
		return
	}

	if !result.Allowed {
		h.writeJSON(w, http.StatusPaymentRequired, ConsumeResponse{
			Allowed: false,
			Credits: result.Balance,
			Intent:  intentResponse(result.Intent),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, ConsumeResponse{
		Allowed: true,
		Credits: result.Balance,
		Entry:   usageEntry(result.Entry),
	})
}

// GetUsage lists the user's consumption history. Optional "from" and "to"
// query parameters are RFC 3339 timestamps; the default window is the last
// 30 days.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from, to := now.Add(-defaultWindow), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid 'from' timestamp: %w", err), http.StatusBadRequest)
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid 'to' timestamp: %w", err), http.StatusBadRequest)
			return
		}
		to = t
	}

	entries, err := h.config.Ledger.ListUsage(r.Context(), userID, from, to)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list usage: %w", err), http.StatusInternalServerError)
		return
	}

	response := UsageResponse{
		UserID:  userID,
		Entries: make([]UsageEntry, 0, len(entries)),
	}
	for _, e := range entries {
		response.Entries = append(response.Entries, *usageEntry(e))
	}
	h.writeJSON(w, http.StatusOK, response)
}

// CreateIntent starts (or resumes) a purchase for the user and returns the
// intent with its checkout URL. Calling it again while an intent is open
// returns the same intent.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	intent, err := h.config.Intents.CreateIntent(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to create intent: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, intentResponse(intent))
}

// GetIntentStatus reports the current status of one intent, identified by
// the "id" query parameter. Only the intent's owner may query it.
func (h *Handler) GetIntentStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	intentID := r.URL.Query().Get("id")
	if intentID == "" {
		h.handleError(w, r, fmt.Errorf("intent id is required"), http.StatusBadRequest)
		return
	}

	intent, err := h.config.Intents.GetStatus(r.Context(), intentID)
	if errors.Is(err, credits.ErrIntentNotFound) {
		h.handleError(w, r, fmt.Errorf("intent not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get intent: %w", err), http.StatusInternalServerError)
		return
	}
	if intent.UserID != userID {
		// Do not reveal whether a foreign intent exists.
		h.handleError(w, r, fmt.Errorf("intent not found"), http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, intentResponse(intent))
}

// HandleWebhook receives payment provider notifications. Authentic
// deliveries are always acknowledged with 200, duplicates and unmatched
// events included, so the provider stops redelivering; only signature
// failures get 400 and only internal errors get 500.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.config.Reconciler == nil {
		h.handleError(w, r, fmt.Errorf("webhook endpoint not configured"), http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to read body: %w", err), http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(h.config.SignatureHeader)
	result, err := h.config.Reconciler.HandleEvent(r.Context(), payload, signature)
	if result != nil && result.Status == credits.WebhookRejected {
		// Inauthentic delivery: a 500 here would make the provider
		// redeliver a hostile payload forever.
		h.config.Logger.Warn("rejected webhook delivery",
			credits.Field{Key: "remote_addr", Value: r.RemoteAddr},
		)
		h.writeJSON(w, http.StatusBadRequest, WebhookResponse{Status: string(result.Status)})
		return
	}
	if err != nil {
		// Storage trouble: fail the delivery so the provider retries.
		h.handleError(w, r, fmt.Errorf("failed to process event: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, WebhookResponse{Status: string(result.Status)})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent; nothing left to do.
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}

func intentResponse(intent *credits.PaymentIntent) *IntentResponse {
	if intent == nil {
		return nil
	}
	return &IntentResponse{
		ID:          intent.ID,
		Status:      string(intent.Status),
		PriceCents:  intent.PriceCents,
		Currency:    intent.Currency,
		Credits:     intent.Credits,
		CheckoutURL: intent.CheckoutURL,
		ExpiresAt:   intent.ExpiresAt,
	}
}

func usageEntry(e *credits.UsageEntry) *UsageEntry {
	if e == nil {
		return nil
	}
	return &UsageEntry{
		ID:           e.ID,
		Credits:      e.Credits,
		BalanceAfter: e.BalanceAfter,
		RequestID:    e.RequestID,
		Timestamp:    e.Timestamp,
	}
}
