// Package http provides HTTP middleware for credit-gated endpoints
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// RequestIDExtractor extracts the client's idempotency token from a request
// Return empty string if the request carries none
type RequestIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance (required)
	Gate *credits.Gate

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetRequestID extracts the idempotency token from request (optional)
	// If nil, defaults to extracting from X-Request-ID header
	GetRequestID RequestIDExtractor

	// OnPaymentRequired is called when the user's balance is empty
	// If nil, returns 402 JSON carrying the payable intent
	OnPaymentRequired func(w http.ResponseWriter, r *http.Request, intent *credits.PaymentIntent)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that charges one credit per request.
// Requests that cannot be charged never reach the wrapped handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("gocredits/http: Config.Gate is required")
	}
	if config.GetUserID == nil {
		panic("gocredits/http: Config.GetUserID is required")
	}
	if config.GetRequestID == nil {
		config.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			result, err := config.Gate.Authorize(r.Context(), userID, config.GetRequestID(r))
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !result.Allowed {
				if config.OnPaymentRequired != nil {
					config.OnPaymentRequired(w, r, result.Intent)
				} else {
					defaultPaymentRequired(w, result.Intent)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that charges one credit per request (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func defaultPaymentRequired(w http.ResponseWriter, intent *credits.PaymentIntent) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)

	body := map[string]interface{}{
		"error": "Payment Required",
	}
	if intent != nil {
		body["intent_id"] = intent.ID
		body["checkout_url"] = intent.CheckoutURL
		body["price_cents"] = intent.PriceCents
		body["currency"] = intent.Currency
		body["credits"] = intent.Credits
	}
	_ = json.NewEncoder(w).Encode(body)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "credits:userID"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// RequestIDFromHeader returns a RequestIDExtractor that gets the token from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
