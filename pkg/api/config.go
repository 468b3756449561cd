package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// Config holds configuration for the credits API handler
type Config struct {
	// Gate authorizes billable operations (required)
	Gate *credits.Gate

	// Ledger answers balance and usage queries (required)
	Ledger *credits.Ledger

	// Intents creates and reports payment intents (required)
	Intents *credits.IntentManager

	// Reconciler processes provider webhook deliveries.
	// Required only when the webhook endpoint is served.
	Reconciler *credits.Reconciler

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// SignatureHeader names the header carrying the provider's webhook
	// signature. Defaults to "Stripe-Signature".
	SignatureHeader string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional structured logging for API operations
	// If nil, logging is disabled
	Logger credits.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Intents == nil {
		return fmt.Errorf("intent manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new credits API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = "Stripe-Signature"
	}
	if config.Logger == nil {
		config.Logger = &credits.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
