// Package gin provides Gin middleware for credit-gated endpoints
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// RequestIDExtractor extracts the client's idempotency token from a Gin context
// Return empty string if the request carries none
type RequestIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Gate is the access gate instance (required)
	Gate *credits.Gate

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetRequestID extracts the idempotency token from context (optional)
	// If nil, defaults to extracting from X-Request-ID header
	GetRequestID RequestIDExtractor

	// OnPaymentRequired is called when the user's balance is empty
	// If nil, uses default response: 402 JSON carrying the payable intent
	OnPaymentRequired func(c *gongin.Context, intent *credits.PaymentIntent)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that charges one credit per request
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("gocredits/gin: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/gin: Config.GetUserID is required")
	}
	if cfg.GetRequestID == nil {
		cfg.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		result, err := cfg.Gate.Authorize(c.Request.Context(), userID, cfg.GetRequestID(c))
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !result.Allowed {
			if cfg.OnPaymentRequired != nil {
				cfg.OnPaymentRequired(c, result.Intent)
			} else {
				defaultPaymentRequired(c, result.Intent)
			}
			c.Abort()
			return
		}

		c.Next()
	}
}

func defaultPaymentRequired(c *gongin.Context, intent *credits.PaymentIntent) {
	if intent == nil {
		c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Payment Required"})
		return
	}
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":        "Payment Required",
		"intent_id":    intent.ID,
		"checkout_url": intent.CheckoutURL,
		"price_cents":  intent.PriceCents,
		"currency":     intent.Currency,
		"credits":      intent.Credits,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the token from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// RequestIDFromContext returns a RequestIDExtractor that gets the token from context values
func RequestIDFromContext(key string) RequestIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
