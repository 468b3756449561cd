// Package echo provides Echo middleware for credit-gated endpoints
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// RequestIDExtractor extracts the client's idempotency token from an Echo context
// Return empty string if the request carries none
type RequestIDExtractor func(c echo.Context) string

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
	OnPaymentRequired func(c echo.Context, intent *credits.PaymentIntent) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that charges one credit per request
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("gocredits/echo: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/echo: Config.GetUserID is required")
	}
	if cfg.GetRequestID == nil {
		cfg.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			result, err := cfg.Gate.Authorize(c.Request().Context(), userID, cfg.GetRequestID(c))
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !result.Allowed {
				if cfg.OnPaymentRequired != nil {
					return cfg.OnPaymentRequired(c, result.Intent)
				}
				return defaultPaymentRequired(c, result.Intent)
			}

			return next(c)
		}
	}
}

func defaultPaymentRequired(c echo.Context, intent *credits.PaymentIntent) error {
	if intent == nil {
		return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Payment Required"})
	}
	return c.JSON(http.StatusPaymentRequired, map[string]interface{}{
		"error":        "Payment Required",
		"intent_id":    intent.ID,
		"checkout_url": intent.CheckoutURL,
		"price_cents":  intent.PriceCents,
		"currency":     intent.Currency,
		"credits":      intent.Credits,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the token from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// RequestIDFromContext returns a RequestIDExtractor that gets the token from context values
func RequestIDFromContext(key string) RequestIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
