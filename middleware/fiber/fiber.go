// Package fiber provides Fiber middleware for credit-gated endpoints
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gocredits/pkg/credits"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// RequestIDExtractor extracts the client's idempotency token from a Fiber context
// Return empty string if the request carries none
type RequestIDExtractor func(c *fiber.Ctx) string

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
	OnPaymentRequired func(c *fiber.Ctx, intent *credits.PaymentIntent) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that charges one credit per request
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Gate == nil {
		panic("gocredits/fiber: Config.Gate is required")
	}
	if cfg.GetUserID == nil {
		panic("gocredits/fiber: Config.GetUserID is required")
	}
	if cfg.GetRequestID == nil {
		cfg.GetRequestID = RequestIDFromHeader("X-Request-ID")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		// CRITICAL: Fiber uses fasthttp, so we must use c.UserContext() to get context.Context
		result, err := cfg.Gate.Authorize(c.UserContext(), userID, cfg.GetRequestID(c))
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !result.Allowed {
			if cfg.OnPaymentRequired != nil {
				return cfg.OnPaymentRequired(c, result.Intent)
			}
			return defaultPaymentRequired(c, result.Intent)
		}

		return c.Next()
	}
}

func defaultPaymentRequired(c *fiber.Ctx, intent *credits.PaymentIntent) error {
	if intent == nil {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Payment Required"})
	}
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":        "Payment Required",
		"intent_id":    intent.ID,
		"checkout_url": intent.CheckoutURL,
		"price_cents":  intent.PriceCents,
		"currency":     intent.Currency,
		"credits":      intent.Credits,
	})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// This is the recommended approach for integrating with auth middleware that
// sets user information via c.Locals("UserID", "...") or similar.
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Request ID

// RequestIDFromHeader returns a RequestIDExtractor that gets the token from a header
func RequestIDFromHeader(headerName string) RequestIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// RequestIDFromContext returns a RequestIDExtractor that gets the token from Fiber locals
func RequestIDFromContext(key string) RequestIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}
