// Package stripe implements the billing.Provider interface on Stripe hosted
// Checkout. Credit bundles are sold as one-time payments; settlement arrives
// through signed webhook events carrying the intent id in session metadata.
package stripe

import (
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

const providerName = "stripe"

// Config holds the Stripe credentials and checkout options.
type Config struct {
	// APIKey is the Stripe secret key (sk_...).
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_...).
	WebhookSecret string

	// ProductName is the line-item name shown on the hosted checkout
	// page. When empty the checkout request's description is used.
	ProductName string
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	productName   string
}

// NewProvider creates a Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	return &Provider{
		client:        stripe.NewClient(apiKey),
		webhookSecret: webhookSecret,
		productName:   strings.TrimSpace(config.ProductName),
	}, nil
}

// Name returns "stripe".
func (p *Provider) Name() string {
	return providerName
}
