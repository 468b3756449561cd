package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// CreateCheckout creates a one-time-payment Checkout Session for a credit
// bundle. The intent id and user id are injected into the session metadata;
// the webhook handler reads them back to resolve the settling intent.
func (p *Provider) CreateCheckout(ctx context.Context, req *billing.CheckoutRequest) (*billing.Checkout, error) {
	name := p.productName
	if name == "" {
		name = req.Description
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String(req.Currency),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(name),
					},
					UnitAmount: stripe.Int64(req.AmountCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata: map[string]string{
			"user_id":   req.UserID,
			"intent_id": req.IntentID,
		},
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		if isTransient(err) {
			return nil, fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &billing.Checkout{
		ProviderRef: session.ID,
		URL:         session.URL,
	}, nil
}

// isTransient reports whether a Stripe API failure is worth retrying.
// API errors with a 4xx status (other than 429) are definitive; everything
// else, including network-level failures, is treated as transient.
func isTransient(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return stripeErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}
