package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gocredits/pkg/billing"
)

// ParseNotification verifies the Stripe-Signature header against the raw
// payload and reduces the event to a billing.Notification. Verification
// failures return billing.ErrInvalidSignature and nothing else.
func (p *Provider) ParseNotification(payload []byte, signature string) (*billing.Notification, error) {
	event, err := stripe.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}
	return notificationFromEvent(&event)
}

func notificationFromEvent(event *stripe.Event) (*billing.Notification, error) {
	n := &billing.Notification{
		EventID:    event.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		n.Kind = billing.KindCompleted
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		n.Kind = billing.KindFailed
	default:
		// Authentic but irrelevant; callers acknowledge and move on.
		n.Kind = billing.KindUnknown
		return n, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPayload, err)
	}
	n.IntentID = session.Metadata["intent_id"]
	return n, nil
}
