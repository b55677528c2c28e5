package billing

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Webhook event types handled by the reconciler.
const (
	EventPaymentSucceeded = "invoice.payment_succeeded"
	EventPaymentFailed    = "invoice.payment_failed"
)

// ParseStripeEvent verifies the webhook signature and normalizes the payload
// into a PaymentEvent. API version mismatches are tolerated so provider-side
// version bumps do not break ingestion.
func ParseStripeEvent(payload []byte, sigHeader, secret string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook signature verification failed: %w", err)
	}
	return normalizeStripeEvent(&event, payload)
}

// ParseStripeEventUnverified normalizes a payload without signature
// verification. Only the trusted-test ingress path may use this, and that
// path is unreachable in production configuration.
func ParseStripeEventUnverified(payload []byte) (*PaymentEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return normalizeStripeEvent(&event, payload)
}

func normalizeStripeEvent(event *stripe.Event, payload []byte) (*PaymentEvent, error) {
	// The invoice object is decoded from the raw payload directly: the
	// subscription reference moved under parent.subscription_details in
	// newer API versions, so both locations are checked.
	var invoice struct {
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
		AttemptCount int64  `json:"attempt_count"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload: %w", err)
	}

	subscriptionID := invoice.Subscription
	if subscriptionID == "" && invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		subscriptionID = invoice.Parent.SubscriptionDetails.Subscription
	}

	return &PaymentEvent{
		EventID:        event.ID,
		EventType:      string(event.Type),
		CustomerID:     strings.TrimSpace(invoice.Customer),
		SubscriptionID: strings.TrimSpace(subscriptionID),
		AttemptCount:   invoice.AttemptCount,
		PayloadJSON:    string(payload),
	}, nil
}
