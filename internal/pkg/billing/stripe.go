package billing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crewdeskhq/crewdesk/internal/pkg/env"
	"github.com/stripe/stripe-go/v82"
)

// StripeGateway implements RemoteBillingGateway against the Stripe API.
type StripeGateway struct {
	client  *stripe.Client
	timeout time.Duration
}

// NewStripeGateway creates a gateway with the given secret key. A zero
// timeout falls back to the default remote timeout.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = DefaultConfig().RemoteTimeout
	}
	return &StripeGateway{
		client:  stripe.NewClient(secretKey, nil),
		timeout: timeout,
	}
}

// NewStripeGatewayFromEnv creates a gateway configured from the environment.
func NewStripeGatewayFromEnv() *StripeGateway {
	cfg := ConfigFromEnv()
	return NewStripeGateway(strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")), cfg.RemoteTimeout)
}

// ListSubscriptions fetches subscriptions for a customer, newest first.
// statusFilter "all" includes canceled and incomplete subscriptions.
func (g *StripeGateway) ListSubscriptions(ctx context.Context, customerID, statusFilter string, limit int) ([]RemoteSubscription, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("customer id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
	}
	if statusFilter != "" {
		params.Status = stripe.String(statusFilter)
	}
	if limit > 0 {
		params.Limit = stripe.Int64(int64(limit))
	}

	out := make([]RemoteSubscription, 0, limit)
	for sub, err := range g.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		out = append(out, fromStripeSubscription(sub))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RetrieveCustomer fetches a single customer record.
func (g *StripeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*RemoteCustomer, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("customer id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cust, err := g.client.V1Customers.Retrieve(ctx, customerID, &stripe.CustomerRetrieveParams{})
	if err != nil {
		return nil, err
	}
	return &RemoteCustomer{
		ID:      cust.ID,
		Email:   cust.Email,
		Name:    cust.Name,
		Deleted: cust.Deleted,
	}, nil
}

// CreateCheckoutSession creates a subscription checkout session.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*SessionInfo, error) {
	if strings.TrimSpace(p.PriceRef) == "" {
		return nil, errors.New("price ref is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	qty := p.Quantity
	if qty <= 0 {
		qty = 1
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.PriceRef),
				Quantity: stripe.Int64(qty),
			},
		},
	}
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{URL: session.URL, SessionID: session.ID}, nil
}

// CreateBillingPortalSession creates a customer billing portal session.
func (g *StripeGateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*SessionInfo, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("customer id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	session, err := g.client.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return &SessionInfo{URL: session.URL, SessionID: session.ID}, nil
}

func fromStripeSubscription(sub *stripe.Subscription) RemoteSubscription {
	out := RemoteSubscription{
		ID:     sub.ID,
		Status: string(sub.Status),
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEndsAt = &t
	}
	switch {
	case sub.EndedAt > 0:
		t := time.Unix(sub.EndedAt, 0).UTC()
		out.EndsAt = &t
	case sub.CancelAt > 0:
		t := time.Unix(sub.CancelAt, 0).UTC()
		out.EndsAt = &t
	}
	if sub.Items != nil {
		for _, it := range sub.Items.Data {
			item := RemoteSubscriptionItem{
				ID:       it.ID,
				Quantity: it.Quantity,
			}
			if it.Price != nil {
				item.PriceRef = it.Price.ID
				if it.Price.Product != nil {
					item.ProductRef = it.Price.Product.ID
				}
			}
			out.Items = append(out.Items, item)
			// Period end lives on the item since the 2025 API versions.
			if out.EndsAt == nil && sub.CancelAtPeriodEnd && it.CurrentPeriodEnd > 0 {
				t := time.Unix(it.CurrentPeriodEnd, 0).UTC()
				out.EndsAt = &t
			}
		}
		if len(out.Items) > 0 {
			out.PriceRef = out.Items[0].PriceRef
			out.Quantity = out.Items[0].Quantity
		}
	}
	if out.Quantity <= 0 {
		out.Quantity = 1
	}
	return out
}
