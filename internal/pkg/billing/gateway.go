package billing

import (
	"context"
	"time"
)

// RemoteSubscription is the provider-agnostic shape of a subscription as
// reported by the remote billing authority, ordered newest-first.
type RemoteSubscription struct {
	ID          string
	Status      string
	PriceRef    string
	Quantity    int64
	TrialEndsAt *time.Time
	EndsAt      *time.Time
	Items       []RemoteSubscriptionItem
}

// RemoteSubscriptionItem is a line item of a remote subscription.
type RemoteSubscriptionItem struct {
	ID         string
	ProductRef string
	PriceRef   string
	Quantity   int64
}

// RemoteCustomer is the remote billing authority's view of a customer.
type RemoteCustomer struct {
	ID      string
	Email   string
	Name    string
	Deleted bool
}

// CheckoutParams describes a checkout session to create for a customer.
type CheckoutParams struct {
	CustomerID string
	PriceRef   string
	Quantity   int64
	SuccessURL string
	CancelURL  string
}

// SessionInfo is the result of creating a checkout or portal session.
type SessionInfo struct {
	URL       string
	SessionID string
}

// RemoteBillingGateway is the narrow contract to the remote billing
// authority. Every call is network I/O and must be timeout-bounded by the
// implementation.
type RemoteBillingGateway interface {
	ListSubscriptions(ctx context.Context, customerID, statusFilter string, limit int) ([]RemoteSubscription, error)
	RetrieveCustomer(ctx context.Context, customerID string) (*RemoteCustomer, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*SessionInfo, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*SessionInfo, error)
}
