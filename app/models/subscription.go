package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// Remote subscription statuses as reported by the billing provider.
const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
)

// Subscription is the local cache of a remote subscription. Rows are written
// only by the population sync and the webhook reconciler, keyed by RemoteID
// so re-syncing the same remote record never creates a duplicate. Rows are
// never hard-deleted; a remote cancellation transitions Status instead.
type Subscription struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	UserID      uint               `gorm:"not null;index" json:"user_id"`
	RemoteID    string             `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscriptions_remote_id" json:"remote_id"`
	Status      string             `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	PriceRef    string             `gorm:"type:varchar(191);not null;default:''" json:"price_ref"`
	Quantity    int64              `gorm:"not null;default:1" json:"quantity"`
	TrialEndsAt *time.Time         `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	EndsAt      *time.Time         `gorm:"type:timestamp;default:null" json:"ends_at,omitempty"`
	Items       []SubscriptionItem `gorm:"foreignKey:SubscriptionID" json:"items,omitempty"`
	CreatedAt   time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscriptionItem is a line item of a cached subscription, keyed by its own
// remote identifier for idempotent upserts.
type SubscriptionItem struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	SubscriptionID uint      `gorm:"not null;index" json:"subscription_id"`
	RemoteID       string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_subscription_items_remote_id" json:"remote_id"`
	ProductRef     string    `gorm:"type:varchar(191);not null;default:''" json:"product_ref"`
	PriceRef       string    `gorm:"type:varchar(191);not null;default:''" json:"price_ref"`
	Quantity       int64     `gorm:"not null;default:1" json:"quantity"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Entitles reports whether this cached row grants access as of the given
// time. Canceled subscriptions whose EndsAt lies in the future still entitle
// until the period runs out (grace period).
func (s *Subscription) Entitles(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	case SubscriptionStatusCanceled:
		return s.EndsAt != nil && s.EndsAt.After(now)
	default:
		return false
	}
}
