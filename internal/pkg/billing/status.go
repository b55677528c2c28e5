package billing

import (
	"strings"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
)

// Internal entitlement statuses. These are what the rest of the application
// sees; remote provider statuses are mapped into this vocabulary.
const (
	StatusActive     = "active"
	StatusTrial      = "trial"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
	StatusIncomplete = "incomplete"
	StatusExpired    = "expired"
	StatusFree       = "free"
	StatusUnknown    = "unknown"
)

// Provenance of a resolved entitlement.
const (
	SourceLocalTrial    = "local-trial"
	SourceRemote        = "remote"
	SourceLocalFallback = "local-fallback"
	SourceErrorFallback = "error-fallback"
)

// MapRemoteStatus translates a remote provider subscription status into the
// internal status vocabulary. Unrecognized statuses map to unknown.
func MapRemoteStatus(remote string) string {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case models.SubscriptionStatusActive:
		return StatusActive
	case models.SubscriptionStatusTrialing:
		return StatusTrial
	case models.SubscriptionStatusPastDue:
		return StatusPastDue
	case models.SubscriptionStatusCanceled, models.SubscriptionStatusUnpaid:
		return StatusCanceled
	case models.SubscriptionStatusIncomplete:
		return StatusIncomplete
	case models.SubscriptionStatusIncompleteExpired:
		return StatusExpired
	default:
		return StatusUnknown
	}
}

func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing, models.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// EntitlementStatus is the computed, never persisted answer to "what can
// this user do right now". Source records where the answer came from.
type EntitlementStatus struct {
	Status          string     `json:"status"`
	HasSubscription bool       `json:"has_subscription"`
	OnTrial         bool       `json:"on_trial"`
	TrialEndsAt     *time.Time `json:"trial_ends_at,omitempty"`
	Source          string     `json:"source"`
	StalenessHours  float64    `json:"staleness_hours,omitempty"`
	IsStale         bool       `json:"is_stale,omitempty"`
}

// DesiredBillingRole maps a resolved entitlement to the billing role the
// user should hold. Unknown leans free so premium features stay denied.
func DesiredBillingRole(es EntitlementStatus) string {
	if es.OnTrial {
		return models.RoleTrial
	}
	if es.HasSubscription {
		return models.RolePremium
	}
	return models.RoleFree
}
