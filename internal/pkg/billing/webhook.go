package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/crewdeskhq/crewdesk/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// PaymentEvent is the normalized shape of a provider payment webhook. Events
// arrive at-least-once; handlers must tolerate replays of the same EventID.
type PaymentEvent struct {
	EventID        string
	EventType      string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int64
	PayloadJSON    string
}

// WebhookService applies asynchronous payment events to local state and
// roles, idempotently. It is one of the two writers of the local
// subscription store.
type WebhookService struct {
	repo  Repository
	roles *RoleSynchronizer
	cfg   Config
}

// NewWebhookService creates a webhook reconciliation service.
func NewWebhookService(repo Repository, roles *RoleSynchronizer, cfg Config) *WebhookService {
	return &WebhookService{repo: repo, roles: roles, cfg: cfg}
}

// RecordEvent persists the raw webhook payload idempotently, keyed by
// provider event id. The returned bool reports whether the event is new.
func (s *WebhookService) RecordEvent(ctx context.Context, ev PaymentEvent, signatureValid bool) (bool, *models.WebhookEvent, error) {
	_ = ctx
	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(ev.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.WebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(ev.EventType),
		PayloadJSON:     ev.PayloadJSON,
		SignatureValid:  signatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(event)
}

// NeedsReprocessing reports whether a replayed event must run its handler
// again. A stored event whose first delivery never finished, or finished with
// an error, is not a completed duplicate; the provider retries exactly so we
// can make up for transient handler failures.
func (s *WebhookService) NeedsReprocessing(stored *models.WebhookEvent) bool {
	if stored == nil {
		return false
	}
	return stored.ProcessedAt == nil || stored.ProcessingError != ""
}

// MarkProcessed marks a recorded event as processed, storing an optional error.
func (s *WebhookService) MarkProcessed(ctx context.Context, eventID uint, processingErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("webhook event id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(eventID, errMsg)
}

// HandlePaymentSucceeded grants premium to the invoice's user. Invoices
// without a subscription are ignored; unknown customers are acknowledged so
// the provider stops retrying. Re-delivery of the same event is a no-op
// because an already-premium user needs no role change.
func (s *WebhookService) HandlePaymentSucceeded(ctx context.Context, ev PaymentEvent) error {
	_ = ctx
	if strings.TrimSpace(ev.SubscriptionID) == "" {
		log.Debugf("[BillingWebhook] event %s: non-subscription invoice, skipping", ev.EventID)
		return nil
	}

	user, err := s.repo.GetUserByRemoteCustomerID(ev.CustomerID)
	if err != nil {
		if isNotFound(err) {
			log.Infof("[BillingWebhook] event %s: no local user for customer %s, acknowledging", ev.EventID, ev.CustomerID)
			return nil
		}
		return err
	}

	if user.HasRole(models.RolePremium) {
		return nil
	}
	return s.roles.SyncRole(user.ID, models.RolePremium)
}

// HandlePaymentFailed records a failed payment. Only once the provider's
// attempt count reaches the configured threshold does the local subscription
// escalate to past_due; premium is not removed here because past_due is a
// grace-period state, not a downgrade.
func (s *WebhookService) HandlePaymentFailed(ctx context.Context, ev PaymentEvent) error {
	_ = ctx
	if strings.TrimSpace(ev.SubscriptionID) == "" {
		log.Debugf("[BillingWebhook] event %s: non-subscription invoice, skipping", ev.EventID)
		return nil
	}

	user, err := s.repo.GetUserByRemoteCustomerID(ev.CustomerID)
	if err != nil {
		if isNotFound(err) {
			log.Infof("[BillingWebhook] event %s: no local user for customer %s, acknowledging", ev.EventID, ev.CustomerID)
			return nil
		}
		return err
	}

	log.Warnf("[BillingWebhook] payment failed for user %d (subscription %s, attempt %d)",
		user.ID, ev.SubscriptionID, ev.AttemptCount)

	if ev.AttemptCount < s.cfg.PaymentFailureThreshold {
		return nil
	}

	sub, err := s.repo.GetSubscriptionByRemoteID(ev.SubscriptionID)
	if err != nil {
		if isNotFound(err) {
			// The subscription may not have been synced locally yet; the
			// next population sync will pick up the remote state.
			log.Infof("[BillingWebhook] event %s: subscription %s not cached locally, acknowledging", ev.EventID, ev.SubscriptionID)
			return nil
		}
		return err
	}
	if sub.Status == models.SubscriptionStatusPastDue {
		return nil
	}
	return s.repo.UpdateSubscriptionStatus(ev.SubscriptionID, models.SubscriptionStatusPastDue)
}
