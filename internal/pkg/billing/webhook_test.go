package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/crewdeskhq/crewdesk/app/models"
)

func newTestWebhookService(repo *fakeRepo, cfg Config) *WebhookService {
	return NewWebhookService(repo, NewRoleSynchronizer(repo), cfg)
}

func TestRecordEventDeduplicates(t *testing.T) {
	repo := newFakeRepo()
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", EventType: EventPaymentSucceeded, PayloadJSON: `{"id":"evt_1"}`}
	created, first, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if !created || first.ID == 0 {
		t.Fatalf("expected new event, got created=%t id=%d", created, first.ID)
	}

	created, second, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent replay: %v", err)
	}
	if created {
		t.Fatalf("replayed event must not create a new row")
	}
	if second.ID != first.ID {
		t.Fatalf("replay returned a different row: %d vs %d", second.ID, first.ID)
	}
}

func TestRecordEventWithoutIDUsesPayloadHash(t *testing.T) {
	repo := newFakeRepo()
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventType: EventPaymentSucceeded, PayloadJSON: `{"object":"invoice"}`}
	created, _, err := s.RecordEvent(context.Background(), ev, false)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if !created {
		t.Fatalf("expected new event")
	}

	// Identical payload without an id must still deduplicate.
	created, _, err = s.RecordEvent(context.Background(), ev, false)
	if err != nil {
		t.Fatalf("RecordEvent replay: %v", err)
	}
	if created {
		t.Fatalf("identical payload must deduplicate via hash")
	}
}

func TestRecordEventReplayAfterFailedProcessing(t *testing.T) {
	user := testUser(1, models.RoleFree)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", EventType: EventPaymentSucceeded, CustomerID: "cus_1", SubscriptionID: "sub_1", PayloadJSON: `{"id":"evt_1"}`}
	created, stored, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if !created {
		t.Fatalf("expected new event")
	}

	// The first delivery fails mid-processing and the error is recorded.
	if err := s.MarkProcessed(context.Background(), stored.ID, errors.New("role write failed")); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	// The provider retries the same event id: no new row, but the stored
	// event must run its handler again.
	created, replay, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent replay: %v", err)
	}
	if created {
		t.Fatalf("replay must not create a new row")
	}
	if !s.NeedsReprocessing(replay) {
		t.Fatalf("failed event must be reprocessed on retry")
	}

	if err := s.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}
	if err := s.MarkProcessed(context.Background(), replay.ID, nil); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RolePremium) {
		t.Fatalf("retry must grant premium, got %v", names)
	}

	// A further replay of the now-completed event is a plain duplicate.
	_, settled, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent second replay: %v", err)
	}
	if s.NeedsReprocessing(settled) {
		t.Fatalf("completed event must not be reprocessed")
	}
}

func TestRecordEventReplayBeforeProcessingFinished(t *testing.T) {
	repo := newFakeRepo()
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", EventType: EventPaymentSucceeded, PayloadJSON: `{"id":"evt_1"}`}
	if _, _, err := s.RecordEvent(context.Background(), ev, true); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	// The retry arrives after the first delivery crashed without ever being
	// marked processed.
	_, stored, err := s.RecordEvent(context.Background(), ev, true)
	if err != nil {
		t.Fatalf("RecordEvent replay: %v", err)
	}
	if !s.NeedsReprocessing(stored) {
		t.Fatalf("unfinished event must be reprocessed on retry")
	}
}

func TestHandlePaymentSucceeded(t *testing.T) {
	user := testUser(1, models.RoleFree)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_1"}
	if err := s.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RolePremium) {
		t.Fatalf("expected exactly [premium], got %v", names)
	}

	// Redelivery of the same event is a no-op.
	if err := s.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if repo.roleWrites != 1 {
		t.Fatalf("expected a single role write across replays, got %d", repo.roleWrites)
	}
}

func TestHandlePaymentSucceededSkipsNonSubscriptionInvoice(t *testing.T) {
	user := testUser(1, models.RoleFree)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_1"}
	if err := s.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentSucceeded: %v", err)
	}
	if repo.roleWrites != 0 {
		t.Fatalf("one-off invoice must not touch roles, got %d writes", repo.roleWrites)
	}
}

func TestHandlePaymentSucceededUnknownCustomer(t *testing.T) {
	repo := newFakeRepo()
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_ghost", SubscriptionID: "sub_1"}
	if err := s.HandlePaymentSucceeded(context.Background(), ev); err != nil {
		t.Fatalf("unknown customer must be acknowledged, got %v", err)
	}
}

func TestHandlePaymentFailedBelowThreshold(t *testing.T) {
	user := testUser(1, models.RolePremium)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	repo.subs["sub_1"] = &models.Subscription{ID: 1, UserID: 1, RemoteID: "sub_1", Status: models.SubscriptionStatusActive}
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_1", AttemptCount: 2}
	if err := s.HandlePaymentFailed(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentFailed: %v", err)
	}
	if repo.subs["sub_1"].Status != models.SubscriptionStatusActive {
		t.Fatalf("status must not change below the failure threshold")
	}
}

func TestHandlePaymentFailedAtThreshold(t *testing.T) {
	user := testUser(1, models.RolePremium)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	repo.subs["sub_1"] = &models.Subscription{ID: 1, UserID: 1, RemoteID: "sub_1", Status: models.SubscriptionStatusActive}
	s := newTestWebhookService(repo, DefaultConfig())

	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_1", AttemptCount: 3}
	if err := s.HandlePaymentFailed(context.Background(), ev); err != nil {
		t.Fatalf("HandlePaymentFailed: %v", err)
	}
	if repo.subs["sub_1"].Status != models.SubscriptionStatusPastDue {
		t.Fatalf("expected past_due, got %q", repo.subs["sub_1"].Status)
	}
	// The user keeps premium: past_due is a grace-period state.
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RolePremium) {
		t.Fatalf("premium must be kept, got %v", names)
	}

	// Redelivery finds the subscription already past_due and writes nothing.
	writes := repo.subWrites
	if err := s.HandlePaymentFailed(context.Background(), ev); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if repo.subWrites != writes {
		t.Fatalf("replay must not write again, got %d extra writes", repo.subWrites-writes)
	}
}

func TestHandlePaymentFailedUncachedSubscription(t *testing.T) {
	user := testUser(1, models.RolePremium)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	s := newTestWebhookService(repo, DefaultConfig())

	// Not synced locally yet; acknowledge and let population sync catch up.
	ev := PaymentEvent{EventID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_new", AttemptCount: 3}
	if err := s.HandlePaymentFailed(context.Background(), ev); err != nil {
		t.Fatalf("uncached subscription must be acknowledged, got %v", err)
	}
}

func TestParseStripeEventUnverified(t *testing.T) {
	payload := []byte(`{
		"id": "evt_1",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"customer": "cus_1",
			"attempt_count": 2,
			"parent": {"subscription_details": {"subscription": "sub_1"}}
		}}
	}`)

	ev, err := ParseStripeEventUnverified(payload)
	if err != nil {
		t.Fatalf("ParseStripeEventUnverified: %v", err)
	}
	if ev.EventID != "evt_1" || ev.EventType != EventPaymentFailed {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.CustomerID != "cus_1" || ev.SubscriptionID != "sub_1" || ev.AttemptCount != 2 {
		t.Fatalf("unexpected invoice fields: %+v", ev)
	}
}

func TestParseStripeEventUnverifiedTopLevelSubscription(t *testing.T) {
	payload := []byte(`{
		"id": "evt_2",
		"type": "invoice.payment_succeeded",
		"data": {"object": {"customer": "cus_1", "subscription": "sub_1"}}
	}`)

	ev, err := ParseStripeEventUnverified(payload)
	if err != nil {
		t.Fatalf("ParseStripeEventUnverified: %v", err)
	}
	if ev.SubscriptionID != "sub_1" {
		t.Fatalf("expected top-level subscription ref, got %+v", ev)
	}
}
