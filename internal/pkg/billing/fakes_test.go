package billing

import (
	"context"
	"sort"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository for tests.
type fakeRepo struct {
	users      map[uint]*models.User
	subs       map[string]*models.Subscription
	items      map[string]*models.SubscriptionItem
	events     map[string]*models.WebhookEvent
	nextSubID  uint
	nextItemID uint
	nextEvtID  uint

	subErr error // forced error for LatestEntitledSubscription

	roleWrites int
	subWrites  int
	userWrites int
}

func newFakeRepo(users ...*models.User) *fakeRepo {
	r := &fakeRepo{
		users:  make(map[uint]*models.User),
		subs:   make(map[string]*models.Subscription),
		items:  make(map[string]*models.SubscriptionItem),
		events: make(map[string]*models.WebhookEvent),
	}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *fakeRepo) GetUserByID(id uint) (*models.User, error) {
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetUserByRemoteCustomerID(remoteCustomerID string) (*models.User, error) {
	for _, u := range r.users {
		if u.RemoteCustomerID == remoteCustomerID {
			return u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListSyncCandidates(asOf time.Time, window time.Duration, userID uint, offset, limit int) ([]models.User, error) {
	cutoff := asOf.Add(-window)
	var out []models.User
	for _, u := range r.users {
		if u.RemoteCustomerID == "" {
			continue
		}
		if userID != 0 && u.ID != userID {
			continue
		}
		if u.UpdatedAt.Before(cutoff) && u.LastSyncAt != nil && u.LastSyncAt.Before(cutoff) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (r *fakeRepo) ListExpiredTrialUsers(asOf time.Time, userID uint, offset, limit int) ([]models.User, error) {
	var out []models.User
	for _, u := range r.users {
		if u.TrialEndsAt == nil || u.TrialEndsAt.After(asOf) {
			continue
		}
		if userID != 0 && u.ID != userID {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (r *fakeRepo) SetUserTrialEndsAt(userID uint, endsAt time.Time) error {
	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.userWrites++
	u.TrialEndsAt = &endsAt
	return nil
}

func (r *fakeRepo) SetUserLastSyncAt(userID uint, at time.Time) error {
	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.userWrites++
	u.LastSyncAt = &at
	return nil
}

func (r *fakeRepo) UpdateUserRoles(userID uint, apply func(current []string) (add, remove []string)) error {
	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	current := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		current = append(current, role.Name)
	}
	add, remove := apply(current)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	r.roleWrites++

	removed := make(map[string]bool, len(remove))
	for _, name := range remove {
		removed[name] = true
	}
	var next []models.Role
	for _, role := range u.Roles {
		if !removed[role.Name] {
			next = append(next, role)
		}
	}
	for _, name := range add {
		next = append(next, models.Role{Name: name})
	}
	u.Roles = next
	return nil
}

func (r *fakeRepo) ListRolesForUser(userID uint) ([]string, error) {
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	names := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		names = append(names, role.Name)
	}
	return names, nil
}

func (r *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	r.subWrites++
	if existing, ok := r.subs[sub.RemoteID]; ok {
		existing.UserID = sub.UserID
		existing.Status = sub.Status
		existing.PriceRef = sub.PriceRef
		existing.Quantity = sub.Quantity
		existing.TrialEndsAt = sub.TrialEndsAt
		existing.EndsAt = sub.EndsAt
		existing.UpdatedAt = time.Now()
		*sub = *existing
		return nil
	}
	r.nextSubID++
	sub.ID = r.nextSubID
	sub.UpdatedAt = time.Now()
	stored := *sub
	r.subs[sub.RemoteID] = &stored
	return nil
}

func (r *fakeRepo) UpsertSubscriptionItem(item *models.SubscriptionItem) error {
	r.subWrites++
	if existing, ok := r.items[item.RemoteID]; ok {
		existing.SubscriptionID = item.SubscriptionID
		existing.ProductRef = item.ProductRef
		existing.PriceRef = item.PriceRef
		existing.Quantity = item.Quantity
		*item = *existing
		return nil
	}
	r.nextItemID++
	item.ID = r.nextItemID
	stored := *item
	r.items[item.RemoteID] = &stored
	return nil
}

func (r *fakeRepo) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) LatestEntitledSubscription(userID uint, asOf time.Time) (*models.Subscription, error) {
	if r.subErr != nil {
		return nil, r.subErr
	}
	var best *models.Subscription
	for _, s := range r.subs {
		if s.UserID != userID || !s.Entitles(asOf) {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *best
	return &copied, nil
}

func (r *fakeRepo) GetSubscriptionByRemoteID(remoteID string) (*models.Subscription, error) {
	if s, ok := r.subs[remoteID]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpdateSubscriptionStatus(remoteID, status string) error {
	s, ok := r.subs[remoteID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	r.subWrites++
	s.Status = status
	return nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	key := event.Provider + "/" + event.ProviderEventID
	if stored, ok := r.events[key]; ok {
		return false, stored, nil
	}
	r.nextEvtID++
	event.ID = r.nextEvtID
	stored := *event
	r.events[key] = &stored
	return true, &stored, nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// fakeGateway is an in-memory RemoteBillingGateway for tests.
type fakeGateway struct {
	subs  map[string][]RemoteSubscription
	err   error
	calls int
}

func (g *fakeGateway) ListSubscriptions(ctx context.Context, customerID, statusFilter string, limit int) ([]RemoteSubscription, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.subs[customerID], nil
}

func (g *fakeGateway) RetrieveCustomer(ctx context.Context, customerID string) (*RemoteCustomer, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &RemoteCustomer{ID: customerID}, nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*SessionInfo, error) {
	return &SessionInfo{URL: "https://checkout.test/session", SessionID: "cs_test"}, nil
}

func (g *fakeGateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*SessionInfo, error) {
	return &SessionInfo{URL: "https://portal.test/session", SessionID: "bps_test"}, nil
}

func testUser(id uint, roles ...string) *models.User {
	u := &models.User{ID: id, Name: "user", Status: models.STATUS_ACTIVE}
	for _, name := range roles {
		u.Roles = append(u.Roles, models.Role{Name: name})
	}
	return u
}
