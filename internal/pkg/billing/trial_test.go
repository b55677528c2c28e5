package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
)

func newTestTrialService(repo *fakeRepo, gw *fakeGateway, cfg Config, now time.Time) *TrialService {
	roles := NewRoleSynchronizer(repo)
	resolver := newTestResolver(repo, gw, cfg, now)
	s := NewTrialService(repo, resolver, roles, cfg)
	s.now = func() time.Time { return now }
	return s
}

func TestStartTrial(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := testUser(1, models.RoleFree)
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	if err := s.StartTrial(context.Background(), user); err != nil {
		t.Fatalf("StartTrial: %v", err)
	}
	if user.TrialEndsAt == nil {
		t.Fatalf("trial end not set")
	}
	want := now.Add(14 * 24 * time.Hour)
	if !user.TrialEndsAt.Equal(want) {
		t.Fatalf("trial ends at %v, want %v", user.TrialEndsAt, want)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RoleTrial) {
		t.Fatalf("expected exactly [trial], got %v", names)
	}
}

func TestStartTrialAlreadyUsed(t *testing.T) {
	now := time.Now()
	expired := now.Add(-30 * 24 * time.Hour)
	user := testUser(1, models.RoleFree)
	user.TrialEndsAt = &expired
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	// An expired trial still counts as used.
	if err := s.StartTrial(context.Background(), user); !errors.Is(err, ErrAlreadyOnTrial) {
		t.Fatalf("expected ErrAlreadyOnTrial, got %v", err)
	}
	if repo.userWrites != 0 || repo.roleWrites != 0 {
		t.Fatalf("expected no writes, got user=%d role=%d", repo.userWrites, repo.roleWrites)
	}
}

func TestStartTrialAlreadySubscribed(t *testing.T) {
	now := time.Now()
	user := testUser(1, models.RolePremium)
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	gw := &fakeGateway{subs: map[string][]RemoteSubscription{
		"cus_1": {{ID: "sub_1", Status: "active"}},
	}}
	s := newTestTrialService(repo, gw, DefaultConfig(), now)

	if err := s.StartTrial(context.Background(), user); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestDowngradeExpiredTrials(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-24 * time.Hour)

	user := testUser(1, models.RoleTrial)
	user.TrialEndsAt = &expired
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.Downgraded != 1 || result.PremiumRetained != 0 || result.Skipped != 0 || result.Errors != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RoleFree) {
		t.Fatalf("expected exactly [free], got %v", names)
	}
}

func TestDowngradeExpiredTrialsChunked(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-24 * time.Hour)

	repo := newFakeRepo()
	for id := uint(1); id <= 3; id++ {
		u := testUser(id, models.RoleTrial)
		u.TrialEndsAt = &expired
		repo.users[id] = u
	}

	// Batch size 1 forces the sweep to page through the candidates.
	cfg := DefaultConfig()
	cfg.DefaultBatchSize = 1
	s := newTestTrialService(repo, &fakeGateway{}, cfg, now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.Downgraded != 3 {
		t.Fatalf("expected 3 downgrades across batches, got %+v", result)
	}
	for id := uint(1); id <= 3; id++ {
		if names := roleNames(t, repo, id); !hasExactly(names, models.RoleFree) {
			t.Fatalf("user %d: expected exactly [free], got %v", id, names)
		}
	}
}

func TestDowngradeExpiredTrialsRetainsPremium(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-24 * time.Hour)

	// Trial ran out but the user converted to a paid subscription meanwhile.
	user := testUser(1, models.RoleTrial)
	user.TrialEndsAt = &expired
	user.RemoteCustomerID = "cus_1"
	repo := newFakeRepo(user)
	gw := &fakeGateway{subs: map[string][]RemoteSubscription{
		"cus_1": {{ID: "sub_1", Status: "active"}},
	}}
	s := newTestTrialService(repo, gw, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.PremiumRetained != 1 || result.Downgraded != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RolePremium) {
		t.Fatalf("expected exactly [premium], got %v", names)
	}
}

func TestDowngradeExpiredTrialsSkipsFreeUsers(t *testing.T) {
	now := time.Now()
	expired := now.Add(-24 * time.Hour)

	// Already downgraded by an earlier sweep; nothing left to take away.
	user := testUser(1, models.RoleFree)
	user.TrialEndsAt = &expired
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.Skipped != 1 || result.Downgraded != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDowngradeExpiredTrialsIgnoresActiveTrials(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)

	user := testUser(1, models.RoleTrial)
	user.TrialEndsAt = &future
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result != (TrialSweepResult{}) {
		t.Fatalf("expected empty result, got %+v", result)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RoleTrial) {
		t.Fatalf("trial role should be untouched, got %v", names)
	}
}

func TestDowngradeExpiredTrialsDryRun(t *testing.T) {
	now := time.Now()
	expired := now.Add(-24 * time.Hour)

	user := testUser(1, models.RoleTrial)
	user.TrialEndsAt = &expired
	repo := newFakeRepo(user)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, true, 0)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.Downgraded != 1 {
		t.Fatalf("dry-run should still count the downgrade, got %+v", result)
	}
	if repo.roleWrites != 0 {
		t.Fatalf("dry-run must not write roles, got %d writes", repo.roleWrites)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RoleTrial) {
		t.Fatalf("dry-run must leave roles untouched, got %v", names)
	}
}

func TestDowngradeExpiredTrialsCountsErrors(t *testing.T) {
	now := time.Now()
	expired := now.Add(-24 * time.Hour)

	broken := testUser(1, models.RoleTrial)
	broken.TrialEndsAt = &expired
	broken.RemoteCustomerID = "cus_broken"
	fine := testUser(2, models.RoleTrial)
	fine.TrialEndsAt = &expired

	repo := newFakeRepo(broken, fine)
	repo.subErr = errors.New("table is locked")
	cfg := DefaultConfig()
	s := newTestTrialService(repo, &fakeGateway{err: errors.New("gateway timeout")}, cfg, now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 0)
	if err != nil {
		t.Fatalf("sweep should not abort on per-user errors: %v", err)
	}
	if result.Errors != 1 || result.Downgraded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDowngradeExpiredTrialsScopedUser(t *testing.T) {
	now := time.Now()
	expired := now.Add(-24 * time.Hour)

	first := testUser(1, models.RoleTrial)
	first.TrialEndsAt = &expired
	second := testUser(2, models.RoleTrial)
	second.TrialEndsAt = &expired

	repo := newFakeRepo(first, second)
	s := newTestTrialService(repo, &fakeGateway{}, DefaultConfig(), now)

	result, err := s.DowngradeExpiredTrials(context.Background(), now, false, 2)
	if err != nil {
		t.Fatalf("DowngradeExpiredTrials: %v", err)
	}
	if result.Downgraded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if names := roleNames(t, repo, 1); !hasExactly(names, models.RoleTrial) {
		t.Fatalf("out-of-scope user must be untouched, got %v", names)
	}
	if names := roleNames(t, repo, 2); !hasExactly(names, models.RoleFree) {
		t.Fatalf("scoped user should be downgraded, got %v", names)
	}
}
