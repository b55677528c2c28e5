package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Resolver computes the current entitlement status for a single user. It is
// a pure read path: it never mutates roles or persisted state.
type Resolver struct {
	repo    Repository
	gateway RemoteBillingGateway
	cfg     Config
	now     func() time.Time
}

// NewResolver creates an entitlement resolver.
func NewResolver(repo Repository, gateway RemoteBillingGateway, cfg Config) *Resolver {
	return &Resolver{
		repo:    repo,
		gateway: gateway,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Resolve determines the user's entitlement with the following precedence:
// an unexpired local trial always wins, then the remote authority, then the
// local cache when the remote is unreachable and fallback is enabled. The
// returned status is always usable; a non-nil error only accompanies the
// unknown/error-fallback outcome so callers can observe the failure.
func (r *Resolver) Resolve(ctx context.Context, user *models.User) (EntitlementStatus, error) {
	now := r.now()

	// Trial is exclusively local state, so an active trial needs no remote
	// call at all.
	if user.OnTrial(now) {
		return EntitlementStatus{
			Status:          StatusTrial,
			HasSubscription: true,
			OnTrial:         true,
			TrialEndsAt:     user.TrialEndsAt,
			Source:          SourceLocalTrial,
		}, nil
	}

	if user.RemoteCustomerID == "" {
		return EntitlementStatus{
			Status:      StatusFree,
			TrialEndsAt: user.TrialEndsAt,
			Source:      SourceLocalTrial,
		}, nil
	}

	subs, err := r.gateway.ListSubscriptions(ctx, user.RemoteCustomerID, "all", r.cfg.RemotePageLimit)
	if err == nil {
		for _, sub := range subs {
			if !isEntitlingStatus(sub.Status) {
				continue
			}
			return EntitlementStatus{
				Status:          MapRemoteStatus(sub.Status),
				HasSubscription: true,
				TrialEndsAt:     user.TrialEndsAt,
				Source:          SourceRemote,
			}, nil
		}
		return EntitlementStatus{
			Status:      StatusFree,
			TrialEndsAt: user.TrialEndsAt,
			Source:      SourceRemote,
		}, nil
	}

	log.Warnf("[Entitlement] remote lookup failed for user %d: %v", user.ID, err)
	if !r.cfg.FallbackEnabled {
		return EntitlementStatus{
			Status: StatusUnknown,
			Source: SourceErrorFallback,
		}, fmt.Errorf("remote billing lookup failed: %w", err)
	}

	return r.resolveFromLocal(user, now)
}

func (r *Resolver) resolveFromLocal(user *models.User, now time.Time) (EntitlementStatus, error) {
	sub, err := r.repo.LatestEntitledSubscription(user.ID, now)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No usable cache row: back to the trial-or-free check. The
			// trial branch was already taken above, so this is free.
			return EntitlementStatus{
				Status:      StatusFree,
				TrialEndsAt: user.TrialEndsAt,
				Source:      SourceLocalFallback,
			}, nil
		}
		return EntitlementStatus{
			Status: StatusUnknown,
			Source: SourceErrorFallback,
		}, fmt.Errorf("local entitlement fallback failed: %w", err)
	}

	staleness := now.Sub(sub.UpdatedAt).Hours()
	return EntitlementStatus{
		Status:          MapRemoteStatus(sub.Status),
		HasSubscription: true,
		TrialEndsAt:     user.TrialEndsAt,
		Source:          SourceLocalFallback,
		StalenessHours:  staleness,
		IsStale:         staleness > r.cfg.StaleThreshold.Hours(),
	}, nil
}
