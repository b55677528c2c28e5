package billing

import (
	"context"
	"errors"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// Business-rule failures surfaced to callers with a distinguishable reason.
var (
	// ErrAlreadyOnTrial means a trial was already started at some point; a
	// trial, once used, is not reusable even after it expired.
	ErrAlreadyOnTrial = errors.New("trial already used")
	// ErrAlreadySubscribed means the user holds a paid entitlement and does
	// not need a trial.
	ErrAlreadySubscribed = errors.New("user already has an active subscription")
)

// TrialService starts trials and downgrades expired ones.
type TrialService struct {
	repo     Repository
	resolver *Resolver
	roles    *RoleSynchronizer
	cfg      Config
	now      func() time.Time
}

// NewTrialService creates a trial lifecycle service.
func NewTrialService(repo Repository, resolver *Resolver, roles *RoleSynchronizer, cfg Config) *TrialService {
	return &TrialService{
		repo:     repo,
		resolver: resolver,
		roles:    roles,
		cfg:      cfg,
		now:      time.Now,
	}
}

// StartTrial begins a trial for the user and assigns the trial role. It
// fails if a trial was ever used or a paid entitlement already exists.
func (s *TrialService) StartTrial(ctx context.Context, user *models.User) error {
	if user.HasUsedTrial() {
		return ErrAlreadyOnTrial
	}

	es, err := s.resolver.Resolve(ctx, user)
	if err != nil {
		return err
	}
	if es.HasSubscription && !es.OnTrial {
		return ErrAlreadySubscribed
	}

	endsAt := s.now().Add(time.Duration(s.cfg.TrialDays) * 24 * time.Hour)
	if err := s.repo.SetUserTrialEndsAt(user.ID, endsAt); err != nil {
		return err
	}
	user.TrialEndsAt = &endsAt

	return s.roles.SyncRole(user.ID, models.RoleTrial)
}

// TrialSweepResult aggregates the outcome of one expired-trial sweep.
type TrialSweepResult struct {
	Downgraded      int `json:"downgraded"`
	PremiumRetained int `json:"premium_retained"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
}

// DowngradeExpiredTrials moves users whose trial ended at or before asOf
// back to the free role, unless they hold a paid entitlement, in which case
// premium is retained. Candidates are processed in batches of the configured
// size. A per-user failure is logged and counted without aborting the sweep.
// With dryRun set, reads happen as usual but no role is written. A non-zero
// scopeUserID restricts the sweep to that user.
func (s *TrialService) DowngradeExpiredTrials(ctx context.Context, asOf time.Time, dryRun bool, scopeUserID uint) (TrialSweepResult, error) {
	var result TrialSweepResult

	batch := s.cfg.DefaultBatchSize
	if batch <= 0 {
		batch = DefaultConfig().DefaultBatchSize
	}

	// The sweep never changes trial_ends_at, so the candidate set is stable
	// across pages.
	processed := 0
	for offset := 0; ; offset += batch {
		users, err := s.repo.ListExpiredTrialUsers(asOf, scopeUserID, offset, batch)
		if err != nil {
			return result, err
		}
		if len(users) == 0 {
			break
		}

		for i := range users {
			user := &users[i]
			if err := ctx.Err(); err != nil {
				log.Warnf("[TrialSweep] canceled after %d users: %v", processed, err)
				return result, err
			}
			processed++

			es, err := s.resolver.Resolve(ctx, user)
			if err != nil {
				log.Errorf("[TrialSweep] resolve failed for user %d: %v", user.ID, err)
				result.Errors++
				continue
			}

			switch {
			case es.HasSubscription && !es.OnTrial:
				// Paid entitlement exists, the expired trial is irrelevant.
				if !dryRun {
					if err := s.roles.SyncRole(user.ID, models.RolePremium); err != nil {
						log.Errorf("[TrialSweep] role sync failed for user %d: %v", user.ID, err)
						result.Errors++
						continue
					}
				}
				result.PremiumRetained++
			case user.BillingRole() != models.RoleTrial && user.BillingRole() != models.RolePremium:
				// Nothing to take away.
				result.Skipped++
			default:
				if !dryRun {
					if err := s.roles.SyncRole(user.ID, models.RoleFree); err != nil {
						log.Errorf("[TrialSweep] downgrade failed for user %d: %v", user.ID, err)
						result.Errors++
						continue
					}
				}
				result.Downgraded++
			}
		}

		if len(users) < batch {
			break
		}
	}

	log.Infof("[TrialSweep] done: downgraded=%d premium_retained=%d skipped=%d errors=%d dry_run=%t",
		result.Downgraded, result.PremiumRetained, result.Skipped, result.Errors, dryRun)
	return result, nil
}
