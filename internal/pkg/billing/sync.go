package billing

import (
	"context"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// SyncOptions controls one population sync run.
type SyncOptions struct {
	// Window selects users touched or synced within this duration before now.
	Window time.Duration
	// BatchSize bounds the number of users processed per chunk; zero means
	// the configured default.
	BatchSize int
	// UserID restricts the sync to a single user when non-zero.
	UserID uint
	// UpdateRoles recomputes billing roles from the freshly synced state.
	UpdateRoles bool
	// DryRun performs all reads and logs intended mutations without writing.
	DryRun bool
}

// SyncResult aggregates the outcome of one population sync run.
type SyncResult struct {
	Processed           int `json:"processed"`
	SubscriptionsSynced int `json:"subscriptions_synced"`
	RolesUpdated        int `json:"roles_updated"`
	Errors              int `json:"errors"`
}

// SyncService pulls remote subscription state for a population of users into
// the local cache, in bounded chunks, and optionally reconciles roles. It is
// one of the two writers of the local subscription store.
type SyncService struct {
	repo    Repository
	gateway RemoteBillingGateway
	roles   *RoleSynchronizer
	cfg     Config
	now     func() time.Time
}

// NewSyncService creates a population sync service.
func NewSyncService(repo Repository, gateway RemoteBillingGateway, roles *RoleSynchronizer, cfg Config) *SyncService {
	return &SyncService{
		repo:    repo,
		gateway: gateway,
		roles:   roles,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SyncPopulation processes sync candidates in fixed-size chunks. Context
// cancellation stops scheduling new chunks but lets the in-flight chunk
// finish so no user is left half-mutated. Per-user failures are logged and
// counted; the batch continues.
func (s *SyncService) SyncPopulation(ctx context.Context, opts SyncOptions) (SyncResult, error) {
	var result SyncResult

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}
	asOf := s.now()

	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			log.Warnf("[SubscriptionSync] canceled after %d users: %v", result.Processed, err)
			return result, err
		}

		users, err := s.repo.ListSyncCandidates(asOf, opts.Window, opts.UserID, offset, batchSize)
		if err != nil {
			return result, err
		}
		if len(users) == 0 {
			break
		}

		for i := range users {
			user := &users[i]
			synced, err := s.syncUser(ctx, user, asOf, opts)
			if err != nil {
				log.Errorf("[SubscriptionSync] sync failed for user %d: %v", user.ID, err)
				result.Errors++
				continue
			}
			result.Processed++
			result.SubscriptionsSynced += synced

			if opts.UpdateRoles && !user.IsAdmin() {
				updated, err := s.updateRole(user, asOf, opts.DryRun)
				if err != nil {
					log.Errorf("[SubscriptionSync] role update failed for user %d: %v", user.ID, err)
					result.Errors++
					continue
				}
				if updated {
					result.RolesUpdated++
				}
			}
		}

		if len(users) < batchSize {
			break
		}
	}

	log.Infof("[SubscriptionSync] done: processed=%d subscriptions=%d roles_updated=%d errors=%d dry_run=%t",
		result.Processed, result.SubscriptionsSynced, result.RolesUpdated, result.Errors, opts.DryRun)
	return result, nil
}

// syncUser upserts the user's remote subscriptions and items into the local
// cache and bumps last_sync_at. Returns the number of subscriptions seen.
func (s *SyncService) syncUser(ctx context.Context, user *models.User, asOf time.Time, opts SyncOptions) (int, error) {
	remote, err := s.gateway.ListSubscriptions(ctx, user.RemoteCustomerID, "all", s.cfg.RemotePageLimit)
	if err != nil {
		return 0, err
	}

	for _, rs := range remote {
		sub := &models.Subscription{
			UserID:      user.ID,
			RemoteID:    rs.ID,
			Status:      rs.Status,
			PriceRef:    rs.PriceRef,
			Quantity:    rs.Quantity,
			TrialEndsAt: rs.TrialEndsAt,
			EndsAt:      rs.EndsAt,
		}
		if opts.DryRun {
			log.Infof("[SubscriptionSync] dry-run: would upsert subscription %s (status=%s) for user %d",
				rs.ID, rs.Status, user.ID)
		} else if err := s.repo.UpsertSubscription(sub); err != nil {
			return 0, err
		}

		for _, ri := range rs.Items {
			item := &models.SubscriptionItem{
				SubscriptionID: sub.ID,
				RemoteID:       ri.ID,
				ProductRef:     ri.ProductRef,
				PriceRef:       ri.PriceRef,
				Quantity:       ri.Quantity,
			}
			if opts.DryRun {
				log.Infof("[SubscriptionSync] dry-run: would upsert item %s for subscription %s", ri.ID, rs.ID)
				continue
			}
			if err := s.repo.UpsertSubscriptionItem(item); err != nil {
				return 0, err
			}
		}
	}

	if !opts.DryRun {
		if err := s.repo.SetUserLastSyncAt(user.ID, asOf); err != nil {
			return len(remote), err
		}
	}
	return len(remote), nil
}

// updateRole recomputes the desired billing role from the freshly synced
// local state. Admin callers never reach this; population sync does not
// reroute administrative accounts.
func (s *SyncService) updateRole(user *models.User, asOf time.Time, dryRun bool) (bool, error) {
	desired := models.RoleFree
	if user.OnTrial(asOf) {
		desired = models.RoleTrial
	} else if _, err := s.repo.LatestEntitledSubscription(user.ID, asOf); err == nil {
		desired = models.RolePremium
	} else if !isNotFound(err) {
		return false, err
	}

	if user.BillingRole() == desired {
		return false, nil
	}
	if dryRun {
		log.Infof("[SubscriptionSync] dry-run: would set billing role of user %d to %s", user.ID, desired)
		return true, nil
	}
	return true, s.roles.SyncRole(user.ID, desired)
}
