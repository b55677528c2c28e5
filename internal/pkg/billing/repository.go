package billing

import (
	"errors"
	"time"

	"github.com/crewdeskhq/crewdesk/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// Repository provides DB operations used by the billing services.
type Repository interface {
	GetUserByID(id uint) (*models.User, error)
	GetUserByRemoteCustomerID(remoteCustomerID string) (*models.User, error)
	ListSyncCandidates(asOf time.Time, window time.Duration, userID uint, offset, limit int) ([]models.User, error)
	ListExpiredTrialUsers(asOf time.Time, userID uint, offset, limit int) ([]models.User, error)
	SetUserTrialEndsAt(userID uint, endsAt time.Time) error
	SetUserLastSyncAt(userID uint, at time.Time) error
	// UpdateUserRoles runs apply against the user's current role names inside
	// a single transaction and persists the returned additions and removals.
	UpdateUserRoles(userID uint, apply func(current []string) (add, remove []string)) error
	ListRolesForUser(userID uint) ([]string, error)
	UpsertSubscription(sub *models.Subscription) error
	UpsertSubscriptionItem(item *models.SubscriptionItem) error
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)
	LatestEntitledSubscription(userID uint, asOf time.Time) (*models.Subscription, error)
	GetSubscriptionByRemoteID(remoteID string) (*models.Subscription, error)
	UpdateSubscriptionStatus(remoteID, status string) error
	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var user models.User
	if err := r.db.Preload("Roles").First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) GetUserByRemoteCustomerID(remoteCustomerID string) (*models.User, error) {
	var user models.User
	err := r.db.Preload("Roles").
		Where("remote_customer_id = ?", remoteCustomerID).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) ListSyncCandidates(asOf time.Time, window time.Duration, userID uint, offset, limit int) ([]models.User, error) {
	cutoff := asOf.Add(-window)
	q := r.db.Preload("Roles").
		Where("remote_customer_id <> ''").
		Where("updated_at >= ? OR last_sync_at IS NULL OR last_sync_at >= ?", cutoff, cutoff)
	if userID != 0 {
		q = q.Where("id = ?", userID)
	}
	var users []models.User
	err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

func (r *gormRepository) ListExpiredTrialUsers(asOf time.Time, userID uint, offset, limit int) ([]models.User, error) {
	q := r.db.Preload("Roles").
		Where("trial_ends_at IS NOT NULL AND trial_ends_at <= ?", asOf)
	if userID != 0 {
		q = q.Where("id = ?", userID)
	}
	var users []models.User
	err := q.Order("id ASC").Offset(offset).Limit(limit).Find(&users).Error
	return users, err
}

func (r *gormRepository) SetUserTrialEndsAt(userID uint, endsAt time.Time) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("trial_ends_at", endsAt).Error
}

func (r *gormRepository) SetUserLastSyncAt(userID uint, at time.Time) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Update("last_sync_at", at).Error
}

// UpdateUserRoles reads the user's roles under a row lock, lets apply compute
// the diff, and persists it in the same transaction so concurrent callers
// cannot interleave an inconsistent role set.
func (r *gormRepository) UpdateUserRoles(userID uint, apply func(current []string) (add, remove []string)) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&user, userID).Error; err != nil {
			return err
		}
		if err := tx.Model(&user).Association("Roles").Find(&user.Roles); err != nil {
			return err
		}

		current := make([]string, 0, len(user.Roles))
		for _, role := range user.Roles {
			current = append(current, role.Name)
		}
		add, remove := apply(current)

		for _, name := range add {
			var role models.Role
			if err := tx.Where(models.Role{Name: name}).
				FirstOrCreate(&role).Error; err != nil {
				return err
			}
			if err := tx.Model(&user).Association("Roles").Append(&role); err != nil {
				return err
			}
		}
		for _, name := range remove {
			var role models.Role
			if err := tx.Where("name = ?", name).First(&role).Error; err != nil {
				if err == gorm.ErrRecordNotFound {
					continue
				}
				return err
			}
			if err := tx.Model(&user).Association("Roles").Delete(&role); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *gormRepository) ListRolesForUser(userID uint) ([]string, error) {
	var user models.User
	if err := r.db.Preload("Roles").First(&user, userID).Error; err != nil {
		return nil, err
	}
	names := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		names = append(names, role.Name)
	}
	return names, nil
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"status",
			"price_ref",
			"quantity",
			"trial_ends_at",
			"ends_at",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("remote_id = ?", sub.RemoteID).First(sub).Error
}

func (r *gormRepository) UpsertSubscriptionItem(item *models.SubscriptionItem) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_id",
			"product_ref",
			"price_ref",
			"quantity",
			"updated_at",
		}),
	}).Create(item).Error; err != nil {
		return err
	}

	return r.db.Where("remote_id = ?", item.RemoteID).First(item).Error
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Preload("Items").Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

// LatestEntitledSubscription returns the most recently synced local row that
// still grants access as of asOf. Canceled rows with ends_at in the future
// count as entitled until the paid period runs out.
func (r *gormRepository) LatestEntitledSubscription(userID uint, asOf time.Time) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.
		Where("user_id = ?", userID).
		Where("status IN ? OR (status = ? AND ends_at IS NOT NULL AND ends_at > ?)",
			[]string{
				models.SubscriptionStatusActive,
				models.SubscriptionStatusTrialing,
				models.SubscriptionStatusPastDue,
			},
			models.SubscriptionStatusCanceled, asOf,
		).
		Order("updated_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByRemoteID(remoteID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("remote_id = ?", remoteID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) UpdateSubscriptionStatus(remoteID, status string) error {
	return r.db.Model(&models.Subscription{}).
		Where("remote_id = ?", remoteID).
		Update("status", status).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
