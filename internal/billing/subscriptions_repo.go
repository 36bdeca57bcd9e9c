package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

// SubscriptionRepository is the subscription store of record.
type SubscriptionRepository interface {
	WithTx(tx *gorm.DB) SubscriptionRepository
	FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
	FindLatestByCustomer(ctx context.Context, stripeCustomerID string) (*models.Subscription, error)
	DeactivateOthers(ctx context.Context, userID uuid.UUID, keepID uuid.UUID, replacedBy string) (int64, error)
	UpsertByStripeID(ctx context.Context, sub *models.Subscription) error
	Save(ctx context.Context, sub *models.Subscription) error
	StampCanceledAt(ctx context.Context, stripeSubscriptionID string, at time.Time) (bool, error)
	StampCanceledAtByID(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	ClearCanceledAt(ctx context.Context, stripeSubscriptionID string) (bool, error)
}

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository binds the store to db.
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) WithTx(tx *gorm.DB) SubscriptionRepository {
	if tx == nil {
		return r
	}
	return &subscriptionRepository{db: tx}
}

func (r *subscriptionRepository) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("stripe_subscription_id = ?", stripeSubscriptionID).
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("updated_at DESC").
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *subscriptionRepository) FindLatestByCustomer(ctx context.Context, stripeCustomerID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).
		Where("stripe_customer_id = ?", stripeCustomerID).
		Order("updated_at DESC").
		First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// DeactivateOthers supersedes every active row of userID except keepID.
func (r *subscriptionRepository) DeactivateOthers(ctx context.Context, userID uuid.UUID, keepID uuid.UUID, replacedBy string) (int64, error) {
	query := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("user_id = ? AND is_active = ?", userID, true)
	if keepID != uuid.Nil {
		query = query.Where("id <> ?", keepID)
	}
	res := query.Updates(map[string]any{
		"is_active":   false,
		"replaced_by": replacedBy,
		"updated_at":  time.Now().UTC(),
	})
	return res.RowsAffected, res.Error
}

// UpsertByStripeID inserts sub or overwrites every state column of the row
// that already carries its stripe_subscription_id. canceled_at is only ever
// written through the conditional stamp and clear methods.
func (r *subscriptionRepository) UpsertByStripeID(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_subscription_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id",
				"plan_id",
				"status",
				"billing_cycle",
				"stripe_customer_id",
				"price_id",
				"current_period_start",
				"current_period_end",
				"trial_end",
				"cancel_at",
				"cancel_at_period_end",
				"is_active",
				"replaced_by",
				"updated_at",
			}),
		}).
		Create(sub).Error
}

// Save writes every column of sub except canceled_at.
func (r *subscriptionRepository) Save(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Omit("canceled_at").Save(sub).Error
}

// StampCanceledAt sets canceled_at only when it is still empty. The boolean
// reports whether this call set it.
func (r *subscriptionRepository) StampCanceledAt(ctx context.Context, stripeSubscriptionID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("stripe_subscription_id = ? AND canceled_at IS NULL", stripeSubscriptionID).
		Updates(map[string]any{"canceled_at": at, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// StampCanceledAtByID is StampCanceledAt for rows that no longer carry a
// provider subscription id.
func (r *subscriptionRepository) StampCanceledAtByID(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND canceled_at IS NULL", id).
		Updates(map[string]any{"canceled_at": at, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClearCanceledAt resets the cancellation claim of a reactivated
// subscription. Rows that still have a cancellation scheduled keep it.
func (r *subscriptionRepository) ClearCanceledAt(ctx context.Context, stripeSubscriptionID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("stripe_subscription_id = ? AND canceled_at IS NOT NULL AND cancel_at_period_end = ? AND cancel_at IS NULL", stripeSubscriptionID, false).
		Updates(map[string]any{"canceled_at": nil, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
