package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

// PendingRepository persists reconciliation work that ran out of budget.
type PendingRepository interface {
	Mark(ctx context.Context, pending *models.PendingReconciliation) error
	ListOpen(ctx context.Context, limit int) ([]models.PendingReconciliation, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
}

type pendingRepository struct {
	db *gorm.DB
}

func NewPendingRepository(db *gorm.DB) PendingRepository {
	return &pendingRepository{db: db}
}

func (r *pendingRepository) Mark(ctx context.Context, pending *models.PendingReconciliation) error {
	return r.db.WithContext(ctx).Create(pending).Error
}

func (r *pendingRepository) ListOpen(ctx context.Context, limit int) ([]models.PendingReconciliation, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.PendingReconciliation
	if err := r.db.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *pendingRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PendingReconciliation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"resolved_at": at,
			"attempts":    gorm.Expr("attempts + 1"),
			"updated_at":  time.Now().UTC(),
		}).Error
}

func (r *pendingRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&models.PendingReconciliation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error": reason,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		}).Error
}
