package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

// ChangeLogRepository stores plan change requests for later confirmation.
type ChangeLogRepository interface {
	Append(ctx context.Context, entry *models.ChangeLogEntry) error
	FindRecent(ctx context.Context, userID uuid.UUID, since time.Time) (*models.ChangeLogEntry, error)
}

type changeLogRepository struct {
	db *gorm.DB
}

func NewChangeLogRepository(db *gorm.DB) ChangeLogRepository {
	return &changeLogRepository{db: db}
}

func (r *changeLogRepository) Append(ctx context.Context, entry *models.ChangeLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// FindRecent returns the newest entry for userID created at or after since.
func (r *changeLogRepository) FindRecent(ctx context.Context, userID uuid.UUID, since time.Time) (*models.ChangeLogEntry, error) {
	var entry models.ChangeLogEntry
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Order("created_at DESC").
		First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
