package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	"github.com/angelmondragon/postcraft-billing/pkg/pagination"
)

// PaymentRepository is the append-only payment ledger.
type PaymentRepository interface {
	Insert(ctx context.Context, record *models.PaymentRecord) (bool, error)
	FindRecent(ctx context.Context, userID uuid.UUID, status enums.PaymentStatus, since time.Time) (*models.PaymentRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, string, error)
}

type paymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Insert appends record. Rows sharing an external invoice id are skipped and
// Insert reports false.
func (r *paymentRepository) Insert(ctx context.Context, record *models.PaymentRecord) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_invoice_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRepository) FindRecent(ctx context.Context, userID uuid.UUID, status enums.PaymentStatus, since time.Time) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND created_at >= ?", userID, status, since).
		Order("created_at DESC").
		First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListByUser returns a page of payments, newest first, plus the next cursor.
func (r *paymentRepository) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, string, error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", err
	}

	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit))
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []models.PaymentRecord
	if err := query.Find(&rows).Error; err != nil {
		return nil, "", err
	}

	page, next := pagination.Page(rows, params.Limit, func(rec models.PaymentRecord) pagination.Cursor {
		return pagination.Cursor{CreatedAt: rec.CreatedAt, ID: rec.ID}
	})
	return page, next, nil
}
