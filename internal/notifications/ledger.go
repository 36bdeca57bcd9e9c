package notifications

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

// Ledger is the persisted dedup record behind every gated notification.
type Ledger interface {
	// ShouldSend reports whether no unexpired entry exists for the key.
	ShouldSend(ctx context.Context, category, subjectID string) (bool, error)
	// Record marks the key as sent. A zero window never expires.
	Record(ctx context.Context, category, subjectID string, window time.Duration) error
	// Claim records the key unless an unexpired entry exists, in one
	// conditional write. Only the caller that gets true may send.
	Claim(ctx context.Context, category, subjectID string, window time.Duration) (bool, error)
	// Release drops a claim whose send failed so a retry can claim it again.
	Release(ctx context.Context, category, subjectID string) error
}

type gormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger returns a Ledger backed by the notification_ledger table.
func NewLedger(db *gorm.DB) Ledger {
	return &gormLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (l *gormLedger) ShouldSend(ctx context.Context, category, subjectID string) (bool, error) {
	var record models.AlertRecord
	err := l.db.WithContext(ctx).
		Where("category = ? AND subject_id = ?", category, subjectID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if record.ExpiresAt == nil {
		return false, nil
	}
	return !record.ExpiresAt.After(l.now()), nil
}

func (l *gormLedger) Record(ctx context.Context, category, subjectID string, window time.Duration) error {
	record := l.entry(category, subjectID, window)
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   ledgerKey,
		DoUpdates: clause.AssignmentColumns([]string{"alerted_at", "expires_at"}),
	}).Create(record).Error
}

// Claim inserts the key, or takes over a row whose window has closed. A live
// row leaves the statement with no affected rows.
func (l *gormLedger) Claim(ctx context.Context, category, subjectID string, window time.Duration) (bool, error) {
	record := l.entry(category, subjectID, window)
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   ledgerKey,
		DoUpdates: clause.AssignmentColumns([]string{"alerted_at", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Expr{
			SQL:  "notification_ledger.expires_at IS NOT NULL AND notification_ledger.expires_at <= ?",
			Vars: []any{record.AlertedAt},
		}}},
	}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (l *gormLedger) Release(ctx context.Context, category, subjectID string) error {
	return l.db.WithContext(ctx).
		Where("category = ? AND subject_id = ?", category, subjectID).
		Delete(&models.AlertRecord{}).Error
}

var ledgerKey = []clause.Column{{Name: "category"}, {Name: "subject_id"}}

func (l *gormLedger) entry(category, subjectID string, window time.Duration) *models.AlertRecord {
	now := l.now()
	record := &models.AlertRecord{
		Category:  category,
		SubjectID: subjectID,
		AlertedAt: now,
	}
	if window > 0 {
		expires := now.Add(window)
		record.ExpiresAt = &expires
	}
	return record
}

// LedgerRetention prunes windowed ledger rows whose window closed before the
// cutoff. Permanent rows have no expiry and are kept.
type LedgerRetention struct{}

func NewLedgerRetention() *LedgerRetention { return &LedgerRetention{} }

func (LedgerRetention) DeleteExpiredBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", cutoff).
		Delete(&models.AlertRecord{})
	return res.RowsAffected, res.Error
}
