package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// CounterRepository persists usage counters keyed by user, metric and period.
type CounterRepository interface {
	Get(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time) (int64, error)
	Increment(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time, n int64) error
	IncrementWithin(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time, n, limit int64) (bool, error)
}

type counterRepository struct {
	db *gorm.DB
}

func NewCounterRepository(db *gorm.DB) CounterRepository {
	return &counterRepository{db: db}
}

// Get returns zero when no counter exists yet.
func (r *counterRepository) Get(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time) (int64, error) {
	var counter models.UsageCounter
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND metric = ? AND period_start = ?", userID, metric, periodStart).
		First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Count, nil
}

var counterKey = []clause.Column{{Name: "user_id"}, {Name: "metric"}, {Name: "period_start"}}

// Increment adds n to the counter in a single upsert.
func (r *counterRepository) Increment(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time, n int64) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   counterKey,
			DoUpdates: incrementBy(n),
		}).
		Create(newCounter(userID, metric, periodStart, n)).Error
}

// IncrementWithin adds n only when the counter stays at or under limit. The
// boolean reports whether the units were added.
func (r *counterRepository) IncrementWithin(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time, n, limit int64) (bool, error) {
	if n > limit {
		return false, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   counterKey,
			DoUpdates: incrementBy(n),
			Where: clause.Where{Exprs: []clause.Expression{clause.Expr{
				SQL:  "usage_counters.count + ? <= ?",
				Vars: []any{n, limit},
			}}},
		}).
		Create(newCounter(userID, metric, periodStart, n))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func newCounter(userID uuid.UUID, metric enums.UsageMetric, periodStart time.Time, n int64) *models.UsageCounter {
	return &models.UsageCounter{
		UserID:      userID,
		Metric:      metric,
		PeriodStart: periodStart,
		Count:       n,
	}
}

func incrementBy(n int64) clause.Set {
	return clause.Assignments(map[string]any{
		"count":      gorm.Expr("usage_counters.count + ?", n),
		"updated_at": time.Now().UTC(),
	})
}

// Retention prunes monthly counters. Lifetime counters are never touched.
type Retention struct{}

func NewRetention() *Retention { return &Retention{} }

func (Retention) DeletePeriodsBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Where("period_start > ? AND period_start < ?", lifetimePeriod, cutoff).
		Delete(&models.UsageCounter{})
	return res.RowsAffected, res.Error
}
