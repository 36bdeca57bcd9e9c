package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// UsageCounter accumulates a metric for one user and period.
type UsageCounter struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID         `gorm:"column:user_id;type:uuid;not null;uniqueIndex:idx_usage_counters_key,priority:1"`
	Metric      enums.UsageMetric `gorm:"column:metric;not null;uniqueIndex:idx_usage_counters_key,priority:2"`
	PeriodStart time.Time         `gorm:"column:period_start;not null;uniqueIndex:idx_usage_counters_key,priority:3"`
	Count       int64             `gorm:"column:count;not null"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (u *UsageCounter) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}
