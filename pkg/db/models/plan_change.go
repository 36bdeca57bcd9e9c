package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// ChangeLogEntry records a plan change at the moment it is requested.
type ChangeLogEntry struct {
	ID           uuid.UUID            `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index:idx_plan_change_log_user_created,priority:1"`
	ChangeType   enums.PlanChangeType `gorm:"column:change_type;not null"`
	OldPlanID    string               `gorm:"column:old_plan_id;not null"`
	NewPlanID    string               `gorm:"column:new_plan_id;not null"`
	BillingCycle enums.BillingCycle   `gorm:"column:billing_cycle;not null"`
	CreatedAt    time.Time            `gorm:"column:created_at;index:idx_plan_change_log_user_created,priority:2"`
}

func (ChangeLogEntry) TableName() string { return "plan_change_log" }

func (c *ChangeLogEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return nil
}
