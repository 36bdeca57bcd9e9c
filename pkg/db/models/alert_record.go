package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertRecord is one entry of the notification dedup ledger. A nil ExpiresAt
// never expires.
type AlertRecord struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Category  string     `gorm:"column:category;not null;uniqueIndex:idx_notification_ledger_key,priority:1"`
	SubjectID string     `gorm:"column:subject_id;not null;uniqueIndex:idx_notification_ledger_key,priority:2"`
	AlertedAt time.Time  `gorm:"column:alerted_at;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
}

func (AlertRecord) TableName() string { return "notification_ledger" }

func (a *AlertRecord) BeforeCreate(*gorm.DB) error {
	ensureID(&a.ID)
	return nil
}
