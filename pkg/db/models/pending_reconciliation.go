package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PendingReconciliation marks a subscription whose webhook handling ran out
// of time budget. The resync sweep drains these.
type PendingReconciliation struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey"`
	StripeSubscriptionID string     `gorm:"column:stripe_subscription_id;not null;index"`
	UserHint             *string    `gorm:"column:user_hint"`
	EventID              string     `gorm:"column:event_id;not null"`
	Reason               string     `gorm:"column:reason;not null"`
	Attempts             int        `gorm:"column:attempts;not null"`
	LastError            *string    `gorm:"column:last_error"`
	ResolvedAt           *time.Time `gorm:"column:resolved_at"`
	CreatedAt            time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *PendingReconciliation) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
