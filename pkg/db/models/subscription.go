package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// Subscription is the local record of a user's plan. Exactly one row per
// user has IsActive set; superseded rows point at their successor through
// ReplacedBy.
type Subscription struct {
	ID                   uuid.UUID                `gorm:"type:uuid;primaryKey"`
	UserID               uuid.UUID                `gorm:"column:user_id;type:uuid;not null;index"`
	PlanID               string                   `gorm:"column:plan_id;not null"`
	Status               enums.SubscriptionStatus `gorm:"column:status;not null"`
	BillingCycle         enums.BillingCycle       `gorm:"column:billing_cycle;not null"`
	StripeSubscriptionID *string                  `gorm:"column:stripe_subscription_id;uniqueIndex"`
	StripeCustomerID     *string                  `gorm:"column:stripe_customer_id;index"`
	PriceID              *string                  `gorm:"column:price_id"`
	CurrentPeriodStart   *time.Time               `gorm:"column:current_period_start"`
	CurrentPeriodEnd     *time.Time               `gorm:"column:current_period_end"`
	TrialEnd             *time.Time               `gorm:"column:trial_end"`
	CancelAt             *time.Time               `gorm:"column:cancel_at"`
	CancelAtPeriodEnd    bool                     `gorm:"column:cancel_at_period_end;not null"`
	CanceledAt           *time.Time               `gorm:"column:canceled_at"`
	IsActive             bool                     `gorm:"column:is_active;not null;index"`
	ReplacedBy           *string                  `gorm:"column:replaced_by"`
	CreatedAt            time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Subscription) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
