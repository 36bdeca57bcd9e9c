package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// PaymentRecord is an append-only ledger row. Rows are never updated.
type PaymentRecord struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID    *uuid.UUID          `gorm:"column:subscription_id;type:uuid"`
	AmountCents       int64               `gorm:"column:amount_cents;not null"`
	Currency          string              `gorm:"column:currency;not null"`
	Status            enums.PaymentStatus `gorm:"column:status;not null"`
	ExternalInvoiceID *string             `gorm:"column:external_invoice_id;uniqueIndex"`
	Description       string              `gorm:"column:description;not null"`
	Metadata          json.RawMessage     `gorm:"column:metadata;type:jsonb"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
}

func (p *PaymentRecord) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
