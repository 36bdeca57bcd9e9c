package notifications

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Recipient is the customer an email goes to.
type Recipient struct {
	Email string
	Name  string
}

// Receipt describes a paid invoice.
type Receipt struct {
	PlanName  string
	Amount    decimal.Decimal
	Currency  string
	InvoiceID string
	PaidAt    time.Time
}

// Cancellation describes a scheduled or completed cancellation.
type Cancellation struct {
	PlanName      string
	EffectiveDate *time.Time
}

// PlanChange describes an upgrade or downgrade. Amount is set when the
// provider has charged for the change; Credit when proration applied one.
type PlanChange struct {
	OldPlanName   string
	NewPlanName   string
	Amount        *decimal.Decimal
	Credit        *decimal.Decimal
	Currency      string
	EffectiveDate *time.Time
}

// OpsAlert is an internal operator notification.
type OpsAlert struct {
	EventType string
	Code      string
	Message   string
}

// Notifier delivers billing notifications.
type Notifier interface {
	SendPaymentReceipt(ctx context.Context, to Recipient, receipt Receipt) error
	SendSubscriptionCancelled(ctx context.Context, to Recipient, cancellation Cancellation) error
	SendPlanUpgraded(ctx context.Context, to Recipient, change PlanChange) error
	SendPlanDowngraded(ctx context.Context, to Recipient, change PlanChange) error
	SendOpsAlert(ctx context.Context, alert OpsAlert) error
}
