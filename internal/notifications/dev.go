package notifications

import (
	"context"

	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// LogNotifier writes notifications to the log instead of sending them. It is
// used when Postmark is not configured.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	if logg == nil {
		logg = logger.Nop()
	}
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) SendPaymentReceipt(ctx context.Context, to Recipient, receipt Receipt) error {
	n.logg.Info(n.logg.WithFields(ctx, map[string]any{
		"to":         to.Email,
		"plan":       receipt.PlanName,
		"amount":     receipt.Amount.StringFixed(2),
		"currency":   receipt.Currency,
		"invoice_id": receipt.InvoiceID,
	}), "email: payment receipt")
	return nil
}

func (n *LogNotifier) SendSubscriptionCancelled(ctx context.Context, to Recipient, c Cancellation) error {
	n.logg.Info(n.logg.WithFields(ctx, map[string]any{
		"to":   to.Email,
		"plan": c.PlanName,
	}), "email: subscription cancelled")
	return nil
}

func (n *LogNotifier) SendPlanUpgraded(ctx context.Context, to Recipient, change PlanChange) error {
	n.logg.Info(n.logg.WithFields(ctx, changeFields(to, change)), "email: plan upgraded")
	return nil
}

func (n *LogNotifier) SendPlanDowngraded(ctx context.Context, to Recipient, change PlanChange) error {
	n.logg.Info(n.logg.WithFields(ctx, changeFields(to, change)), "email: plan downgraded")
	return nil
}

func (n *LogNotifier) SendOpsAlert(ctx context.Context, alert OpsAlert) error {
	n.logg.Warn(n.logg.WithFields(ctx, map[string]any{
		"event_type": alert.EventType,
		"code":       alert.Code,
	}), "ops alert: "+alert.Message)
	return nil
}

func changeFields(to Recipient, change PlanChange) map[string]any {
	fields := map[string]any{
		"to":       to.Email,
		"old_plan": change.OldPlanName,
		"new_plan": change.NewPlanName,
	}
	if change.Amount != nil {
		fields["amount"] = change.Amount.StringFixed(2)
	}
	return fields
}
