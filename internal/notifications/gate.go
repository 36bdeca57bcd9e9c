package notifications

import (
	"context"
	"time"

	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
)

// Categories namespace ledger keys.
const (
	CategoryPaymentReceipt = "payment_receipt"
	CategoryCancellation   = "subscription_cancelled"
	CategoryPlanUpgraded   = "plan_upgraded"
	CategoryPlanDowngraded = "plan_downgraded"
	CategoryOpsAlert       = "ops_alert"
)

// FailMode decides what happens when the ledger cannot be read.
type FailMode int

const (
	// FailClosed skips the send. Used for customer-facing email.
	FailClosed FailMode = iota
	// FailOpen sends anyway. Used for ops alerts.
	FailOpen
)

// Policy configures one SendOnce call.
type Policy struct {
	Window   time.Duration
	FailMode FailMode
}

// Gate composes the ledger check, the send, and the ledger write.
type Gate struct {
	ledger  Ledger
	metrics *metrics.BillingMetrics
	logg    *logger.Logger
}

func NewGate(ledger Ledger, m *metrics.BillingMetrics, logg *logger.Logger) *Gate {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Gate{ledger: ledger, metrics: m, logg: logg}
}

// SendOnce claims the ledger key and runs send only when the claim is new.
// A failed send releases the claim so a redelivery can try again; the error
// is returned as CodeNotificationSend and callers log it and move on.
func (g *Gate) SendOnce(ctx context.Context, category, subjectID string, policy Policy, send func(context.Context) error) (bool, error) {
	ctx = g.logg.WithFields(ctx, map[string]any{
		"notification_category": category,
		"notification_subject":  subjectID,
	})

	claimed, err := g.ledger.Claim(ctx, category, subjectID, policy.Window)
	if err != nil {
		if policy.FailMode == FailClosed {
			g.logg.Warn(ctx, "notification ledger unavailable, skipping send")
			g.metrics.IncNotification(category, metrics.OutcomeSuppressed)
			return false, nil
		}
		g.logg.Warn(ctx, "notification ledger unavailable, sending anyway")
	} else if !claimed {
		g.logg.Info(ctx, "notification already sent")
		g.metrics.IncNotification(category, metrics.OutcomeSuppressed)
		return false, nil
	}

	if err := send(ctx); err != nil {
		g.logg.Error(ctx, "notification send failed", err)
		g.metrics.IncNotification(category, metrics.OutcomeFailed)
		if claimed {
			if relErr := g.ledger.Release(ctx, category, subjectID); relErr != nil {
				g.logg.Error(ctx, "failed to release notification claim", relErr)
			}
		}
		return false, pkgerrors.Wrap(pkgerrors.CodeNotificationSend, err, "send "+category)
	}
	g.metrics.IncNotification(category, metrics.OutcomeSent)
	return true, nil
}
