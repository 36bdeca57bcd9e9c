package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/notifications"
	"github.com/angelmondragon/postcraft-billing/internal/notifications/notifytest"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/provider/providertest"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/db/dbtest"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

type harness struct {
	conn      *gorm.DB
	svc       *Service
	provider  *providertest.Client
	notifier  *notifytest.Notifier
	users     *users.Repository
	subs      billing.SubscriptionRepository
	changelog billing.ChangeLogRepository
	seq       int
}

func newHarness(t *testing.T, budget time.Duration) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	catalog, err := plans.NewCatalog(config.PricesConfig{
		StarterMonthly: "price_starter_m",
		ProMonthly:     "price_pro_m",
		AgencyMonthly:  "price_agency_m",
	}, plans.StarterPlanID)
	require.NoError(t, err)

	subs := billing.NewSubscriptionRepository(conn)
	directory := users.NewRepository(conn)
	fake := providertest.New()
	resolver := identity.NewResolver(subs, fake, directory, nil)
	reconciler, err := reconcile.NewService(reconcile.ServiceParams{
		Tx:            db.Wrap(conn),
		Subscriptions: subs,
		Fetcher:       fake,
		Prices:        plans.NewResolver(catalog, nil),
		Catalog:       catalog,
		Identity:      resolver,
	})
	require.NoError(t, err)

	notifier := &notifytest.Notifier{}
	changelog := billing.NewChangeLogRepository(conn)
	svc, err := NewService(ServiceParams{
		Reconciler:    reconciler,
		Identity:      resolver,
		Subscriptions: subs,
		Payments:      billing.NewPaymentRepository(conn),
		ChangeLog:     changelog,
		Pending:       billing.NewPendingRepository(conn),
		Directory:     directory,
		Catalog:       catalog,
		Gate:          notifications.NewGate(notifications.NewLedger(conn), nil, nil),
		Notifier:      notifier,
		Billing: config.BillingConfig{
			UpdateChangeWindow:   2 * time.Minute,
			InvoiceChangeWindow:  5 * time.Minute,
			ReceiptDedupWindow:   720 * time.Hour,
			TrialPaymentLookback: 24 * time.Hour,
			HandlerBudget:        budget,
		},
	})
	require.NoError(t, err)

	return &harness{
		conn:      conn,
		svc:       svc,
		provider:  fake,
		notifier:  notifier,
		users:     directory,
		subs:      subs,
		changelog: changelog,
	}
}

func (h *harness) user(t *testing.T, email string) *models.User {
	t.Helper()
	u, err := h.users.Create(context.Background(), email, "Test User")
	require.NoError(t, err)
	return u
}

func (h *harness) putSubscription(id string, userID uuid.UUID, priceID, status string) *provider.Subscription {
	amounts := map[string]int64{"price_starter_m": 900, "price_pro_m": 2900, "price_agency_m": 7900}
	amount := amounts[priceID]
	start := time.Now().UTC().Truncate(time.Second)
	end := start.AddDate(0, 1, 0)
	meta := map[string]string{}
	if userID != uuid.Nil {
		meta["user_id"] = userID.String()
	}
	sub := &provider.Subscription{
		ID:                 id,
		CustomerID:         "cus_" + id,
		Status:             status,
		Metadata:           meta,
		ItemID:             "si_" + id,
		PriceID:            priceID,
		UnitAmount:         &amount,
		Currency:           "usd",
		Interval:           "month",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}
	h.provider.PutSubscription(sub)
	return sub
}

func (h *harness) deliver(t *testing.T, eventType stripe.EventType, raw string) Outcome {
	t.Helper()
	outcome, err := h.handle(eventType, raw)
	require.NoError(t, err)
	return outcome
}

func (h *harness) handle(eventType stripe.EventType, raw string) (Outcome, error) {
	h.seq++
	return h.svc.HandleEvent(context.Background(), &stripe.Event{
		ID:   fmt.Sprintf("evt_%d", h.seq),
		Type: eventType,
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	})
}

func (h *harness) appendChange(t *testing.T, userID uuid.UUID, changeType enums.PlanChangeType, oldPlan, newPlan string) {
	t.Helper()
	require.NoError(t, h.conn.Create(&models.ChangeLogEntry{
		UserID:       userID,
		ChangeType:   changeType,
		OldPlanID:    oldPlan,
		NewPlanID:    newPlan,
		BillingCycle: enums.BillingCycleMonthly,
	}).Error)
}

func (h *harness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.conn.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func subscriptionEvent(id string, userID uuid.UUID, cancelAtPeriodEnd bool) string {
	meta := "{}"
	if userID != uuid.Nil {
		meta = fmt.Sprintf(`{"user_id":%q}`, userID.String())
	}
	return fmt.Sprintf(`{"id":%q,"object":"subscription","customer":"cus_%s","status":"active","cancel_at_period_end":%t,"metadata":%s}`,
		id, id, cancelAtPeriodEnd, meta)
}

func invoiceEvent(id, subID string, amountPaid, startingBalance int64, reason string) string {
	return fmt.Sprintf(`{"id":%q,"object":"invoice","customer":"cus_%s","currency":"usd","status":"paid","amount_paid":%d,"starting_balance":%d,"billing_reason":%q,"parent":{"type":"subscription_details","subscription_details":{"subscription":%q}}}`,
		id, subID, amountPaid, startingBalance, reason, subID)
}
