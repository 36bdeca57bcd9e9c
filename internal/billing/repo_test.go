package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/postcraft-billing/pkg/db/dbtest"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	"github.com/angelmondragon/postcraft-billing/pkg/pagination"
)

func strPtr(v string) *string { return &v }

func newSubscription(userID uuid.UUID, stripeID, planID string) *models.Subscription {
	return &models.Subscription{
		UserID:               userID,
		PlanID:               planID,
		Status:               enums.SubscriptionStatusActive,
		BillingCycle:         enums.BillingCycleMonthly,
		StripeSubscriptionID: strPtr(stripeID),
		StripeCustomerID:     strPtr("cus_1"),
		IsActive:             true,
	}
}

func TestSubscriptionUpsertByStripeID(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(dbtest.Open(t))
	userID := uuid.New()

	require.NoError(t, repo.UpsertByStripeID(ctx, newSubscription(userID, "sub_1", "starter")))

	update := newSubscription(userID, "sub_1", "pro")
	update.Status = enums.SubscriptionStatusPastDue
	require.NoError(t, repo.UpsertByStripeID(ctx, update))

	got, err := repo.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "pro", got.PlanID)
	require.Equal(t, enums.SubscriptionStatusPastDue, got.Status)

	active, err := repo.FindActiveByUser(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, got.ID, active.ID)

	byCustomer, err := repo.FindLatestByCustomer(ctx, "cus_1")
	require.NoError(t, err)
	require.Equal(t, userID, byCustomer.UserID)

	missing, err := repo.FindByStripeID(ctx, "sub_missing")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDeactivateOthersSupersedes(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(dbtest.Open(t))
	userID := uuid.New()

	old := newSubscription(userID, "sub_old", "starter")
	require.NoError(t, repo.UpsertByStripeID(ctx, old))
	kept := newSubscription(userID, "sub_new", "pro")
	require.NoError(t, repo.UpsertByStripeID(ctx, kept))

	stored, err := repo.FindByStripeID(ctx, "sub_new")
	require.NoError(t, err)

	n, err := repo.DeactivateOthers(ctx, userID, stored.ID, "sub_new")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	oldRow, err := repo.FindByStripeID(ctx, "sub_old")
	require.NoError(t, err)
	require.False(t, oldRow.IsActive)
	require.NotNil(t, oldRow.ReplacedBy)
	require.Equal(t, "sub_new", *oldRow.ReplacedBy)
}

func TestStampCanceledAtOnlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(dbtest.Open(t))
	require.NoError(t, repo.UpsertByStripeID(ctx, newSubscription(uuid.New(), "sub_1", "pro")))

	first := time.Now().UTC().Truncate(time.Second)
	stamped, err := repo.StampCanceledAt(ctx, "sub_1", first)
	require.NoError(t, err)
	require.True(t, stamped)

	stamped, err = repo.StampCanceledAt(ctx, "sub_1", first.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, stamped)

	got, err := repo.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, got.CanceledAt)
	require.True(t, got.CanceledAt.Equal(first))
}

func TestStateWritesKeepCancellationClaim(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(dbtest.Open(t))
	userID := uuid.New()
	require.NoError(t, repo.UpsertByStripeID(ctx, newSubscription(userID, "sub_1", "pro")))

	stale, err := repo.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.Nil(t, stale.CanceledAt)

	stamped, err := repo.StampCanceledAt(ctx, "sub_1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, stamped)

	stale.Status = enums.SubscriptionStatusPastDue
	require.NoError(t, repo.Save(ctx, stale))
	require.NoError(t, repo.UpsertByStripeID(ctx, newSubscription(userID, "sub_1", "pro")))

	got, err := repo.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, got.CanceledAt)

	stamped, err = repo.StampCanceledAtByID(ctx, got.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, stamped)
}

func TestClearCanceledAtOnlyWhenNothingScheduled(t *testing.T) {
	ctx := context.Background()
	repo := NewSubscriptionRepository(dbtest.Open(t))
	sub := newSubscription(uuid.New(), "sub_1", "pro")
	sub.CancelAtPeriodEnd = true
	require.NoError(t, repo.UpsertByStripeID(ctx, sub))
	_, err := repo.StampCanceledAt(ctx, "sub_1", time.Now().UTC())
	require.NoError(t, err)

	cleared, err := repo.ClearCanceledAt(ctx, "sub_1")
	require.NoError(t, err)
	require.False(t, cleared)

	reactivated := newSubscription(sub.UserID, "sub_1", "pro")
	require.NoError(t, repo.UpsertByStripeID(ctx, reactivated))
	cleared, err = repo.ClearCanceledAt(ctx, "sub_1")
	require.NoError(t, err)
	require.True(t, cleared)

	got, err := repo.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.Nil(t, got.CanceledAt)
}

func TestPaymentInsertDedupesByInvoice(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(dbtest.Open(t))
	userID := uuid.New()

	rec := func(invoice *string) *models.PaymentRecord {
		return &models.PaymentRecord{
			UserID:            userID,
			AmountCents:       2900,
			Currency:          "usd",
			Status:            enums.PaymentStatusPaid,
			ExternalInvoiceID: invoice,
			Description:       "Pro (monthly)",
		}
	}

	inserted, err := repo.Insert(ctx, rec(strPtr("in_1")))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = repo.Insert(ctx, rec(strPtr("in_1")))
	require.NoError(t, err)
	require.False(t, inserted)

	inserted, err = repo.Insert(ctx, rec(nil))
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = repo.Insert(ctx, rec(nil))
	require.NoError(t, err)
	require.True(t, inserted, "rows without an invoice id are never deduplicated by the index")

	recent, err := repo.FindRecent(ctx, userID, enums.PaymentStatusPaid, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, recent)

	none, err := repo.FindRecent(ctx, userID, enums.PaymentStatusTrial, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestPaymentListByUserPaginates(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	repo := NewPaymentRepository(conn)
	userID := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Create(&models.PaymentRecord{
			UserID:      userID,
			AmountCents: int64(100 * (i + 1)),
			Currency:    "usd",
			Status:      enums.PaymentStatusPaid,
			Description: "receipt",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	page, next, err := repo.ListByUser(ctx, userID, pagination.Params{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.EqualValues(t, 500, page[0].AmountCents)
	require.NotEmpty(t, next)

	rest, next, err := repo.ListByUser(ctx, userID, pagination.Params{Limit: 3, Cursor: next})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.EqualValues(t, 200, rest[0].AmountCents)
	require.Empty(t, next)
}

func TestChangeLogFindRecentHonorsWindow(t *testing.T) {
	ctx := context.Background()
	repo := NewChangeLogRepository(dbtest.Open(t))
	userID := uuid.New()

	require.NoError(t, repo.Append(ctx, &models.ChangeLogEntry{
		UserID:       userID,
		ChangeType:   enums.PlanChangeDowngrade,
		OldPlanID:    "agency",
		NewPlanID:    "pro",
		BillingCycle: enums.BillingCycleMonthly,
		CreatedAt:    time.Now().UTC().Add(-10 * time.Minute),
	}))

	got, err := repo.FindRecent(ctx, userID, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, repo.Append(ctx, &models.ChangeLogEntry{
		UserID:       userID,
		ChangeType:   enums.PlanChangeUpgrade,
		OldPlanID:    "starter",
		NewPlanID:    "pro",
		BillingCycle: enums.BillingCycleMonthly,
	}))

	got, err = repo.FindRecent(ctx, userID, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, enums.PlanChangeUpgrade, got.ChangeType)
}

func TestPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingRepository(dbtest.Open(t))

	first := &models.PendingReconciliation{StripeSubscriptionID: "sub_1", EventID: "evt_1", Reason: "handler budget exceeded"}
	second := &models.PendingReconciliation{StripeSubscriptionID: "sub_2", EventID: "evt_2", Reason: "handler budget exceeded"}
	require.NoError(t, repo.Mark(ctx, first))
	require.NoError(t, repo.Mark(ctx, second))

	open, err := repo.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 2)

	require.NoError(t, repo.RecordFailure(ctx, first.ID, "provider timeout"))
	require.NoError(t, repo.Resolve(ctx, second.ID, time.Now().UTC()))

	open, err = repo.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "sub_1", open[0].StripeSubscriptionID)
	require.Equal(t, 1, open[0].Attempts)
	require.NotNil(t, open[0].LastError)
}
