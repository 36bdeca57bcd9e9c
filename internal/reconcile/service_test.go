package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/provider/providertest"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/db/dbtest"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
)

type harness struct {
	conn     *gorm.DB
	svc      *Service
	provider *providertest.Client
	users    *users.Repository
	subs     billing.SubscriptionRepository
	catalog  *plans.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	catalog, err := plans.NewCatalog(config.PricesConfig{
		StarterMonthly: "price_starter_m",
		ProMonthly:     "price_pro_m",
		ProYearly:      "price_pro_y",
	}, plans.StarterPlanID)
	require.NoError(t, err)

	subs := billing.NewSubscriptionRepository(conn)
	directory := users.NewRepository(conn)
	fake := providertest.New()
	svc, err := NewService(ServiceParams{
		Tx:            db.Wrap(conn),
		Subscriptions: subs,
		Fetcher:       fake,
		Prices:        plans.NewResolver(catalog, nil),
		Catalog:       catalog,
		Identity:      identity.NewResolver(subs, fake, directory, nil),
	})
	require.NoError(t, err)
	return &harness{conn: conn, svc: svc, provider: fake, users: directory, subs: subs, catalog: catalog}
}

// withSubscriptions returns a service that writes through subs instead of the
// harness repository.
func (h *harness) withSubscriptions(t *testing.T, subs billing.SubscriptionRepository) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Tx:            db.Wrap(h.conn),
		Subscriptions: subs,
		Fetcher:       h.provider,
		Prices:        plans.NewResolver(h.catalog, nil),
		Catalog:       h.catalog,
		Identity:      identity.NewResolver(h.subs, h.provider, h.users, nil),
	})
	require.NoError(t, err)
	return svc
}

// claimingSubscriptions stamps canceled_at right after the first row read, as
// a concurrent handler committing its cancellation claim would.
type claimingSubscriptions struct {
	billing.SubscriptionRepository
	state *claimState
}

type claimState struct {
	done    bool
	claimed bool
}

func (c *claimingSubscriptions) WithTx(tx *gorm.DB) billing.SubscriptionRepository {
	return &claimingSubscriptions{SubscriptionRepository: c.SubscriptionRepository.WithTx(tx), state: c.state}
}

func (c *claimingSubscriptions) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	row, err := c.SubscriptionRepository.FindByStripeID(ctx, stripeSubscriptionID)
	if err != nil || row == nil || c.state.done {
		return row, err
	}
	c.state.done = true
	claimed, err := c.SubscriptionRepository.StampCanceledAt(ctx, stripeSubscriptionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	c.state.claimed = claimed
	return row, nil
}

func (h *harness) user(t *testing.T, email string) *models.User {
	t.Helper()
	u, err := h.users.Create(context.Background(), email, "")
	require.NoError(t, err)
	return u
}

func proSubscription(id string, userID uuid.UUID, status string) *provider.Subscription {
	amount := int64(2900)
	return &provider.Subscription{
		ID:         id,
		CustomerID: "cus_" + id,
		Status:     status,
		Metadata:   map[string]string{"user_id": userID.String()},
		PriceID:    "price_pro_m",
		UnitAmount: &amount,
		Interval:   "month",
	}
}

func (h *harness) activeRows(t *testing.T, userID uuid.UUID) []models.Subscription {
	t.Helper()
	var rows []models.Subscription
	require.NoError(t, h.conn.Where("user_id = ? AND is_active = ?", userID, true).Find(&rows).Error)
	return rows
}

func TestReconcileCreatesRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_1", u.ID, "trialing"))

	res, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)
	require.Equal(t, u.ID, res.UserID)
	require.Equal(t, plans.ProPlanID, res.PlanID)
	require.Equal(t, enums.SubscriptionStatusTrialing, res.Status)
	require.True(t, res.Active)

	row, err := h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, plans.ProPlanID, row.PlanID)
	require.Equal(t, enums.BillingCycleMonthly, row.BillingCycle)
	require.True(t, row.IsActive)
	require.Equal(t, res.Row.ID, row.ID)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_1", u.ID, "active"))

	for i := 0; i < 3; i++ {
		_, err := h.svc.Reconcile(ctx, "sub_1", "")
		require.NoError(t, err)
	}

	var count int64
	require.NoError(t, h.conn.Model(&models.Subscription{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
	require.Len(t, h.activeRows(t, u.ID), 1)
}

func TestReconcileSupersedesPreviousRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_old", u.ID, "active"))
	h.provider.PutSubscription(proSubscription("sub_new", u.ID, "active"))

	_, err := h.svc.Reconcile(ctx, "sub_old", "")
	require.NoError(t, err)
	res, err := h.svc.Reconcile(ctx, "sub_new", "")
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Superseded)

	active := h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, "sub_new", *active[0].StripeSubscriptionID)

	old, err := h.subs.FindByStripeID(ctx, "sub_old")
	require.NoError(t, err)
	require.False(t, old.IsActive)
	require.NotNil(t, old.ReplacedBy)
	require.Equal(t, "sub_new", *old.ReplacedBy)

	// A late event for the superseded subscription must not reactivate it.
	_, err = h.svc.Reconcile(ctx, "sub_old", "")
	require.NoError(t, err)
	active = h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, "sub_new", *active[0].StripeSubscriptionID)
}

func TestReconcileUnknownPriceUsesDefaultPlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	amount := int64(1234)
	h.provider.PutSubscription(&provider.Subscription{
		ID:         "sub_1",
		Status:     "active",
		Metadata:   map[string]string{"user_id": u.ID.String()},
		PriceID:    "price_legacy",
		UnitAmount: &amount,
		Interval:   "month",
	})

	res, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)
	require.Equal(t, plans.StarterPlanID, res.PlanID)

	row, err := h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, plans.StarterPlanID, row.PlanID)
}

func TestReconcileUnresolvedUserWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.provider.PutSubscription(&provider.Subscription{
		ID:       "sub_1",
		Status:   "trialing",
		Metadata: map[string]string{"user_id": "pending"},
		PriceID:  "price_pro_m",
	})

	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.True(t, pkgerrors.IsUnresolvedUser(err))

	var count int64
	require.NoError(t, h.conn.Model(&models.Subscription{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestReconcileProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.FetchErr = pkgerrors.New(pkgerrors.CodeProviderFetch, "stripe unavailable")

	_, err := h.svc.Reconcile(context.Background(), "sub_1", "")
	require.Equal(t, pkgerrors.CodeProviderFetch, pkgerrors.CodeOf(err))
}

func TestCancellationStampAndReactivation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	sub := proSubscription("sub_1", u.ID, "active")
	sub.CancelAtPeriodEnd = true
	h.provider.PutSubscription(sub)

	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)

	claimed, err := h.svc.MarkCancellationNotified(ctx, "sub_1", nil)
	require.NoError(t, err)
	require.True(t, claimed)

	row, err := h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, row.CanceledAt)
	first := *row.CanceledAt

	_, err = h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)
	claimed, err = h.svc.MarkCancellationNotified(ctx, "sub_1", nil)
	require.NoError(t, err)
	require.False(t, claimed)

	row, err = h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, row.CanceledAt)
	require.WithinDuration(t, first, *row.CanceledAt, time.Second)

	reactivated := proSubscription("sub_1", u.ID, "active")
	h.provider.PutSubscription(reactivated)
	_, err = h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)

	row, err = h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.Nil(t, row.CanceledAt)
	require.False(t, row.CancelAtPeriodEnd)
}

func TestDowngradeToFreeKeepsRowActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	sub := proSubscription("sub_1", u.ID, "active")
	h.provider.PutSubscription(sub)
	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)

	deleted := proSubscription("sub_1", u.ID, "canceled")
	out, err := h.svc.DowngradeToFree(ctx, deleted, "")
	require.NoError(t, err)
	require.True(t, out.Claimed)
	require.False(t, out.Skipped)
	require.Equal(t, plans.ProPlanID, out.PreviousPlanID)

	active := h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, plans.FreePlanID, active[0].PlanID)
	require.Equal(t, enums.SubscriptionStatusCanceled, active[0].Status)
	require.Nil(t, active[0].StripeSubscriptionID)
	require.NotNil(t, active[0].CanceledAt)

	again, err := h.svc.DowngradeToFree(ctx, deleted, "")
	require.NoError(t, err)
	require.False(t, again.Claimed)
	require.Len(t, h.activeRows(t, u.ID), 1)
}

func TestDowngradeSkipsSupersededSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_old", u.ID, "active"))
	h.provider.PutSubscription(proSubscription("sub_new", u.ID, "active"))
	_, err := h.svc.Reconcile(ctx, "sub_old", "")
	require.NoError(t, err)
	_, err = h.svc.Reconcile(ctx, "sub_new", "")
	require.NoError(t, err)

	out, err := h.svc.DowngradeToFree(ctx, proSubscription("sub_old", u.ID, "canceled"), "")
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.False(t, out.Claimed)

	active := h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, plans.ProPlanID, active[0].PlanID)
}

func TestReconcileAfterDowngradeSupersedesFreeRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_1", u.ID, "active"))
	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)
	_, err = h.svc.DowngradeToFree(ctx, proSubscription("sub_1", u.ID, "canceled"), "")
	require.NoError(t, err)

	h.provider.PutSubscription(proSubscription("sub_2", u.ID, "active"))
	res, err := h.svc.Reconcile(ctx, "sub_2", "")
	require.NoError(t, err)
	require.Equal(t, plans.FreePlanID, res.PreviousPlanID)

	active := h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, "sub_2", *active[0].StripeSubscriptionID)
}

func TestReconcileKeepsConcurrentCancellationClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	sub := proSubscription("sub_1", u.ID, "active")
	sub.CancelAtPeriodEnd = true
	h.provider.PutSubscription(sub)
	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)

	state := &claimState{}
	racing := h.withSubscriptions(t, &claimingSubscriptions{SubscriptionRepository: h.subs, state: state})
	res, err := racing.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)
	require.True(t, state.claimed)
	require.NotNil(t, res.Row.CanceledAt)

	row, err := h.subs.FindByStripeID(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, row.CanceledAt)

	claimed, err := h.svc.MarkCancellationNotified(ctx, "sub_1", nil)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestDowngradeDoesNotReclaimConcurrentCancellation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "a@x.com")
	h.provider.PutSubscription(proSubscription("sub_1", u.ID, "active"))
	_, err := h.svc.Reconcile(ctx, "sub_1", "")
	require.NoError(t, err)

	state := &claimState{}
	racing := h.withSubscriptions(t, &claimingSubscriptions{SubscriptionRepository: h.subs, state: state})
	out, err := racing.DowngradeToFree(ctx, proSubscription("sub_1", u.ID, "canceled"), "")
	require.NoError(t, err)
	require.True(t, state.claimed)
	require.False(t, out.Claimed)

	active := h.activeRows(t, u.ID)
	require.Len(t, active, 1)
	require.Equal(t, plans.FreePlanID, active[0].PlanID)
	require.NotNil(t, active[0].CanceledAt)
}
