package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/api/middleware"
	"github.com/angelmondragon/postcraft-billing/internal/planchange"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/usage"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/pagination"
)

func testCatalog(t *testing.T) *plans.Catalog {
	t.Helper()
	catalog, err := plans.NewCatalog(config.PricesConfig{ProMonthly: "price_pro_m"}, plans.StarterPlanID)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func authed(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID.String()))
}

func withMetric(req *http.Request, metric string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add("metric", metric)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	envelope := struct {
		Data any `json:"data"`
	}{Data: dest}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return body.Error.Code
}

type stubSubscriptions struct {
	row *models.Subscription
}

func (s *stubSubscriptions) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	return s.row, nil
}

type stubPlanChange struct {
	requested struct {
		plan  string
		cycle enums.BillingCycle
	}
	result    *planchange.Result
	err       error
	cancelled bool
}

func (s *stubPlanChange) Request(ctx context.Context, userID uuid.UUID, targetPlanID string, cycle enums.BillingCycle) (*planchange.Result, error) {
	s.requested.plan = targetPlanID
	s.requested.cycle = cycle
	return s.result, s.err
}

func (s *stubPlanChange) RequestCancel(ctx context.Context, userID uuid.UUID) error {
	s.cancelled = true
	return s.err
}

type stubResync struct {
	subID string
	hint  string
	row   *models.Subscription
}

func (s *stubResync) ReconcileOne(ctx context.Context, stripeSubscriptionID, userHint string) (*reconcile.Result, error) {
	s.subID = stripeSubscriptionID
	s.hint = userHint
	return &reconcile.Result{Row: s.row}, nil
}

type stubPayments struct {
	params pagination.Params
	rows   []models.PaymentRecord
}

func (s *stubPayments) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.PaymentRecord, string, error) {
	s.params = params
	return s.rows, "next", nil
}

type stubUsage struct {
	decision *usage.Decision
	recorded int64
}

func (s *stubUsage) Check(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric) (*usage.Decision, error) {
	return s.decision, nil
}

func (s *stubUsage) Record(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) error {
	s.recorded += n
	return nil
}

func (s *stubUsage) Consume(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) (*usage.Decision, error) {
	d := *s.decision
	if d.Remaining != plans.Unlimited && d.Remaining < n {
		d.Allowed = false
		return &d, nil
	}
	s.recorded += n
	d.Allowed = true
	return &d, nil
}

func (s *stubUsage) Summary(ctx context.Context, userID uuid.UUID) (*usage.Summary, error) {
	return &usage.Summary{PlanID: "free"}, nil
}

func TestPlansListMarksDefault(t *testing.T) {
	rec := httptest.NewRecorder()
	PlansList(testCatalog(t), nil)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/billing/plans", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload planListResponse
	decodeData(t, rec, &payload)
	if len(payload.Plans) != 4 || payload.Plans[0].ID != plans.FreePlanID {
		t.Fatalf("unexpected plans %+v", payload.Plans)
	}
	for _, p := range payload.Plans {
		if p.Default != (p.ID == plans.StarterPlanID) {
			t.Fatalf("unexpected default flag on %s", p.ID)
		}
	}
	if payload.Plans[2].MonthlyPrice != "29.00" {
		t.Fatalf("unexpected pro price %s", payload.Plans[2].MonthlyPrice)
	}
}

func TestSubscriptionDetailRequiresUser(t *testing.T) {
	rec := httptest.NewRecorder()
	SubscriptionDetail(&stubSubscriptions{}, testCatalog(t), nil)(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSubscriptionDetailWithoutRowIsFree(t *testing.T) {
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New())
	SubscriptionDetail(&stubSubscriptions{}, testCatalog(t), nil)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload subscriptionResponse
	decodeData(t, rec, &payload)
	if payload.PlanID != plans.FreePlanID || payload.Managed || payload.Entitled {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSubscriptionDetailReportsScheduledCancellation(t *testing.T) {
	subID := "sub_1"
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	row := &models.Subscription{
		PlanID:               plans.ProPlanID,
		Status:               enums.SubscriptionStatusActive,
		BillingCycle:         enums.BillingCycleMonthly,
		StripeSubscriptionID: &subID,
		CurrentPeriodEnd:     &end,
		CancelAtPeriodEnd:    true,
		IsActive:             true,
	}
	rec := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New())
	SubscriptionDetail(&stubSubscriptions{row: row}, testCatalog(t), nil)(rec, req)
	var payload subscriptionResponse
	decodeData(t, rec, &payload)
	if payload.PlanName != "Pro" || !payload.Entitled || !payload.CancelAtPeriodEnd || !payload.Managed {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.CurrentPeriodEnd == nil || !payload.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected period end %v", payload.CurrentPeriodEnd)
	}
}

func TestPlanChangeAccepted(t *testing.T) {
	effective := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	entry := &models.ChangeLogEntry{ID: uuid.New(), OldPlanID: "pro", NewPlanID: "starter"}
	svc := &stubPlanChange{result: &planchange.Result{Entry: entry, ChangeType: enums.PlanChangeDowngrade, EffectiveAt: &effective}}

	body := `{"plan_id":" starter ","billing_cycle":"monthly"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()
	PlanChange(svc, nil)(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.requested.plan != "starter" || svc.requested.cycle != enums.BillingCycleMonthly {
		t.Fatalf("unexpected request %+v", svc.requested)
	}
	var payload planChangeResponse
	decodeData(t, rec, &payload)
	if payload.ChangeID != entry.ID.String() || payload.ChangeType != string(enums.PlanChangeDowngrade) || payload.EffectiveAt == nil {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestPlanChangeRejectsBadCycle(t *testing.T) {
	svc := &stubPlanChange{}
	req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"pro","billing_cycle":"weekly"}`)), uuid.New())
	rec := httptest.NewRecorder()
	PlanChange(svc, nil)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if svc.requested.plan != "" {
		t.Fatalf("service should not be called")
	}
}

func TestPlanChangeSurfacesStateConflict(t *testing.T) {
	svc := &stubPlanChange{err: pkgerrors.New(pkgerrors.CodeStateConflict, "no paid subscription to change")}
	req := authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"pro","billing_cycle":"yearly"}`)), uuid.New())
	rec := httptest.NewRecorder()
	PlanChange(svc, nil)(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if errorCode(t, rec) != string(pkgerrors.CodeStateConflict) {
		t.Fatalf("unexpected code")
	}
}

func TestCancelSubscriptionAccepted(t *testing.T) {
	svc := &stubPlanChange{}
	req := authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New())
	rec := httptest.NewRecorder()
	CancelSubscription(svc, nil)(rec, req)
	if rec.Code != http.StatusAccepted || !svc.cancelled {
		t.Fatalf("expected accepted cancel, got %d", rec.Code)
	}
}

func TestResyncWithoutProviderSubscription(t *testing.T) {
	resync := &stubResync{}
	req := authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New())
	rec := httptest.NewRecorder()
	Resync(&stubSubscriptions{row: &models.Subscription{PlanID: "free", Status: enums.SubscriptionStatusCanceled}}, resync, testCatalog(t), nil)(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resync.subID != "" {
		t.Fatalf("resync should not run")
	}
}

func TestResyncReconcilesOwnSubscription(t *testing.T) {
	userID := uuid.New()
	subID := "sub_own"
	row := &models.Subscription{PlanID: plans.ProPlanID, Status: enums.SubscriptionStatusActive, BillingCycle: enums.BillingCycleMonthly, StripeSubscriptionID: &subID}
	resync := &stubResync{row: row}
	req := authed(httptest.NewRequest(http.MethodPost, "/", nil), userID)
	rec := httptest.NewRecorder()
	Resync(&stubSubscriptions{row: row}, resync, testCatalog(t), nil)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resync.subID != subID || resync.hint != userID.String() {
		t.Fatalf("unexpected resync args %q %q", resync.subID, resync.hint)
	}
}

func TestPaymentHistoryPaginates(t *testing.T) {
	invoice := "in_1"
	repo := &stubPayments{rows: []models.PaymentRecord{{
		ID:                uuid.New(),
		AmountCents:       2900,
		Currency:          "usd",
		Status:            enums.PaymentStatusPaid,
		ExternalInvoiceID: &invoice,
		Description:       "Pro monthly",
	}}}
	req := authed(httptest.NewRequest(http.MethodGet, "/?limit=10", nil), uuid.New())
	rec := httptest.NewRecorder()
	PaymentHistory(repo, nil)(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if repo.params.Limit != 10 {
		t.Fatalf("expected limit 10, got %d", repo.params.Limit)
	}
	var payload paymentsResponse
	decodeData(t, rec, &payload)
	if len(payload.Payments) != 1 || payload.Cursor != "next" || payload.Payments[0].AmountCents != 2900 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestPaymentHistoryRejectsBadInput(t *testing.T) {
	for _, target := range []string{"/?limit=0", "/?limit=abc", "/?cursor=notbase64!"} {
		req := authed(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New())
		req.URL.RawQuery = strings.TrimPrefix(target, "/?")
		rec := httptest.NewRecorder()
		PaymentHistory(&stubPayments{}, nil)(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestUsageCheckUnknownMetric(t *testing.T) {
	req := withMetric(authed(httptest.NewRequest(http.MethodGet, "/", nil), uuid.New()), "followers")
	rec := httptest.NewRecorder()
	UsageCheck(&stubUsage{}, nil)(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUsageRecordEnforcesLimit(t *testing.T) {
	svc := &stubUsage{decision: &usage.Decision{Metric: enums.UsageMetricPosts, Limit: 10, Used: 9, Remaining: 1, Allowed: true}}

	req := withMetric(authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":2}`)), uuid.New()), "posts")
	rec := httptest.NewRecorder()
	UsageRecord(svc, nil)(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if svc.recorded != 0 {
		t.Fatalf("nothing should be recorded")
	}

	req = withMetric(authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":1}`)), uuid.New()), "posts")
	rec = httptest.NewRecorder()
	UsageRecord(svc, nil)(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if svc.recorded != 1 {
		t.Fatalf("expected one unit recorded, got %d", svc.recorded)
	}
}

func TestUsageRecordUnlimited(t *testing.T) {
	svc := &stubUsage{decision: &usage.Decision{Metric: enums.UsageMetricPosts, Limit: plans.Unlimited, Remaining: plans.Unlimited, Allowed: true}}
	req := withMetric(authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":500}`)), uuid.New()), "posts")
	rec := httptest.NewRecorder()
	UsageRecord(svc, nil)(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
