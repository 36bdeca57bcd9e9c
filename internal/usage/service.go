package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
)

type subscriptionReader interface {
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// Decision is the outcome of a limit check. Limit and Remaining are
// plans.Unlimited when the plan has no cap.
type Decision struct {
	Metric    enums.UsageMetric `json:"metric"`
	PlanID    string            `json:"plan_id"`
	Allowed   bool              `json:"allowed"`
	Used      int64             `json:"used"`
	Limit     int64             `json:"limit"`
	Remaining int64             `json:"remaining"`
}

// Summary is the usage view for the billing dashboard.
type Summary struct {
	PlanID      string         `json:"plan_id"`
	PlanName    string         `json:"plan_name"`
	Status      string         `json:"status"`
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Features    plans.Features `json:"features"`
	Metrics     []Decision     `json:"metrics"`
}

type Service interface {
	Check(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric) (*Decision, error)
	Record(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) error
	Consume(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) (*Decision, error)
	Summary(ctx context.Context, userID uuid.UUID) (*Summary, error)
}

type ServiceParams struct {
	Counters      CounterRepository
	Subscriptions subscriptionReader
	Catalog       *plans.Catalog
}

type service struct {
	counters CounterRepository
	subs     subscriptionReader
	catalog  *plans.Catalog
	now      func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	if params.Counters == nil {
		return nil, fmt.Errorf("counter repo required")
	}
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription repo required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	return &service{
		counters: params.Counters,
		subs:     params.Subscriptions,
		catalog:  params.Catalog,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) Check(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric) (*Decision, error) {
	if !metric.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown usage metric")
	}
	plan, _, err := s.currentPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.decide(ctx, userID, plan, metric)
}

// Record adds n units of metric to the user's current period.
func (s *service) Record(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !metric.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown usage metric")
	}
	if n <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "usage increment must be positive")
	}
	if err := s.counters.Increment(ctx, userID, metric, periodFor(metric, s.now()), n); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "increment usage counter")
	}
	return nil
}

// Consume records n units of metric only if they fit the plan limit. The
// limit is checked by the counter write itself. Allowed on the returned
// decision reports whether the units were recorded.
func (s *service) Consume(ctx context.Context, userID uuid.UUID, metric enums.UsageMetric, n int64) (*Decision, error) {
	if !metric.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown usage metric")
	}
	if n <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "usage increment must be positive")
	}
	plan, _, err := s.currentPlan(ctx, userID)
	if err != nil {
		return nil, err
	}

	period := periodFor(metric, s.now())
	applied := true
	if limit := plan.Limits.For(metric); limit == plans.Unlimited {
		err = s.counters.Increment(ctx, userID, metric, period, n)
	} else {
		applied, err = s.counters.IncrementWithin(ctx, userID, metric, period, n, limit)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "increment usage counter")
	}

	d, err := s.decide(ctx, userID, plan, metric)
	if err != nil {
		return nil, err
	}
	d.Allowed = applied
	return d, nil
}

func (s *service) Summary(ctx context.Context, userID uuid.UUID) (*Summary, error) {
	plan, row, err := s.currentPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	start := monthStart(s.now())
	out := &Summary{
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Status:      string(enums.SubscriptionStatusActive),
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Features:    plan.Features,
	}
	if row != nil {
		out.Status = string(row.Status)
	}
	for _, metric := range []enums.UsageMetric{enums.UsageMetricPosts, enums.UsageMetricConnectedAccounts, enums.UsageMetricAISuggestions} {
		d, err := s.decide(ctx, userID, plan, metric)
		if err != nil {
			return nil, err
		}
		out.Metrics = append(out.Metrics, *d)
	}
	return out, nil
}

// currentPlan falls back to the free plan when the user has no active row or
// the active row is no longer entitled.
func (s *service) currentPlan(ctx context.Context, userID uuid.UUID) (plans.Plan, *models.Subscription, error) {
	if userID == uuid.Nil {
		return plans.Plan{}, nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	row, err := s.subs.FindActiveByUser(ctx, userID)
	if err != nil {
		return plans.Plan{}, nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "load active subscription")
	}
	if row == nil || !row.Status.Entitled() {
		return s.catalog.Free(), row, nil
	}
	return s.catalog.MustGet(row.PlanID), row, nil
}

func (s *service) decide(ctx context.Context, userID uuid.UUID, plan plans.Plan, metric enums.UsageMetric) (*Decision, error) {
	used, err := s.counters.Get(ctx, userID, metric, periodFor(metric, s.now()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "load usage counter")
	}
	limit := plan.Limits.For(metric)
	d := &Decision{Metric: metric, PlanID: plan.ID, Used: used, Limit: limit}
	if limit == plans.Unlimited {
		d.Allowed = true
		d.Remaining = plans.Unlimited
		return d, nil
	}
	d.Remaining = limit - used
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = used < limit
	return d, nil
}

var lifetimePeriod = time.Unix(0, 0).UTC()

func periodFor(metric enums.UsageMetric, now time.Time) time.Time {
	if !metric.Monthly() {
		return lifetimePeriod
	}
	return monthStart(now)
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
