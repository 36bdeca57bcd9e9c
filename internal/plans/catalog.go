package plans

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
)

// Unlimited is the limit sentinel for metrics without a cap.
const Unlimited int64 = -1

const (
	FreePlanID    = "free"
	StarterPlanID = "starter"
	ProPlanID     = "pro"
	AgencyPlanID  = "agency"
)

// Features toggles plan-gated dashboard capabilities.
type Features struct {
	Analytics       bool `json:"analytics"`
	TeamMembers     bool `json:"team_members"`
	PrioritySupport bool `json:"priority_support"`
	BulkScheduling  bool `json:"bulk_scheduling"`
}

// Limits are per-plan quotas. Unlimited disables a check.
type Limits struct {
	PostsPerMonth         int64 `json:"posts_per_month"`
	ConnectedAccounts     int64 `json:"connected_accounts"`
	AISuggestionsPerMonth int64 `json:"ai_suggestions_per_month"`
}

// For returns the limit that applies to metric.
func (l Limits) For(metric enums.UsageMetric) int64 {
	switch metric {
	case enums.UsageMetricPosts:
		return l.PostsPerMonth
	case enums.UsageMetricConnectedAccounts:
		return l.ConnectedAccounts
	case enums.UsageMetricAISuggestions:
		return l.AISuggestionsPerMonth
	default:
		return 0
	}
}

// Plan is a compiled-in catalog entry. Prices are in major currency units.
type Plan struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	MonthlyPrice   decimal.Decimal `json:"monthly_price"`
	YearlyPrice    decimal.Decimal `json:"yearly_price"`
	MonthlyPriceID string          `json:"-"`
	YearlyPriceID  string          `json:"-"`
	Features       Features        `json:"features"`
	Limits         Limits          `json:"limits"`
}

// PriceFor returns the list price for a billing cycle.
func (p Plan) PriceFor(cycle enums.BillingCycle) decimal.Decimal {
	if cycle == enums.BillingCycleYearly {
		return p.YearlyPrice
	}
	return p.MonthlyPrice
}

// PriceIDFor returns the provider price id for a billing cycle.
func (p Plan) PriceIDFor(cycle enums.BillingCycle) string {
	if cycle == enums.BillingCycleYearly {
		return p.YearlyPriceID
	}
	return p.MonthlyPriceID
}

// IsFree reports whether the plan is the free tier.
func (p Plan) IsFree() bool {
	return p.ID == FreePlanID
}

// Catalog is the immutable set of plans.
type Catalog struct {
	plans         []Plan
	byID          map[string]Plan
	defaultPlanID string
}

// NewCatalog builds the plan catalog, attaching provider price ids from
// configuration. defaultPlanID is the fail-soft target for unresolvable prices.
func NewCatalog(prices config.PricesConfig, defaultPlanID string) (*Catalog, error) {
	plans := []Plan{
		{
			ID:           FreePlanID,
			Name:         "Free",
			MonthlyPrice: decimal.Zero,
			YearlyPrice:  decimal.Zero,
			Limits:       Limits{PostsPerMonth: 10, ConnectedAccounts: 2, AISuggestionsPerMonth: 5},
		},
		{
			ID:             StarterPlanID,
			Name:           "Starter",
			MonthlyPrice:   decimal.NewFromInt(9),
			YearlyPrice:    decimal.NewFromInt(90),
			MonthlyPriceID: strings.TrimSpace(prices.StarterMonthly),
			YearlyPriceID:  strings.TrimSpace(prices.StarterYearly),
			Features:       Features{Analytics: true},
			Limits:         Limits{PostsPerMonth: 100, ConnectedAccounts: 5, AISuggestionsPerMonth: 50},
		},
		{
			ID:             ProPlanID,
			Name:           "Pro",
			MonthlyPrice:   decimal.NewFromInt(29),
			YearlyPrice:    decimal.NewFromInt(290),
			MonthlyPriceID: strings.TrimSpace(prices.ProMonthly),
			YearlyPriceID:  strings.TrimSpace(prices.ProYearly),
			Features:       Features{Analytics: true, BulkScheduling: true},
			Limits:         Limits{PostsPerMonth: Unlimited, ConnectedAccounts: 15, AISuggestionsPerMonth: 500},
		},
		{
			ID:             AgencyPlanID,
			Name:           "Agency",
			MonthlyPrice:   decimal.NewFromInt(79),
			YearlyPrice:    decimal.NewFromInt(790),
			MonthlyPriceID: strings.TrimSpace(prices.AgencyMonthly),
			YearlyPriceID:  strings.TrimSpace(prices.AgencyYearly),
			Features:       Features{Analytics: true, TeamMembers: true, PrioritySupport: true, BulkScheduling: true},
			Limits:         Limits{PostsPerMonth: Unlimited, ConnectedAccounts: Unlimited, AISuggestionsPerMonth: Unlimited},
		},
	}

	byID := make(map[string]Plan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}

	if defaultPlanID == "" {
		defaultPlanID = StarterPlanID
	}
	if _, ok := byID[defaultPlanID]; !ok {
		return nil, fmt.Errorf("default plan %q is not in the catalog", defaultPlanID)
	}

	return &Catalog{plans: plans, byID: byID, defaultPlanID: defaultPlanID}, nil
}

// Get returns the plan with id.
func (c *Catalog) Get(id string) (Plan, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// MustGet returns the plan with id or the free plan.
func (c *Catalog) MustGet(id string) Plan {
	if p, ok := c.byID[id]; ok {
		return p
	}
	return c.byID[FreePlanID]
}

// Free returns the free tier.
func (c *Catalog) Free() Plan {
	return c.byID[FreePlanID]
}

// Default returns the fail-soft plan.
func (c *Catalog) Default() Plan {
	return c.byID[c.defaultPlanID]
}

// All returns the plans ordered from cheapest to most expensive.
func (c *Catalog) All() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Compare orders two plans by monthly list price: negative when a is
// cheaper than b.
func (c *Catalog) Compare(a, b string) int {
	return c.MustGet(a).MonthlyPrice.Cmp(c.MustGet(b).MonthlyPrice)
}
