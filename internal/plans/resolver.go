package plans

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// MatchKind records how a price was resolved.
type MatchKind string

const (
	MatchPriceID MatchKind = "price_id"
	MatchAmount  MatchKind = "amount"
	MatchDefault MatchKind = "default"
)

// PriceRef is what the provider tells us about a subscription's price.
// UnitAmount is in minor units.
type PriceRef struct {
	PriceID    string
	UnitAmount *int64
	Interval   string
}

// Resolution is the catalog plan a price maps onto.
type Resolution struct {
	PlanID string
	Cycle  enums.BillingCycle
	Match  MatchKind
}

// Resolver maps provider prices onto catalog plans. It never fails: an
// unknown price resolves to the catalog default with a warning.
type Resolver struct {
	catalog *Catalog
	logg    *logger.Logger
}

func NewResolver(catalog *Catalog, logg *logger.Logger) *Resolver {
	return &Resolver{catalog: catalog, logg: logg}
}

func (r *Resolver) Resolve(ctx context.Context, ref PriceRef) Resolution {
	if ref.PriceID != "" {
		for _, p := range r.catalog.plans {
			switch ref.PriceID {
			case p.MonthlyPriceID:
				return Resolution{PlanID: p.ID, Cycle: enums.BillingCycleMonthly, Match: MatchPriceID}
			case p.YearlyPriceID:
				return Resolution{PlanID: p.ID, Cycle: enums.BillingCycleYearly, Match: MatchPriceID}
			}
		}
	}

	cycle, cycleKnown := enums.BillingCycleFromInterval(ref.Interval)
	if ref.UnitAmount != nil && cycleKnown {
		amount := decimal.New(*ref.UnitAmount, -2)
		for _, p := range r.catalog.plans {
			if p.IsFree() {
				continue
			}
			if p.PriceFor(cycle).Equal(amount) {
				return Resolution{PlanID: p.ID, Cycle: cycle, Match: MatchAmount}
			}
		}
	}

	if !cycleKnown {
		cycle = enums.BillingCycleMonthly
	}
	fallback := r.catalog.Default()
	if r.logg != nil {
		fields := map[string]any{
			"price_id":     ref.PriceID,
			"interval":     ref.Interval,
			"default_plan": fallback.ID,
		}
		if ref.UnitAmount != nil {
			fields["unit_amount"] = *ref.UnitAmount
		}
		r.logg.Warn(r.logg.WithFields(ctx, fields), "unresolved provider price, using default plan")
	}
	return Resolution{PlanID: fallback.ID, Cycle: cycle, Match: MatchDefault}
}
