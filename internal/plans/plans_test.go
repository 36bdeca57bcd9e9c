package plans

import (
	"bytes"
	"context"
	"testing"

	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

func testPrices() config.PricesConfig {
	return config.PricesConfig{
		StarterMonthly: "price_starter_m",
		StarterYearly:  "price_starter_y",
		ProMonthly:     "price_pro_m",
		ProYearly:      "price_pro_y",
		AgencyMonthly:  "price_agency_m",
		AgencyYearly:   "price_agency_y",
	}
}

func newTestResolver(t *testing.T, buf *bytes.Buffer) *Resolver {
	t.Helper()
	catalog, err := NewCatalog(testPrices(), StarterPlanID)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return NewResolver(catalog, logger.New(logger.Options{ServiceName: "test", Output: buf}))
}

func amount(v int64) *int64 { return &v }

func TestNewCatalogRejectsUnknownDefault(t *testing.T) {
	if _, err := NewCatalog(testPrices(), "platinum"); err == nil {
		t.Fatalf("expected unknown default plan to be rejected")
	}
}

func TestResolveByPriceID(t *testing.T) {
	r := newTestResolver(t, &bytes.Buffer{})
	got := r.Resolve(context.Background(), PriceRef{PriceID: "price_pro_y"})
	if got.PlanID != ProPlanID || got.Cycle != enums.BillingCycleYearly || got.Match != MatchPriceID {
		t.Fatalf("unexpected resolution %+v", got)
	}
}

func TestResolveByAmountFallback(t *testing.T) {
	r := newTestResolver(t, &bytes.Buffer{})
	got := r.Resolve(context.Background(), PriceRef{PriceID: "price_legacy", UnitAmount: amount(2900), Interval: "month"})
	if got.PlanID != ProPlanID || got.Cycle != enums.BillingCycleMonthly || got.Match != MatchAmount {
		t.Fatalf("unexpected resolution %+v", got)
	}

	got = r.Resolve(context.Background(), PriceRef{UnitAmount: amount(79000), Interval: "year"})
	if got.PlanID != AgencyPlanID || got.Cycle != enums.BillingCycleYearly {
		t.Fatalf("unexpected yearly resolution %+v", got)
	}
}

func TestResolveFailsSoftToDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	r := newTestResolver(t, buf)
	got := r.Resolve(context.Background(), PriceRef{PriceID: "price_unknown", UnitAmount: amount(1234), Interval: "year"})
	if got.PlanID != StarterPlanID || got.Match != MatchDefault {
		t.Fatalf("expected default plan, got %+v", got)
	}
	if got.Cycle != enums.BillingCycleYearly {
		t.Fatalf("expected interval to still drive the cycle, got %s", got.Cycle)
	}
	if !bytes.Contains(buf.Bytes(), []byte("unresolved provider price")) {
		t.Fatalf("expected a warning to be logged, got %s", buf.String())
	}
}

func TestResolveIgnoresUnconfiguredPriceIDs(t *testing.T) {
	catalog, err := NewCatalog(config.PricesConfig{}, StarterPlanID)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r := NewResolver(catalog, nil)
	got := r.Resolve(context.Background(), PriceRef{PriceID: ""})
	if got.Match != MatchDefault || got.Cycle != enums.BillingCycleMonthly {
		t.Fatalf("empty price id must not match an unconfigured plan, got %+v", got)
	}
}

func TestLimitsAndCompare(t *testing.T) {
	catalog, err := NewCatalog(testPrices(), "")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	pro, _ := catalog.Get(ProPlanID)
	if pro.Limits.For(enums.UsageMetricPosts) != Unlimited {
		t.Fatalf("pro posts should be unlimited")
	}
	if catalog.Free().Limits.For(enums.UsageMetricConnectedAccounts) != 2 {
		t.Fatalf("unexpected free connected accounts limit")
	}
	if catalog.Compare(StarterPlanID, ProPlanID) >= 0 {
		t.Fatalf("starter should be cheaper than pro")
	}
	if catalog.Compare(AgencyPlanID, ProPlanID) <= 0 {
		t.Fatalf("agency should be pricier than pro")
	}
	if catalog.MustGet("nope").ID != FreePlanID {
		t.Fatalf("unknown plan should fall back to free")
	}
	if len(catalog.All()) != 4 {
		t.Fatalf("expected four plans")
	}
}
