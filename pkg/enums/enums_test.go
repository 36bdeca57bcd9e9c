package enums

import "testing"

func TestNormalizeSubscriptionStatus(t *testing.T) {
	cases := map[string]SubscriptionStatus{
		"active":             SubscriptionStatusActive,
		"TRIALING":           SubscriptionStatusTrialing,
		"unpaid":             SubscriptionStatusPastDue,
		"incomplete":         SubscriptionStatusPastDue,
		"incomplete_expired": SubscriptionStatusCanceled,
		" canceled ":         SubscriptionStatusCanceled,
	}
	for raw, want := range cases {
		got, ok := NormalizeSubscriptionStatus(raw)
		if !ok || got != want {
			t.Fatalf("NormalizeSubscriptionStatus(%q) = %q,%v want %q", raw, got, ok, want)
		}
	}
	if _, ok := NormalizeSubscriptionStatus("mystery"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestBillingCycleFromInterval(t *testing.T) {
	if c, ok := BillingCycleFromInterval("month"); !ok || c != BillingCycleMonthly {
		t.Fatalf("expected monthly, got %q", c)
	}
	if c, ok := BillingCycleFromInterval("year"); !ok || c != BillingCycleYearly {
		t.Fatalf("expected yearly, got %q", c)
	}
	if _, ok := BillingCycleFromInterval("week"); ok {
		t.Fatalf("week is not a supported cycle")
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParsePlanChangeType("upgrade"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParsePlanChangeType("sideways"); err == nil {
		t.Fatalf("expected error for unknown change type")
	}
	if _, err := ParseUsageMetric("posts"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if UsageMetricConnectedAccounts.Monthly() {
		t.Fatalf("connected accounts should not reset monthly")
	}
	if !SubscriptionStatusPastDue.Entitled() || SubscriptionStatusCanceled.Entitled() {
		t.Fatalf("unexpected entitlement mapping")
	}
}
