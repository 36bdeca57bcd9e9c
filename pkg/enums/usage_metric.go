package enums

import "fmt"

// UsageMetric names a quota-tracked resource.
type UsageMetric string

const (
	UsageMetricPosts             UsageMetric = "posts"
	UsageMetricConnectedAccounts UsageMetric = "connected_accounts"
	UsageMetricAISuggestions     UsageMetric = "ai_suggestions"
)

var validUsageMetrics = []UsageMetric{
	UsageMetricPosts,
	UsageMetricConnectedAccounts,
	UsageMetricAISuggestions,
}

// String implements fmt.Stringer.
func (m UsageMetric) String() string {
	return string(m)
}

// IsValid reports whether the value is a known UsageMetric.
func (m UsageMetric) IsValid() bool {
	for _, candidate := range validUsageMetrics {
		if candidate == m {
			return true
		}
	}
	return false
}

// Monthly reports whether the metric resets every calendar month.
// Connected accounts are a standing count.
func (m UsageMetric) Monthly() bool {
	return m != UsageMetricConnectedAccounts
}

// ParseUsageMetric converts raw input into a UsageMetric.
func ParseUsageMetric(value string) (UsageMetric, error) {
	for _, candidate := range validUsageMetrics {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid usage metric %q", value)
}
