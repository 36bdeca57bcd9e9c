package enums

import "fmt"

// PlanChangeType classifies a user-initiated plan change.
type PlanChangeType string

const (
	PlanChangeUpgrade   PlanChangeType = "upgrade"
	PlanChangeDowngrade PlanChangeType = "downgrade"
)

var validPlanChangeTypes = []PlanChangeType{
	PlanChangeUpgrade,
	PlanChangeDowngrade,
}

// String implements fmt.Stringer.
func (p PlanChangeType) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PlanChangeType.
func (p PlanChangeType) IsValid() bool {
	for _, candidate := range validPlanChangeTypes {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePlanChangeType converts raw input into a PlanChangeType.
func ParsePlanChangeType(value string) (PlanChangeType, error) {
	for _, candidate := range validPlanChangeTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid plan change type %q", value)
}
