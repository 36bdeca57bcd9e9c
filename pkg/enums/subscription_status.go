package enums

import (
	"fmt"
	"strings"
)

// SubscriptionStatus is the local projection of the provider's subscription
// state. Provider-only states collapse onto these four.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

var validSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCanceled,
}

var subscriptionStatusAliases = map[string]SubscriptionStatus{
	"trialing":           SubscriptionStatusTrialing,
	"active":             SubscriptionStatusActive,
	"past_due":           SubscriptionStatusPastDue,
	"unpaid":             SubscriptionStatusPastDue,
	"incomplete":         SubscriptionStatusPastDue,
	"paused":             SubscriptionStatusPastDue,
	"canceled":           SubscriptionStatusCanceled,
	"cancelled":          SubscriptionStatusCanceled,
	"incomplete_expired": SubscriptionStatusCanceled,
}

// String implements fmt.Stringer.
func (s SubscriptionStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s SubscriptionStatus) IsValid() bool {
	for _, candidate := range validSubscriptionStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Entitled reports whether the status grants paid-plan access.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionStatusTrialing || s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

// ParseSubscriptionStatus converts raw input into a SubscriptionStatus.
func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) {
	for _, candidate := range validSubscriptionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid subscription status %q", value)
}

// NormalizeSubscriptionStatus maps any provider status onto the local set.
// Unknown values return false.
func NormalizeSubscriptionStatus(value string) (SubscriptionStatus, bool) {
	status, ok := subscriptionStatusAliases[strings.ToLower(strings.TrimSpace(value))]
	return status, ok
}
