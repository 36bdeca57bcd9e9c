// Package provider is the read/write boundary to the billing provider.
package provider

import (
	"context"
	"time"
)

// Subscription is the provider's view of a subscription, flattened to the
// fields reconciliation needs.
type Subscription struct {
	ID                  string
	CustomerID          string
	Status              string
	Metadata            map[string]string
	ItemID              string
	PriceID             string
	UnitAmount          *int64
	Currency            string
	Interval            string
	CurrentPeriodStart  *time.Time
	CurrentPeriodEnd    *time.Time
	TrialEnd            *time.Time
	CancelAt            *time.Time
	CanceledAt          *time.Time
	CancelAtPeriodEnd   bool
	HasPendingUpdate    bool
	LatestInvoiceID     string
	LatestInvoiceStatus string
	Customer            *Customer
}

// HasPendingInvoice reports whether a proration invoice is still open.
func (s *Subscription) HasPendingInvoice() bool {
	if s == nil {
		return false
	}
	if s.HasPendingUpdate {
		return true
	}
	return s.LatestInvoiceStatus == "draft" || s.LatestInvoiceStatus == "open"
}

// Invoice is the subset of an invoice used for payment records.
type Invoice struct {
	ID              string
	CustomerID      string
	CustomerEmail   string
	SubscriptionID  string
	Status          string
	BillingReason   string
	Currency        string
	AmountPaid      int64
	StartingBalance int64
	Metadata        map[string]string
}

// Customer is the provider customer record.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

// Fetcher performs the read-only lookups used by reconciliation and
// identity resolution.
type Fetcher interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// Mutator issues plan change requests. Results still arrive via webhooks.
type Mutator interface {
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorateNow bool) error
	ScheduleCancellation(ctx context.Context, subscriptionID string) error
}

// Client is the full provider surface.
type Client interface {
	Fetcher
	Mutator
}
