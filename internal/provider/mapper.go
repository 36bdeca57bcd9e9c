package provider

import (
	"time"

	"github.com/stripe/stripe-go/v84"
)

// FromStripeSubscription flattens a stripe-go subscription.
func FromStripeSubscription(sub *stripe.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Metadata:          sub.Metadata,
		TrialEnd:          unixPtr(sub.TrialEnd),
		CancelAt:          unixPtr(sub.CancelAt),
		CanceledAt:        unixPtr(sub.CanceledAt),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		HasPendingUpdate:  sub.PendingUpdate != nil,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
		if sub.Customer.Email != "" || len(sub.Customer.Metadata) > 0 {
			out.Customer = FromStripeCustomer(sub.Customer)
		}
	}
	if sub.LatestInvoice != nil {
		out.LatestInvoiceID = sub.LatestInvoice.ID
		out.LatestInvoiceStatus = string(sub.LatestInvoice.Status)
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.Currency = string(item.Price.Currency)
			amount := item.Price.UnitAmount
			out.UnitAmount = &amount
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
		}
	}
	return out
}

// FromStripeInvoice flattens a stripe-go invoice.
func FromStripeInvoice(inv *stripe.Invoice) *Invoice {
	if inv == nil {
		return nil
	}
	out := &Invoice{
		ID:              inv.ID,
		CustomerEmail:   inv.CustomerEmail,
		Status:          string(inv.Status),
		BillingReason:   string(inv.BillingReason),
		Currency:        string(inv.Currency),
		AmountPaid:      inv.AmountPaid,
		StartingBalance: inv.StartingBalance,
		Metadata:        inv.Metadata,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if details.Subscription != nil {
			out.SubscriptionID = details.Subscription.ID
		}
		if len(details.Metadata) > 0 {
			out.Metadata = details.Metadata
		}
	}
	return out
}

// FromStripeCustomer flattens a stripe-go customer.
func FromStripeCustomer(cust *stripe.Customer) *Customer {
	if cust == nil {
		return nil
	}
	return &Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Name:     cust.Name,
		Metadata: cust.Metadata,
	}
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
