package provider

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/invoice"
	"github.com/stripe/stripe-go/v84/subscription"

	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	pkgstripe "github.com/angelmondragon/postcraft-billing/pkg/stripe"
)

const (
	prorationAlwaysInvoice = "always_invoice"
	prorationNone          = "none"
)

type stripeClient struct{}

// NewStripeClient returns a provider client backed by the stripe-go
// resource packages. The pkg/stripe client must be initialized first so
// stripe.Key is set.
func NewStripeClient(api *pkgstripe.Client) Client {
	if api == nil {
		return nil
	}
	return &stripeClient{}
}

func (c *stripeClient) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")
	params.AddExpand("latest_invoice")
	params.AddExpand("items.data.price")

	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderFetch, err, fmt.Sprintf("fetch subscription %s", id))
	}
	return FromStripeSubscription(sub), nil
}

func (c *stripeClient) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx

	inv, err := invoice.Get(id, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderFetch, err, fmt.Sprintf("fetch invoice %s", id))
	}
	return FromStripeInvoice(inv), nil
}

func (c *stripeClient) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx

	cust, err := customer.Get(id, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderFetch, err, fmt.Sprintf("fetch customer %s", id))
	}
	return FromStripeCustomer(cust), nil
}

func (c *stripeClient) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorateNow bool) error {
	current, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if current.ItemID == "" {
		return pkgerrors.New(pkgerrors.CodeProviderFetch, "subscription has no items")
	}

	behavior := prorationNone
	if prorateNow {
		behavior = prorationAlwaysInvoice
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.ItemID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String(behavior),
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update subscription price")
	}
	return nil
}

func (c *stripeClient) ScheduleCancellation(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "schedule cancellation")
	}
	return nil
}
