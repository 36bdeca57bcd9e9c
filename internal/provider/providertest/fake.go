// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/angelmondragon/postcraft-billing/internal/provider"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
)

// PriceUpdate is one recorded UpdateSubscriptionPrice call.
type PriceUpdate struct {
	SubscriptionID string
	PriceID        string
	ProrateNow     bool
}

// Client serves subscriptions, invoices and customers from maps and records
// every mutation.
type Client struct {
	mu            sync.Mutex
	Subscriptions map[string]*provider.Subscription
	Invoices      map[string]*provider.Invoice
	Customers     map[string]*provider.Customer

	// FetchErr, when set, fails every fetch.
	FetchErr error
	// Block, when set, makes fetches wait for ctx to end.
	Block bool
	// MutateErr, when set, fails every mutation.
	MutateErr error

	PriceUpdates  []PriceUpdate
	Cancellations []string
	Fetches       int
}

func New() *Client {
	return &Client{
		Subscriptions: map[string]*provider.Subscription{},
		Invoices:      map[string]*provider.Invoice{},
		Customers:     map[string]*provider.Customer{},
	}
}

func (c *Client) PutSubscription(sub *provider.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Subscriptions[sub.ID] = sub
}

func (c *Client) PutCustomer(cust *provider.Customer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Customers[cust.ID] = cust
}

func (c *Client) PutInvoice(inv *provider.Invoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Invoices[inv.ID] = inv
}

func (c *Client) fetch(ctx context.Context) error {
	c.mu.Lock()
	c.Fetches++
	block, err := c.Block, c.FetchErr
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return pkgerrors.Wrap(pkgerrors.CodeProviderFetch, ctx.Err(), "fetch")
	}
	return err
}

func (c *Client) GetSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.Subscriptions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeProviderFetch, "no such subscription: "+id)
	}
	cp := *sub
	return &cp, nil
}

func (c *Client) GetInvoice(ctx context.Context, id string) (*provider.Invoice, error) {
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.Invoices[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeProviderFetch, "no such invoice: "+id)
	}
	cp := *inv
	return &cp, nil
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*provider.Customer, error) {
	if err := c.fetch(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cust, ok := c.Customers[id]
	if !ok {
		return nil, nil
	}
	cp := *cust
	return &cp, nil
}

func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, priceID string, prorateNow bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MutateErr != nil {
		return c.MutateErr
	}
	c.PriceUpdates = append(c.PriceUpdates, PriceUpdate{SubscriptionID: subscriptionID, PriceID: priceID, ProrateNow: prorateNow})
	return nil
}

func (c *Client) ScheduleCancellation(ctx context.Context, subscriptionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MutateErr != nil {
		return c.MutateErr
	}
	c.Cancellations = append(c.Cancellations, subscriptionID)
	return nil
}
