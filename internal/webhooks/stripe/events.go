package stripewebhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
)

// Event is one parsed provider event. The concrete type selects the branch.
type Event interface {
	Meta() Envelope
}

// Envelope carries the fields every event shares.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) Meta() Envelope { return e }

// CheckoutCompleted is checkout.session.completed.
type CheckoutCompleted struct {
	Envelope
	SessionID      string
	Mode           string
	UserHint       string
	CustomerID     string
	Customer       *provider.Customer
	Email          string
	SubscriptionID string
}

// SubscriptionChanged is customer.subscription.created or .updated.
type SubscriptionChanged struct {
	Envelope
	Subscription *provider.Subscription
}

// SubscriptionDeleted is customer.subscription.deleted.
type SubscriptionDeleted struct {
	Envelope
	Subscription *provider.Subscription
}

// InvoicePaid is invoice.paid.
type InvoicePaid struct {
	Envelope
	Invoice *provider.Invoice
}

// Unhandled is any event type the engine does not act on.
type Unhandled struct {
	Envelope
}

// Parse decodes a verified provider event into its typed form.
func Parse(event *stripe.Event) (Event, error) {
	if event == nil || event.Data == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	env := Envelope{ID: event.ID, Type: string(event.Type)}
	if event.Created > 0 {
		env.Created = time.Unix(event.Created, 0).UTC()
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode checkout session")
		}
		return parseCheckout(env, &session), nil

	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		sub, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionChanged{Envelope: env, Subscription: sub}, nil

	case stripe.EventTypeCustomerSubscriptionDeleted:
		sub, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionDeleted{Envelope: env, Subscription: sub}, nil

	case stripe.EventTypeInvoicePaid:
		inv, err := decodeInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return InvoicePaid{Envelope: env, Invoice: inv}, nil

	default:
		return Unhandled{Envelope: env}, nil
	}
}

func parseCheckout(env Envelope, session *stripe.CheckoutSession) CheckoutCompleted {
	out := CheckoutCompleted{
		Envelope:  env,
		SessionID: session.ID,
		Mode:      string(session.Mode),
		Email:     strings.TrimSpace(session.CustomerEmail),
	}

	hint := strings.TrimSpace(session.ClientReferenceID)
	if metaHint := identity.MetadataUserID(session.Metadata); metaHint != "" {
		hint = metaHint
	}
	out.UserHint = hint

	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		out.Email = strings.TrimSpace(session.CustomerDetails.Email)
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
		if session.Customer.Email != "" || len(session.Customer.Metadata) > 0 {
			out.Customer = provider.FromStripeCustomer(session.Customer)
		}
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	return out
}

func decodeSubscription(raw json.RawMessage) (*provider.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription")
	}
	if sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	return provider.FromStripeSubscription(&sub), nil
}

// legacyInvoice picks up the top-level subscription field older API versions
// still send, either as an id or an expanded object.
type legacyInvoice struct {
	Subscription json.RawMessage `json:"subscription"`
}

func decodeInvoice(raw json.RawMessage) (*provider.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice")
	}
	if inv.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id missing")
	}
	out := provider.FromStripeInvoice(&inv)
	if out.SubscriptionID == "" {
		var legacy legacyInvoice
		if err := json.Unmarshal(raw, &legacy); err == nil {
			out.SubscriptionID = expandableID(legacy.Subscription)
		}
	}
	return out, nil
}

func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
