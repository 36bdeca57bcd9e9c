package identity

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// MetadataKeys are the metadata fields that may carry our user id, in
// lookup order.
var MetadataKeys = []string{"user_id", "supabase_user_id"}

// pendingUserID is what checkout sessions carry before the account exists.
const pendingUserID = "pending"

// Source names the tier that produced a user id.
type Source string

const (
	SourceMetadata         Source = "metadata"
	SourceStore            Source = "store"
	SourceCustomerMetadata Source = "customer_metadata"
	SourceEmail            Source = "email"
)

// Hints is everything an event offers about its owner. Email is only set by
// callers that accept a directory match by address.
type Hints struct {
	MetadataUserID       string
	StripeSubscriptionID string
	StripeCustomerID     string
	Customer             *provider.Customer
	Email                string
}

// SubscriptionLookup is the slice of the subscription store the resolver reads.
type SubscriptionLookup interface {
	FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
}

// CustomerFetcher loads provider customers.
type CustomerFetcher interface {
	GetCustomer(ctx context.Context, id string) (*provider.Customer, error)
}

// Resolver maps event hints onto a local user id.
type Resolver struct {
	subs      SubscriptionLookup
	customers CustomerFetcher
	directory users.Directory
	logg      *logger.Logger
}

func NewResolver(subs SubscriptionLookup, customers CustomerFetcher, directory users.Directory, logg *logger.Logger) *Resolver {
	return &Resolver{subs: subs, customers: customers, directory: directory, logg: logg}
}

// Resolve walks metadata, then the subscription store, then provider
// customer metadata, then Hints.Email. It returns an error wrapping
// pkgerrors.ErrUnresolvedUser when every tier comes up empty.
func (r *Resolver) Resolve(ctx context.Context, h Hints) (uuid.UUID, Source, error) {
	if id, ok, err := r.existingUser(ctx, h.MetadataUserID); err != nil {
		return uuid.Nil, "", err
	} else if ok {
		return id, SourceMetadata, nil
	}

	if h.StripeSubscriptionID != "" && r.subs != nil {
		sub, err := r.subs.FindByStripeID(ctx, h.StripeSubscriptionID)
		if err != nil {
			return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "lookup subscription owner")
		}
		if sub != nil {
			return sub.UserID, SourceStore, nil
		}
	}

	cust := h.Customer
	if cust == nil && h.StripeCustomerID != "" && r.customers != nil {
		fetched, err := r.customers.GetCustomer(ctx, h.StripeCustomerID)
		if err != nil {
			return uuid.Nil, "", err
		}
		cust = fetched
	}
	if cust != nil {
		for _, key := range MetadataKeys {
			if id, ok, err := r.existingUser(ctx, cust.Metadata[key]); err != nil {
				return uuid.Nil, "", err
			} else if ok {
				return id, SourceCustomerMetadata, nil
			}
		}
	}

	if strings.TrimSpace(h.Email) != "" && r.directory != nil {
		user, err := r.directory.FindByEmail(ctx, h.Email)
		if err != nil {
			return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "lookup user by email")
		}
		if user != nil {
			return user.ID, SourceEmail, nil
		}
	}

	if r.logg != nil {
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"stripe_subscription_id": h.StripeSubscriptionID,
			"stripe_customer_id":     h.StripeCustomerID,
		}), "user could not be resolved")
	}
	return uuid.Nil, "", pkgerrors.Wrap(pkgerrors.CodeUnresolvedUser, pkgerrors.ErrUnresolvedUser, "no identity tier matched")
}

// MetadataUserID returns the first usable user id among the known metadata
// keys.
func MetadataUserID(metadata map[string]string) string {
	for _, key := range MetadataKeys {
		if v := strings.TrimSpace(metadata[key]); v != "" && v != pendingUserID {
			return v
		}
	}
	return ""
}

// existingUser accepts raw only when it is a uuid of a user in the directory.
func (r *Resolver) existingUser(ctx context.Context, raw string) (uuid.UUID, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == pendingUserID {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, nil
	}
	if r.directory == nil {
		return id, true, nil
	}
	user, err := r.directory.FindByID(ctx, id)
	if err != nil {
		return uuid.Nil, false, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "lookup user by id")
	}
	return id, user != nil, nil
}
