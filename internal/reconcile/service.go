// Package reconcile owns every write to the subscription store. It fetches the
// provider's current view of a subscription and overwrites the local row to
// match, superseding any other active row of the same user.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
)

// IdentityResolver maps event hints to a user.
type IdentityResolver interface {
	Resolve(ctx context.Context, h identity.Hints) (uuid.UUID, identity.Source, error)
}

// Result describes the row a reconciliation wrote.
type Result struct {
	UserID         uuid.UUID
	PlanID         string
	PreviousPlanID string
	Status         enums.SubscriptionStatus
	Cycle          enums.BillingCycle
	Active         bool
	Superseded     int64
	Row            *models.Subscription
	Provider       *provider.Subscription
}

// DowngradeResult describes the outcome of a deletion downgrade.
type DowngradeResult struct {
	UserID uuid.UUID
	// PreviousPlanID is the plan the user held before the downgrade.
	PreviousPlanID string
	// Skipped is set when the deleted subscription no longer owns the user's
	// active row.
	Skipped bool
	// Claimed is set when this call stamped canceled_at. Only the claimant
	// sends the cancellation email.
	Claimed bool
	Row     *models.Subscription
}

// Service is the reconciliation service.
type Service struct {
	tx       db.TxRunner
	subs     billing.SubscriptionRepository
	fetcher  provider.Fetcher
	prices   *plans.Resolver
	catalog  *plans.Catalog
	identity IdentityResolver
	metrics  *metrics.BillingMetrics
	logg     *logger.Logger
	now      func() time.Time
}

// ServiceParams wires the reconciliation service.
type ServiceParams struct {
	Tx            db.TxRunner
	Subscriptions billing.SubscriptionRepository
	Fetcher       provider.Fetcher
	Prices        *plans.Resolver
	Catalog       *plans.Catalog
	Identity      IdentityResolver
	Metrics       *metrics.BillingMetrics
	Logger        *logger.Logger
}

func NewService(p ServiceParams) (*Service, error) {
	switch {
	case p.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	case p.Subscriptions == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "subscription repository required")
	case p.Fetcher == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "provider fetcher required")
	case p.Prices == nil || p.Catalog == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "plan catalog required")
	case p.Identity == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "identity resolver required")
	}
	logg := p.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		tx:       p.Tx,
		subs:     p.Subscriptions,
		fetcher:  p.Fetcher,
		prices:   p.Prices,
		catalog:  p.Catalog,
		identity: p.Identity,
		metrics:  p.Metrics,
		logg:     logg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Reconcile fetches stripeSubscriptionID from the provider and writes it.
// userHint, when set, takes priority over every other identity source.
func (s *Service) Reconcile(ctx context.Context, stripeSubscriptionID, userHint string) (*Result, error) {
	ctx = s.logg.WithSubscriptionID(ctx, stripeSubscriptionID)
	sub, err := s.fetcher.GetSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		s.metrics.IncReconciliation(metrics.OutcomeFailed)
		return nil, err
	}
	return s.Apply(ctx, sub, userHint)
}

// Apply writes an already-fetched provider subscription.
func (s *Service) Apply(ctx context.Context, sub *provider.Subscription, userHint string) (*Result, error) {
	if sub == nil || sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider subscription required")
	}

	userID, err := s.resolveUser(ctx, sub, userHint)
	if err != nil {
		s.recordOutcome(err)
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	resolution := s.prices.Resolve(ctx, plans.PriceRef{PriceID: sub.PriceID, UnitAmount: sub.UnitAmount, Interval: sub.Interval})
	status, ok := enums.NormalizeSubscriptionStatus(sub.Status)
	if !ok {
		s.logg.Warn(s.logg.WithField(ctx, "provider_status", sub.Status), "unknown provider status, treating as past_due")
		status = enums.SubscriptionStatusPastDue
	}

	result := &Result{
		UserID:   userID,
		PlanID:   resolution.PlanID,
		Status:   status,
		Cycle:    resolution.Cycle,
		Provider: sub,
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		subs := s.subs.WithTx(tx)

		existing, err := subs.FindByStripeID(ctx, sub.ID)
		if err != nil {
			return err
		}

		active := true
		var replacedBy *string
		switch {
		case existing != nil && (!existing.IsActive || existing.ReplacedBy != nil):
			active = false
			replacedBy = existing.ReplacedBy
		case existing == nil && !status.Entitled():
			current, err := subs.FindActiveByUser(ctx, userID)
			if err != nil {
				return err
			}
			if current != nil {
				active = false
				replacedBy = current.StripeSubscriptionID
			}
		}

		if active {
			keepID := uuid.Nil
			if existing != nil {
				keepID = existing.ID
				result.PreviousPlanID = existing.PlanID
			} else if current, err := subs.FindActiveByUser(ctx, userID); err != nil {
				return err
			} else if current != nil {
				result.PreviousPlanID = current.PlanID
			}
			superseded, err := subs.DeactivateOthers(ctx, userID, keepID, sub.ID)
			if err != nil {
				return err
			}
			result.Superseded = superseded
		} else if existing != nil {
			result.PreviousPlanID = existing.PlanID
		}

		row := existing
		if row == nil {
			row = &models.Subscription{}
		}
		s.applyState(row, sub, userID, resolution, status)
		row.IsActive = active
		row.ReplacedBy = replacedBy

		if existing != nil {
			if err := subs.Save(ctx, row); err != nil {
				return err
			}
		} else if err := subs.UpsertByStripeID(ctx, row); err != nil {
			return err
		}
		if status.Entitled() && !sub.CancelAtPeriodEnd && sub.CancelAt == nil {
			if _, err := subs.ClearCanceledAt(ctx, sub.ID); err != nil {
				return err
			}
		}
		stored, err := subs.FindByStripeID(ctx, sub.ID)
		if err != nil {
			return err
		}
		result.Row = stored
		return nil
	})
	if err != nil {
		s.metrics.IncReconciliation(metrics.OutcomeFailed)
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "write subscription")
	}
	result.Active = result.Row != nil && result.Row.IsActive

	s.metrics.IncReconciliation(metrics.OutcomeSucceeded)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"plan_id":    result.PlanID,
		"status":     string(result.Status),
		"active":     result.Active,
		"superseded": result.Superseded,
		"plan_match": string(resolution.Match),
	}), "subscription reconciled")
	return result, nil
}

// DowngradeToFree moves the user owning sub onto the free plan. The row stays
// active and loses its provider subscription id.
func (s *Service) DowngradeToFree(ctx context.Context, sub *provider.Subscription, userHint string) (*DowngradeResult, error) {
	if sub == nil || sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider subscription required")
	}
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID)

	userID, err := s.resolveUser(ctx, sub, userHint)
	if err != nil {
		s.recordOutcome(err)
		return nil, err
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	free := s.catalog.Free()
	out := &DowngradeResult{UserID: userID}
	now := s.now()

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		subs := s.subs.WithTx(tx)

		row, err := subs.FindByStripeID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if row != nil && !row.IsActive {
			out.Skipped = true
			out.Row = row
			return nil
		}
		if row == nil {
			current, err := subs.FindActiveByUser(ctx, userID)
			if err != nil {
				return err
			}
			if current != nil && current.StripeSubscriptionID != nil {
				out.Skipped = true
				out.Row = current
				return nil
			}
			if current == nil {
				current = &models.Subscription{UserID: userID, IsActive: true}
			}
			row = current
		}

		out.PreviousPlanID = row.PlanID
		row.UserID = userID
		row.PlanID = free.ID
		row.Status = enums.SubscriptionStatusCanceled
		row.BillingCycle = enums.BillingCycleMonthly
		row.StripeSubscriptionID = nil
		row.PriceID = nil
		row.CancelAt = nil
		row.CancelAtPeriodEnd = false
		row.TrialEnd = nil
		row.IsActive = true
		row.ReplacedBy = nil
		if sub.CustomerID != "" {
			customerID := sub.CustomerID
			row.StripeCustomerID = &customerID
		}
		out.Row = row
		if err := subs.Save(ctx, row); err != nil {
			return err
		}

		at := now
		if sub.CanceledAt != nil {
			at = sub.CanceledAt.UTC()
		}
		claimed, err := subs.StampCanceledAtByID(ctx, row.ID, at)
		if err != nil {
			return err
		}
		out.Claimed = claimed
		if claimed {
			row.CanceledAt = &at
		}
		return nil
	})
	if err != nil {
		s.metrics.IncReconciliation(metrics.OutcomeFailed)
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "downgrade subscription")
	}

	s.metrics.IncReconciliation(metrics.OutcomeSucceeded)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"skipped":       out.Skipped,
		"claimed":       out.Claimed,
		"previous_plan": out.PreviousPlanID,
	}), "subscription downgraded to free plan")
	return out, nil
}

// MarkCancellationNotified stamps canceled_at on the row of
// stripeSubscriptionID when it is still empty. Only the caller that gets true
// back may send the cancellation notice.
func (s *Service) MarkCancellationNotified(ctx context.Context, stripeSubscriptionID string, at *time.Time) (bool, error) {
	stamp := s.now()
	if at != nil {
		stamp = at.UTC()
	}
	claimed, err := s.subs.StampCanceledAt(ctx, stripeSubscriptionID, stamp)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "stamp canceled_at")
	}
	return claimed, nil
}

func (s *Service) resolveUser(ctx context.Context, sub *provider.Subscription, userHint string) (uuid.UUID, error) {
	hint := userHint
	if hint == "" {
		hint = identity.MetadataUserID(sub.Metadata)
	}
	hints := identity.Hints{
		MetadataUserID:       hint,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     sub.CustomerID,
		Customer:             sub.Customer,
	}
	userID, _, err := s.identity.Resolve(ctx, hints)
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

// applyState copies the provider's view onto row. canceled_at is left to the
// conditional stamp and clear writes.
func (s *Service) applyState(row *models.Subscription, sub *provider.Subscription, userID uuid.UUID, resolution plans.Resolution, status enums.SubscriptionStatus) {
	row.UserID = userID
	row.PlanID = resolution.PlanID
	row.BillingCycle = resolution.Cycle
	row.Status = status
	row.StripeSubscriptionID = strPtr(sub.ID)
	row.StripeCustomerID = strPtr(sub.CustomerID)
	row.PriceID = strPtr(sub.PriceID)
	row.CurrentPeriodStart = sub.CurrentPeriodStart
	row.CurrentPeriodEnd = sub.CurrentPeriodEnd
	row.TrialEnd = sub.TrialEnd
	row.CancelAt = sub.CancelAt
	row.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
}

func (s *Service) recordOutcome(err error) {
	if errors.Is(err, pkgerrors.ErrUnresolvedUser) {
		s.metrics.IncReconciliation(metrics.OutcomeDeferred)
		return
	}
	s.metrics.IncReconciliation(metrics.OutcomeFailed)
}

func strPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
