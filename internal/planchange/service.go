package planchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/notifications"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

type subscriptionReader interface {
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// Service records user-initiated plan changes. The local subscription row is
// never written here; the provider's webhooks bring the new state in.
type Service interface {
	Request(ctx context.Context, userID uuid.UUID, targetPlanID string, cycle enums.BillingCycle) (*Result, error)
	RequestCancel(ctx context.Context, userID uuid.UUID) error
}

// Result describes an accepted plan change.
type Result struct {
	Entry      *models.ChangeLogEntry
	ChangeType enums.PlanChangeType
	// EffectiveAt is nil for upgrades, which apply immediately.
	EffectiveAt *time.Time
}

type ServiceParams struct {
	Subscriptions subscriptionReader
	ChangeLog     billing.ChangeLogRepository
	Provider      provider.Mutator
	Catalog       *plans.Catalog
	Directory     users.Directory
	Gate          *notifications.Gate
	Notifier      notifications.Notifier
	Logger        *logger.Logger
}

type service struct {
	subs      subscriptionReader
	changelog billing.ChangeLogRepository
	provider  provider.Mutator
	catalog   *plans.Catalog
	directory users.Directory
	gate      *notifications.Gate
	notifier  notifications.Notifier
	logg      *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Subscriptions == nil {
		return nil, fmt.Errorf("subscription repo required")
	}
	if params.ChangeLog == nil {
		return nil, fmt.Errorf("change log repo required")
	}
	if params.Provider == nil {
		return nil, fmt.Errorf("provider client required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("plan catalog required")
	}
	if params.Directory == nil {
		return nil, fmt.Errorf("user directory required")
	}
	if params.Gate == nil || params.Notifier == nil {
		return nil, fmt.Errorf("notification gate required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{
		subs:      params.Subscriptions,
		changelog: params.ChangeLog,
		provider:  params.Provider,
		catalog:   params.Catalog,
		directory: params.Directory,
		gate:      params.Gate,
		notifier:  params.Notifier,
		logg:      logg,
	}, nil
}

// Request moves the user's paid subscription to targetPlanID. Upgrades are
// prorated and invoiced immediately; downgrades take effect at renewal and are
// confirmed by email right away.
func (s *service) Request(ctx context.Context, userID uuid.UUID, targetPlanID string, cycle enums.BillingCycle) (*Result, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if !cycle.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "billing cycle must be monthly or yearly")
	}
	target, ok := s.catalog.Get(strings.TrimSpace(targetPlanID))
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown plan")
	}
	if target.IsFree() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cancel the subscription to move to the free plan")
	}
	priceID := target.PriceIDFor(cycle)
	if priceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("plan %s is not offered %s", target.ID, cycle))
	}

	ctx = s.logg.WithUserID(ctx, userID.String())
	active, err := s.paidSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if active.PlanID == target.ID && active.BillingCycle == cycle {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "already on this plan")
	}

	changeType := classify(s.catalog, active, target, cycle)
	subID := *active.StripeSubscriptionID
	ctx = s.logg.WithSubscriptionID(ctx, subID)

	if err := s.provider.UpdateSubscriptionPrice(ctx, subID, priceID, changeType == enums.PlanChangeUpgrade); err != nil {
		return nil, asDependency(err, "update subscription price")
	}

	entry := &models.ChangeLogEntry{
		UserID:       userID,
		ChangeType:   changeType,
		OldPlanID:    active.PlanID,
		NewPlanID:    target.ID,
		BillingCycle: cycle,
	}
	if err := s.changelog.Append(ctx, entry); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "append plan change")
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"change_type": string(changeType),
		"old_plan":    entry.OldPlanID,
		"new_plan":    entry.NewPlanID,
	}), "plan change requested")

	res := &Result{Entry: entry, ChangeType: changeType}
	if changeType == enums.PlanChangeDowngrade {
		res.EffectiveAt = active.CurrentPeriodEnd
		s.confirmDowngrade(ctx, entry, active.CurrentPeriodEnd)
	}
	return res, nil
}

// RequestCancel schedules cancellation at period end. Repeating it while a
// cancellation is already scheduled is a no-op.
func (s *service) RequestCancel(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	ctx = s.logg.WithUserID(ctx, userID.String())
	active, err := s.paidSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if active.CancelAtPeriodEnd {
		s.logg.Info(ctx, "cancellation already scheduled")
		return nil
	}
	subID := *active.StripeSubscriptionID
	if err := s.provider.ScheduleCancellation(s.logg.WithSubscriptionID(ctx, subID), subID); err != nil {
		return asDependency(err, "schedule cancellation")
	}
	s.logg.Info(s.logg.WithSubscriptionID(ctx, subID), "cancellation scheduled at period end")
	return nil
}

func (s *service) paidSubscription(ctx context.Context, userID uuid.UUID) (*models.Subscription, error) {
	active, err := s.subs.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "load active subscription")
	}
	if active == nil || active.StripeSubscriptionID == nil || !active.Status.Entitled() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no paid subscription to change")
	}
	return active, nil
}

func (s *service) confirmDowngrade(ctx context.Context, entry *models.ChangeLogEntry, effective *time.Time) {
	user, err := s.directory.FindByID(ctx, entry.UserID)
	if err != nil {
		s.logg.Error(ctx, "recipient lookup failed", err)
		return
	}
	if user == nil || user.Email == "" {
		s.logg.Warn(ctx, "no email on file, downgrade confirmation skipped")
		return
	}
	to := notifications.Recipient{Email: user.Email, Name: user.DisplayName}
	change := notifications.PlanChange{
		OldPlanName:   s.catalog.MustGet(entry.OldPlanID).Name,
		NewPlanName:   s.catalog.MustGet(entry.NewPlanID).Name,
		EffectiveDate: effective,
	}
	_, _ = s.gate.SendOnce(ctx, notifications.CategoryPlanDowngraded, entry.ID.String(),
		notifications.Policy{FailMode: notifications.FailClosed},
		func(ctx context.Context) error {
			return s.notifier.SendPlanDowngraded(ctx, to, change)
		})
}

// classify orders plans by list price for the requested cycle. Within the
// same plan, moving to yearly is an upgrade.
func classify(catalog *plans.Catalog, active *models.Subscription, target plans.Plan, cycle enums.BillingCycle) enums.PlanChangeType {
	switch cmp := catalog.Compare(target.ID, active.PlanID); {
	case cmp > 0:
		return enums.PlanChangeUpgrade
	case cmp < 0:
		return enums.PlanChangeDowngrade
	}
	if cycle == enums.BillingCycleYearly {
		return enums.PlanChangeUpgrade
	}
	return enums.PlanChangeDowngrade
}

func asDependency(err error, msg string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
