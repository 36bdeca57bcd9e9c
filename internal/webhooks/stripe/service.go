package stripewebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/notifications"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
)

// Outcome is how an event was settled when no error is returned.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeIgnored   Outcome = "ignored"
)

// Pending marker reasons.
const (
	ReasonUnresolvedUser = "unresolved_user"
	ReasonEmailMatch     = "email_match"
	ReasonBudget         = "handler_budget_exceeded"
)

const (
	billingReasonSubscriptionCreate = "subscription_create"
	pendingWriteTimeout             = 2 * time.Second
)

// Reconciler is the write side the webhook branches drive.
type Reconciler interface {
	Reconcile(ctx context.Context, stripeSubscriptionID, userHint string) (*reconcile.Result, error)
	DowngradeToFree(ctx context.Context, sub *provider.Subscription, userHint string) (*reconcile.DowngradeResult, error)
	MarkCancellationNotified(ctx context.Context, stripeSubscriptionID string, at *time.Time) (bool, error)
}

type activeSubscriptionFinder interface {
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

type ServiceParams struct {
	Reconciler    Reconciler
	Identity      reconcile.IdentityResolver
	Subscriptions activeSubscriptionFinder
	Payments      billing.PaymentRepository
	ChangeLog     billing.ChangeLogRepository
	Pending       billing.PendingRepository
	Directory     users.Directory
	Catalog       *plans.Catalog
	Gate          *notifications.Gate
	Notifier      notifications.Notifier
	Metrics       *metrics.BillingMetrics
	Billing       config.BillingConfig
	Logger        *logger.Logger
}

// Service routes verified provider events to their branch. Every branch is
// idempotent on its own so redelivery is always safe.
type Service struct {
	reconciler Reconciler
	identity   reconcile.IdentityResolver
	subs       activeSubscriptionFinder
	payments   billing.PaymentRepository
	changelog  billing.ChangeLogRepository
	pending    billing.PendingRepository
	directory  users.Directory
	catalog    *plans.Catalog
	gate       *notifications.Gate
	notifier   notifications.Notifier
	metrics    *metrics.BillingMetrics
	cfg        config.BillingConfig
	logg       *logger.Logger
	now        func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Reconciler == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reconciler required")
	case params.Identity == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "identity resolver required")
	case params.Subscriptions == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription repo required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment repo required")
	case params.ChangeLog == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "change log repo required")
	case params.Pending == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pending repo required")
	case params.Directory == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "user directory required")
	case params.Catalog == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "plan catalog required")
	case params.Gate == nil || params.Notifier == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notification gate required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		reconciler: params.Reconciler,
		identity:   params.Identity,
		subs:       params.Subscriptions,
		payments:   params.Payments,
		changelog:  params.ChangeLog,
		pending:    params.Pending,
		directory:  params.Directory,
		catalog:    params.Catalog,
		gate:       params.Gate,
		notifier:   params.Notifier,
		metrics:    params.Metrics,
		cfg:        params.Billing,
		logg:       logg,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleEvent processes one verified event within the handler budget. When
// the budget runs out a subscription event is parked as a pending
// reconciliation and reported as deferred; invoice.paid returns the error so
// the provider redelivers it.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) (Outcome, error) {
	parsed, err := Parse(event)
	if err != nil {
		return "", err
	}
	meta := parsed.Meta()
	ctx = s.logg.WithEvent(ctx, meta.ID, meta.Type)

	budgetCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.HandlerBudget > 0 {
		budgetCtx, cancel = context.WithTimeout(ctx, s.cfg.HandlerBudget)
	}
	defer cancel()

	outcome, err := s.dispatch(budgetCtx, parsed)
	if err != nil && errors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		if subID := parkableSubscriptionID(parsed); subID != "" {
			if markErr := s.markPending(ctx, meta, subID, "", ReasonBudget); markErr != nil {
				s.logg.Error(ctx, "failed to persist pending reconciliation", markErr)
				return "", err
			}
			s.logg.Warn(s.logg.WithSubscriptionID(ctx, subID), "handler budget exceeded, reconciliation deferred")
			return OutcomeDeferred, nil
		}
	}
	return outcome, err
}

func (s *Service) dispatch(ctx context.Context, parsed Event) (Outcome, error) {
	switch ev := parsed.(type) {
	case CheckoutCompleted:
		return s.handleCheckout(ctx, ev)
	case SubscriptionChanged:
		return s.handleSubscriptionChanged(ctx, ev)
	case SubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, ev)
	case InvoicePaid:
		return s.handleInvoicePaid(ctx, ev)
	default:
		s.logg.Debug(ctx, "event type not handled")
		return OutcomeIgnored, nil
	}
}

func (s *Service) handleCheckout(ctx context.Context, ev CheckoutCompleted) (Outcome, error) {
	if ev.Mode != string(stripe.CheckoutSessionModeSubscription) || ev.SubscriptionID == "" {
		s.logg.Info(ctx, "checkout without subscription ignored")
		return OutcomeIgnored, nil
	}
	ctx = s.logg.WithSubscriptionID(ctx, ev.SubscriptionID)

	userID, source, err := s.identity.Resolve(ctx, identity.Hints{
		MetadataUserID:       ev.UserHint,
		StripeSubscriptionID: ev.SubscriptionID,
		StripeCustomerID:     ev.CustomerID,
		Customer:             ev.Customer,
		Email:                ev.Email,
	})
	if err != nil {
		if pkgerrors.IsUnresolvedUser(err) {
			return s.deferEvent(ctx, ev.Envelope, ev.SubscriptionID, "", ReasonUnresolvedUser)
		}
		return "", err
	}
	// A directory match by address is not bound to the provider yet. The row
	// is written by the next subscription event or the resync sweep.
	if source == identity.SourceEmail {
		return s.deferEvent(ctx, ev.Envelope, ev.SubscriptionID, userID.String(), ReasonEmailMatch)
	}

	res, err := s.reconciler.Reconcile(ctx, ev.SubscriptionID, userID.String())
	if err != nil {
		if pkgerrors.IsUnresolvedUser(err) {
			return s.deferEvent(ctx, ev.Envelope, ev.SubscriptionID, "", ReasonUnresolvedUser)
		}
		return "", err
	}
	ctx = s.logg.WithUserID(ctx, res.UserID.String())

	if res.Status == enums.SubscriptionStatusTrialing {
		if err := s.recordTrialStart(ctx, res, ev.SessionID); err != nil {
			return "", err
		}
	}
	s.logg.Info(ctx, "checkout reconciled")
	return OutcomeProcessed, nil
}

func (s *Service) handleSubscriptionChanged(ctx context.Context, ev SubscriptionChanged) (Outcome, error) {
	subID := ev.Subscription.ID
	ctx = s.logg.WithSubscriptionID(ctx, subID)

	res, err := s.reconciler.Reconcile(ctx, subID, "")
	if err != nil {
		if pkgerrors.IsUnresolvedUser(err) {
			return s.deferEvent(ctx, ev.Envelope, subID, "", ReasonUnresolvedUser)
		}
		return "", err
	}
	ctx = s.logg.WithUserID(ctx, res.UserID.String())

	if !res.Active {
		s.logg.Info(ctx, "subscription superseded, notifications skipped")
		return OutcomeProcessed, nil
	}

	current := res.Provider
	if current == nil {
		current = ev.Subscription
	}
	if res.Status.Entitled() && (current.CancelAtPeriodEnd || current.CancelAt != nil) {
		if err := s.notifyScheduledCancellation(ctx, res, current); err != nil {
			return "", err
		}
	}

	entry, err := s.changelog.FindRecent(ctx, res.UserID, s.now().Add(-s.cfg.UpdateChangeWindow))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "change log lookup")
	}
	if entry == nil {
		return OutcomeProcessed, nil
	}

	switch entry.ChangeType {
	case enums.PlanChangeUpgrade:
		// The delivered payload decides: the proration invoice may already be
		// paid by the time the subscription is fetched.
		if ev.Subscription.HasPendingInvoice() || current.HasPendingInvoice() {
			s.logg.Info(ctx, "upgrade email left to invoice.paid")
			s.metrics.IncNotification(notifications.CategoryPlanUpgraded, metrics.OutcomeSuppressed)
			break
		}
		s.sendPlanChange(ctx, res.UserID, entry, notifications.PlanChange{}, notifications.CategoryPlanUpgraded)
	case enums.PlanChangeDowngrade:
		s.sendPlanChange(ctx, res.UserID, entry, notifications.PlanChange{EffectiveDate: current.CurrentPeriodEnd}, notifications.CategoryPlanDowngraded)
	}
	return OutcomeProcessed, nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (Outcome, error) {
	ctx = s.logg.WithSubscriptionID(ctx, ev.Subscription.ID)

	out, err := s.reconciler.DowngradeToFree(ctx, ev.Subscription, "")
	if err != nil {
		if pkgerrors.IsUnresolvedUser(err) {
			// Nothing local to downgrade; a marker would resurrect the row.
			return s.deferEvent(ctx, ev.Envelope, "", "", ReasonUnresolvedUser)
		}
		return "", err
	}
	ctx = s.logg.WithUserID(ctx, out.UserID.String())

	if out.Skipped {
		s.logg.Info(ctx, "deleted subscription no longer owns the active row")
		return OutcomeProcessed, nil
	}
	if !out.Claimed {
		s.logg.Info(ctx, "cancellation already notified")
		s.metrics.IncNotification(notifications.CategoryCancellation, metrics.OutcomeSuppressed)
		return OutcomeProcessed, nil
	}

	var effective *time.Time
	if out.Row != nil {
		effective = out.Row.CanceledAt
	}
	s.sendCancellation(ctx, out.UserID, notifications.Cancellation{
		PlanName:      s.catalog.MustGet(out.PreviousPlanID).Name,
		EffectiveDate: effective,
	})
	return OutcomeProcessed, nil
}

func (s *Service) handleInvoicePaid(ctx context.Context, ev InvoicePaid) (Outcome, error) {
	inv := ev.Invoice
	ctx = s.logg.WithField(ctx, "invoice_id", inv.ID)
	if inv.SubscriptionID != "" {
		ctx = s.logg.WithSubscriptionID(ctx, inv.SubscriptionID)
	}

	userID, _, err := s.identity.Resolve(ctx, identity.Hints{
		MetadataUserID:       identity.MetadataUserID(inv.Metadata),
		StripeSubscriptionID: inv.SubscriptionID,
		StripeCustomerID:     inv.CustomerID,
	})
	if err != nil {
		if pkgerrors.IsUnresolvedUser(err) {
			return s.deferEvent(ctx, ev.Envelope, inv.SubscriptionID, "", ReasonUnresolvedUser)
		}
		return "", err
	}
	ctx = s.logg.WithUserID(ctx, userID.String())

	var credit int64
	if inv.StartingBalance < 0 {
		credit = -inv.StartingBalance
	}
	trialStart := inv.AmountPaid == 0 && inv.BillingReason == billingReasonSubscriptionCreate

	active, err := s.subs.FindActiveByUser(ctx, userID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "load active subscription")
	}
	if err := s.recordInvoicePayment(ctx, userID, active, inv, credit, trialStart); err != nil {
		return "", err
	}

	entry, err := s.changelog.FindRecent(ctx, userID, s.now().Add(-s.cfg.InvoiceChangeWindow))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "change log lookup")
	}

	switch {
	case entry != nil && entry.ChangeType == enums.PlanChangeUpgrade:
		amount := decimal.New(inv.AmountPaid, -2)
		change := notifications.PlanChange{Amount: &amount, Currency: inv.Currency}
		if credit > 0 {
			c := decimal.New(credit, -2)
			change.Credit = &c
		}
		s.sendPlanChange(ctx, userID, entry, change, notifications.CategoryPlanUpgraded)
	case entry != nil && entry.ChangeType == enums.PlanChangeDowngrade:
		s.logg.Info(ctx, "downgrade was confirmed at request time, no email")
	case trialStart:
		s.logg.Info(ctx, "trial start invoice, no receipt")
	default:
		s.sendReceipt(ctx, userID, active, inv)
	}
	return OutcomeProcessed, nil
}

func (s *Service) notifyScheduledCancellation(ctx context.Context, res *reconcile.Result, sub *provider.Subscription) error {
	claimed, err := s.reconciler.MarkCancellationNotified(ctx, sub.ID, sub.CanceledAt)
	if err != nil {
		return err
	}
	if !claimed {
		s.logg.Info(ctx, "cancellation already notified")
		s.metrics.IncNotification(notifications.CategoryCancellation, metrics.OutcomeSuppressed)
		return nil
	}
	effective := sub.CancelAt
	if effective == nil {
		effective = sub.CurrentPeriodEnd
	}
	s.sendCancellation(ctx, res.UserID, notifications.Cancellation{
		PlanName:      s.catalog.MustGet(res.PlanID).Name,
		EffectiveDate: effective,
	})
	return nil
}

// sendCancellation is not gated: the canceled_at claim already made this
// caller the only sender.
func (s *Service) sendCancellation(ctx context.Context, userID uuid.UUID, c notifications.Cancellation) {
	to, ok := s.recipient(ctx, userID)
	if !ok {
		return
	}
	if err := s.notifier.SendSubscriptionCancelled(ctx, to, c); err != nil {
		s.logg.Error(ctx, "cancellation email failed", err)
		s.metrics.IncNotification(notifications.CategoryCancellation, metrics.OutcomeFailed)
		return
	}
	s.metrics.IncNotification(notifications.CategoryCancellation, metrics.OutcomeSent)
}

func (s *Service) sendPlanChange(ctx context.Context, userID uuid.UUID, entry *models.ChangeLogEntry, change notifications.PlanChange, category string) {
	to, ok := s.recipient(ctx, userID)
	if !ok {
		return
	}
	change.OldPlanName = s.catalog.MustGet(entry.OldPlanID).Name
	change.NewPlanName = s.catalog.MustGet(entry.NewPlanID).Name

	_, _ = s.gate.SendOnce(ctx, category, entry.ID.String(), notifications.Policy{FailMode: notifications.FailClosed},
		func(ctx context.Context) error {
			if category == notifications.CategoryPlanDowngraded {
				return s.notifier.SendPlanDowngraded(ctx, to, change)
			}
			return s.notifier.SendPlanUpgraded(ctx, to, change)
		})
}

func (s *Service) sendReceipt(ctx context.Context, userID uuid.UUID, active *models.Subscription, inv *provider.Invoice) {
	to, ok := s.recipient(ctx, userID)
	if !ok {
		return
	}
	planName := s.catalog.Default().Name
	if active != nil {
		planName = s.catalog.MustGet(active.PlanID).Name
	}
	receipt := notifications.Receipt{
		PlanName:  planName,
		Amount:    decimal.New(inv.AmountPaid, -2),
		Currency:  inv.Currency,
		InvoiceID: inv.ID,
		PaidAt:    s.now(),
	}
	_, _ = s.gate.SendOnce(ctx, notifications.CategoryPaymentReceipt, inv.ID,
		notifications.Policy{Window: s.cfg.ReceiptDedupWindow, FailMode: notifications.FailClosed},
		func(ctx context.Context) error {
			return s.notifier.SendPaymentReceipt(ctx, to, receipt)
		})
}

func (s *Service) recipient(ctx context.Context, userID uuid.UUID) (notifications.Recipient, bool) {
	user, err := s.directory.FindByID(ctx, userID)
	if err != nil {
		s.logg.Error(ctx, "recipient lookup failed", err)
		return notifications.Recipient{}, false
	}
	if user == nil || user.Email == "" {
		s.logg.Warn(ctx, "no email on file, notification skipped")
		return notifications.Recipient{}, false
	}
	return notifications.Recipient{Email: user.Email, Name: user.DisplayName}, true
}

func (s *Service) recordTrialStart(ctx context.Context, res *reconcile.Result, sessionID string) error {
	existing, err := s.payments.FindRecent(ctx, res.UserID, enums.PaymentStatusTrial, s.now().Add(-s.cfg.TrialPaymentLookback))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "lookup trial payment")
	}
	if existing != nil {
		return nil
	}

	currency := "usd"
	if res.Provider != nil && res.Provider.Currency != "" {
		currency = res.Provider.Currency
	}
	record := &models.PaymentRecord{
		UserID:      res.UserID,
		AmountCents: 0,
		Currency:    currency,
		Status:      enums.PaymentStatusTrial,
		Description: fmt.Sprintf("%s trial started", s.catalog.MustGet(res.PlanID).Name),
		Metadata: encodeMetadata(map[string]any{
			"checkout_session_id":    sessionID,
			"stripe_subscription_id": res.Provider.ID,
		}),
	}
	if res.Row != nil {
		record.SubscriptionID = &res.Row.ID
	}
	if _, err := s.payments.Insert(ctx, record); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "insert trial payment")
	}
	return nil
}

func (s *Service) recordInvoicePayment(ctx context.Context, userID uuid.UUID, active *models.Subscription, inv *provider.Invoice, credit int64, trialStart bool) error {
	status := enums.PaymentStatusPaid
	if trialStart {
		status = enums.PaymentStatusTrial
		existing, err := s.payments.FindRecent(ctx, userID, enums.PaymentStatusTrial, s.now().Add(-s.cfg.TrialPaymentLookback))
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "lookup trial payment")
		}
		if existing != nil {
			return nil
		}
	}

	invoiceID := inv.ID
	record := &models.PaymentRecord{
		UserID:            userID,
		AmountCents:       inv.AmountPaid,
		Currency:          inv.Currency,
		Status:            status,
		ExternalInvoiceID: &invoiceID,
		Description:       describeInvoice(inv),
		Metadata: encodeMetadata(map[string]any{
			"billing_reason":         inv.BillingReason,
			"credit_applied_cents":   credit,
			"stripe_subscription_id": inv.SubscriptionID,
		}),
	}
	if active != nil && active.StripeSubscriptionID != nil && *active.StripeSubscriptionID == inv.SubscriptionID {
		record.SubscriptionID = &active.ID
	}

	inserted, err := s.payments.Insert(ctx, record)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "insert payment")
	}
	if !inserted {
		s.logg.Info(ctx, "payment already recorded")
	}
	return nil
}

func (s *Service) deferEvent(ctx context.Context, meta Envelope, subID, userHint, reason string) (Outcome, error) {
	s.logg.Info(s.logg.WithField(ctx, "reason", reason), "event deferred")
	if subID != "" {
		if err := s.markPending(ctx, meta, subID, userHint, reason); err != nil {
			s.logg.Error(ctx, "failed to persist pending reconciliation", err)
		}
	}
	return OutcomeDeferred, nil
}

// markPending writes with its own deadline so an exhausted handler budget
// does not also lose the marker.
func (s *Service) markPending(ctx context.Context, meta Envelope, subID, userHint, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pendingWriteTimeout)
	defer cancel()

	marker := &models.PendingReconciliation{
		StripeSubscriptionID: subID,
		EventID:              meta.ID,
		Reason:               reason,
	}
	if userHint != "" {
		marker.UserHint = &userHint
	}
	return s.pending.Mark(ctx, marker)
}

// parkableSubscriptionID returns the subscription a timed-out event can be
// parked on. invoice.paid is never parked: a sweep only reconciles the
// subscription, so its payment record and email depend on redelivery.
func parkableSubscriptionID(ev Event) string {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return e.SubscriptionID
	case SubscriptionChanged:
		return e.Subscription.ID
	default:
		return ""
	}
}

func describeInvoice(inv *provider.Invoice) string {
	switch inv.BillingReason {
	case billingReasonSubscriptionCreate:
		return "Subscription started"
	case "subscription_cycle":
		return "Subscription renewal"
	case "subscription_update":
		return "Plan change"
	default:
		return "Invoice payment"
	}
}

func encodeMetadata(fields map[string]any) json.RawMessage {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}
