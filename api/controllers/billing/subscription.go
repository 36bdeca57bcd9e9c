package billing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/postcraft-billing/api/responses"
	"github.com/angelmondragon/postcraft-billing/api/validators"
	"github.com/angelmondragon/postcraft-billing/internal/planchange"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// SubscriptionReader loads the caller's active subscription row.
type SubscriptionReader interface {
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*models.Subscription, error)
}

// ResyncService pulls a subscription from the provider and reconciles it.
type ResyncService interface {
	ReconcileOne(ctx context.Context, stripeSubscriptionID, userHint string) (*reconcile.Result, error)
}

type subscriptionResponse struct {
	PlanID            string     `json:"plan_id"`
	PlanName          string     `json:"plan_name"`
	Status            string     `json:"status"`
	BillingCycle      string     `json:"billing_cycle"`
	Entitled          bool       `json:"entitled"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	TrialEnd          *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CancelAt          *time.Time `json:"cancel_at,omitempty"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`
	Managed           bool       `json:"managed"`
}

// SubscriptionDetail returns the caller's current plan. Users without a row
// are reported on the free plan.
func SubscriptionDetail(subs SubscriptionReader, catalog *plans.Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if subs == nil || catalog == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "subscription service unavailable"))
			return
		}

		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, err := subs.FindActiveByUser(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription"))
			return
		}

		responses.WriteSuccess(w, toSubscriptionResponse(row, catalog))
	}
}

func toSubscriptionResponse(row *models.Subscription, catalog *plans.Catalog) subscriptionResponse {
	if row == nil {
		free := catalog.Free()
		return subscriptionResponse{
			PlanID:       free.ID,
			PlanName:     free.Name,
			Status:       string(enums.SubscriptionStatusActive),
			BillingCycle: string(enums.BillingCycleMonthly),
		}
	}
	name := row.PlanID
	if p, ok := catalog.Get(row.PlanID); ok {
		name = p.Name
	}
	return subscriptionResponse{
		PlanID:            row.PlanID,
		PlanName:          name,
		Status:            string(row.Status),
		BillingCycle:      string(row.BillingCycle),
		Entitled:          row.Status.Entitled(),
		CurrentPeriodEnd:  row.CurrentPeriodEnd,
		TrialEnd:          row.TrialEnd,
		CancelAtPeriodEnd: row.CancelAtPeriodEnd,
		CancelAt:          row.CancelAt,
		CanceledAt:        row.CanceledAt,
		Managed:           row.StripeSubscriptionID != nil,
	}
}

type planChangeRequest struct {
	PlanID       string `json:"plan_id" validate:"required,plan_slug"`
	BillingCycle string `json:"billing_cycle" validate:"required,billing_cycle"`
}

type planChangeResponse struct {
	ChangeID    string     `json:"change_id"`
	ChangeType  string     `json:"change_type"`
	FromPlanID  string     `json:"from_plan_id"`
	ToPlanID    string     `json:"to_plan_id"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// PlanChange moves the caller's paid subscription to another plan or cycle.
func PlanChange(svc planchange.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan change service unavailable"))
			return
		}

		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var payload planChangeRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cycle, err := enums.ParseBillingCycle(strings.TrimSpace(payload.BillingCycle))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid billing_cycle"))
			return
		}

		result, err := svc.Request(ctx, userID, validators.SanitizeString(payload.PlanID, 64), cycle)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, planChangeResponse{
			ChangeID:    result.Entry.ID.String(),
			ChangeType:  string(result.ChangeType),
			FromPlanID:  result.Entry.OldPlanID,
			ToPlanID:    result.Entry.NewPlanID,
			EffectiveAt: result.EffectiveAt,
		})
	}
}

// CancelSubscription schedules cancellation at the end of the current period.
// The local row changes when the provider's update event arrives.
func CancelSubscription(svc planchange.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "plan change service unavailable"))
			return
		}

		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if err := svc.RequestCancel(ctx, userID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]bool{"cancel_at_period_end": true})
	}
}

// Resync reconciles the caller's subscription against the provider on demand.
func Resync(subs SubscriptionReader, svc ResyncService, catalog *plans.Catalog, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if subs == nil || svc == nil || catalog == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "resync service unavailable"))
			return
		}

		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		row, err := subs.FindActiveByUser(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load subscription"))
			return
		}
		if row == nil || row.StripeSubscriptionID == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "no provider subscription to resync"))
			return
		}

		result, err := svc.ReconcileOne(ctx, *row.StripeSubscriptionID, userID.String())
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSubscriptionResponse(result.Row, catalog))
	}
}
