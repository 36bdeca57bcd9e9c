package billing

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/postcraft-billing/api/responses"
	"github.com/angelmondragon/postcraft-billing/api/validators"
	"github.com/angelmondragon/postcraft-billing/internal/usage"
	"github.com/angelmondragon/postcraft-billing/pkg/enums"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// UsageSummary reports the caller's plan and every metered quota.
func UsageSummary(svc usage.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "usage service unavailable"))
			return
		}
		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		summary, err := svc.Summary(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, summary)
	}
}

// UsageCheck answers whether one more unit of a metric fits the plan.
func UsageCheck(svc usage.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "usage service unavailable"))
			return
		}
		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		metric, err := metricParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		decision, err := svc.Check(ctx, userID, metric)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, decision)
	}
}

type usageRecordRequest struct {
	Count int64 `json:"count" validate:"required,min=1,max=1000"`
}

// UsageRecord counts consumption that fits the plan and rejects the rest.
func UsageRecord(svc usage.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "usage service unavailable"))
			return
		}
		userID, err := resolveUserID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		metric, err := metricParam(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var payload usageRecordRequest
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		decision, err := svc.Consume(ctx, userID, metric, payload.Count)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !decision.Allowed {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "plan limit reached").WithDetails(map[string]any{
				"metric":    string(metric),
				"limit":     decision.Limit,
				"remaining": decision.Remaining,
			}))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func metricParam(r *http.Request) (enums.UsageMetric, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "metric"))
	metric, err := enums.ParseUsageMetric(raw)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown usage metric")
	}
	return metric, nil
}
