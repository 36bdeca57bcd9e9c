package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/postcraft-billing/api/responses"
	stripewebhook "github.com/angelmondragon/postcraft-billing/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
)

const maxWebhookBody = 1 << 20

type StripeWebhookService interface {
	HandleEvent(ctx context.Context, event *stripe.Event) (stripewebhook.Outcome, error)
}

type stripeWebhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

type stripeClient interface {
	SigningSecret() string
}

type opsAlerter interface {
	Raise(ctx context.Context, eventType, code, message string) bool
}

// StripeWebhookDeps collects the collaborators of the webhook endpoint.
// Alerter and Metrics are optional.
type StripeWebhookDeps struct {
	Service StripeWebhookService
	Client  stripeClient
	Guard   stripeWebhookGuard
	Alerter opsAlerter
	Metrics *metrics.BillingMetrics
	Logger  *logger.Logger
}

type webhookAck struct {
	Received  bool `json:"received"`
	Deferred  bool `json:"deferred"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// StripeWebhook handles Stripe subscription lifecycle events.
func StripeWebhook(deps StripeWebhookDeps) http.HandlerFunc {
	logg := deps.Logger
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		if deps.Service == nil || deps.Guard == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		secret := ""
		if deps.Client != nil {
			secret = strings.TrimSpace(deps.Client.SigningSecret())
		}
		if secret == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfig, "webhook signing secret not configured"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "stripe signature missing"))
			return
		}

		event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "verify signature"))
			return
		}
		eventType := string(event.Type)
		if logg != nil {
			ctx = logg.WithEvent(ctx, event.ID, eventType)
		}

		alreadyProcessed, err := deps.Guard.CheckAndMark(ctx, event.ID)
		if err != nil {
			// The branches are idempotent without the guard.
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "webhook idempotency guard unavailable")
			}
			alreadyProcessed = false
		}
		if alreadyProcessed {
			deps.Metrics.ObserveWebhook(eventType, "duplicate", time.Since(start))
			responses.WriteSuccess(w, webhookAck{Received: true, Duplicate: true})
			return
		}

		outcome, err := deps.Service.HandleEvent(ctx, &event)
		if err != nil {
			if delErr := deps.Guard.Delete(ctx, event.ID); delErr != nil && logg != nil {
				logg.Warn(logg.WithField(ctx, "error", delErr.Error()), "failed to release webhook idempotency key")
			}
			deps.Metrics.ObserveWebhook(eventType, "error", time.Since(start))
			code := pkgerrors.CodeOf(err)
			if pkgerrors.MetadataFor(code).HTTPStatus >= http.StatusInternalServerError && deps.Alerter != nil {
				deps.Alerter.Raise(ctx, eventType, string(code), err.Error())
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}

		deps.Metrics.ObserveWebhook(eventType, string(outcome), time.Since(start))
		if logg != nil {
			logg.Info(logg.WithField(ctx, "outcome", string(outcome)), "stripe event processed")
		}
		responses.WriteSuccess(w, webhookAck{
			Received: true,
			Deferred: outcome == stripewebhook.OutcomeDeferred,
		})
	}
}
