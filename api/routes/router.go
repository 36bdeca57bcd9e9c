package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/postcraft-billing/api/controllers"
	billingcontrollers "github.com/angelmondragon/postcraft-billing/api/controllers/billing"
	webhookcontrollers "github.com/angelmondragon/postcraft-billing/api/controllers/webhooks"
	"github.com/angelmondragon/postcraft-billing/api/middleware"
	"github.com/angelmondragon/postcraft-billing/internal/planchange"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/usage"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/redis"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Config *config.Config
	Logger *logger.Logger

	DB    controllers.Pinger
	Redis interface {
		controllers.Pinger
		redis.IdempotencyStore
		redis.RateLimiter
	}

	Catalog       *plans.Catalog
	Subscriptions billingcontrollers.SubscriptionReader
	Payments      billingcontrollers.PaymentsLister
	PlanChange    planchange.Service
	Usage         usage.Service
	Resync        billingcontrollers.ResyncService

	Webhook webhookcontrollers.StripeWebhookDeps

	// Metrics serves the prometheus scrape endpoint when set.
	Metrics http.Handler
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	resyncPolicy := middleware.NewRateLimitPolicy("resync", time.Minute, 5)
	mutationPolicy := middleware.NewRateLimitPolicy("plan_mutation", time.Minute, 10)
	usagePolicy := middleware.NewRateLimitPolicy("usage_record", time.Minute, 120)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"db":    deps.DB,
			"redis": deps.Redis,
		}))
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.Webhook))
	})

	r.Route("/api/v1/billing", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Get("/plans", billingcontrollers.PlansList(deps.Catalog, logg))

		r.Group(func(r chi.Router) {
			r.Use(
				middleware.Auth(cfg.JWT, logg),
				middleware.Idempotency(deps.Redis, logg),
			)

			r.Get("/subscription", billingcontrollers.SubscriptionDetail(deps.Subscriptions, deps.Catalog, logg))
			r.Get("/payments", billingcontrollers.PaymentHistory(deps.Payments, logg))
			r.Get("/usage", billingcontrollers.UsageSummary(deps.Usage, logg))
			r.Get("/usage/{metric}", billingcontrollers.UsageCheck(deps.Usage, logg))
			r.With(middleware.RateLimit(usagePolicy, deps.Redis, logg)).
				Post("/usage/{metric}", billingcontrollers.UsageRecord(deps.Usage, logg))

			r.With(middleware.RateLimit(resyncPolicy, deps.Redis, logg)).
				Post("/resync", billingcontrollers.Resync(deps.Subscriptions, deps.Resync, deps.Catalog, logg))
			r.With(middleware.RateLimit(mutationPolicy, deps.Redis, logg)).
				Post("/plan-change", billingcontrollers.PlanChange(deps.PlanChange, logg))
			r.With(middleware.RateLimit(mutationPolicy, deps.Redis, logg)).
				Post("/cancel", billingcontrollers.CancelSubscription(deps.PlanChange, logg))
		})
	})

	return r
}
