package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/postcraft-billing/api/controllers/webhooks"
	"github.com/angelmondragon/postcraft-billing/api/routes"
	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/notifications"
	"github.com/angelmondragon/postcraft-billing/internal/planchange"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/resync"
	"github.com/angelmondragon/postcraft-billing/internal/usage"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	stripewebhook "github.com/angelmondragon/postcraft-billing/internal/webhooks/stripe"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
	"github.com/angelmondragon/postcraft-billing/pkg/migrate"
	"github.com/angelmondragon/postcraft-billing/pkg/redis"
	pkgstripe "github.com/angelmondragon/postcraft-billing/pkg/stripe"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "billing-api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	catalog, err := plans.NewCatalog(cfg.Prices, cfg.Billing.DefaultPlanID)
	if err != nil {
		logg.Error(context.Background(), "failed to build plan catalog", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	billingMetrics := metrics.NewBillingMetrics(reg)

	conn := dbClient.DB()
	subs := billing.NewSubscriptionRepository(conn)
	payments := billing.NewPaymentRepository(conn)
	changeLog := billing.NewChangeLogRepository(conn)
	pending := billing.NewPendingRepository(conn)
	directory := users.NewRepository(conn)
	providerClient := provider.NewStripeClient(stripeClient)
	identityResolver := identity.NewResolver(subs, providerClient, directory, logg)

	reconciler, err := reconcile.NewService(reconcile.ServiceParams{
		Tx:            dbClient,
		Subscriptions: subs,
		Fetcher:       providerClient,
		Prices:        plans.NewResolver(catalog, logg),
		Catalog:       catalog,
		Identity:      identityResolver,
		Metrics:       billingMetrics,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}

	gate := notifications.NewGate(notifications.NewLedger(conn), billingMetrics, logg)
	notifier := buildNotifier(cfg.Postmark, logg)
	alerter := notifications.NewAlerter(gate, notifier, cfg.Billing.AlertDedupWindow)

	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Reconciler:    reconciler,
		Identity:      identityResolver,
		Subscriptions: subs,
		Payments:      payments,
		ChangeLog:     changeLog,
		Pending:       pending,
		Directory:     directory,
		Catalog:       catalog,
		Gate:          gate,
		Notifier:      notifier,
		Metrics:       billingMetrics,
		Billing:       cfg.Billing,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}
	guard, err := stripewebhook.NewIdempotencyGuard(redisClient, cfg.Billing.EventIdempotencyTTL, "stripe-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook idempotency guard", err)
		os.Exit(1)
	}

	planChangeService, err := planchange.NewService(planchange.ServiceParams{
		Subscriptions: subs,
		ChangeLog:     changeLog,
		Provider:      providerClient,
		Catalog:       catalog,
		Directory:     directory,
		Gate:          gate,
		Notifier:      notifier,
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create plan change service", err)
		os.Exit(1)
	}

	usageService, err := usage.NewService(usage.ServiceParams{
		Counters:      usage.NewCounterRepository(conn),
		Subscriptions: subs,
		Catalog:       catalog,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create usage service", err)
		os.Exit(1)
	}

	resyncService, err := resync.NewService(reconciler, pending, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create resync service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":         cfg.App.Env,
		"addr":        addr,
		"instance":    id,
		"stripe_mode": stripeClient.Environment(),
	})
	logg.Info(ctx, "starting billing api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Deps{
			Config:        cfg,
			Logger:        logg,
			DB:            dbClient,
			Redis:         redisClient,
			Catalog:       catalog,
			Subscriptions: subs,
			Payments:      payments,
			PlanChange:    planChangeService,
			Usage:         usageService,
			Resync:        resyncService,
			Webhook: webhooks.StripeWebhookDeps{
				Service: webhookService,
				Client:  stripeClient,
				Guard:   guard,
				Alerter: alerter,
				Metrics: billingMetrics,
				Logger:  logg,
			},
			Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
	logg.Info(ctx, "billing api server stopped")
}

// buildNotifier sends through Postmark when both tokens are configured and
// falls back to logging otherwise.
func buildNotifier(cfg config.PostmarkConfig, logg *logger.Logger) notifications.Notifier {
	if !cfg.Enabled() {
		logg.Warn(context.Background(), "postmark not configured, notifications will be logged only")
		return notifications.NewLogNotifier(logg)
	}
	notifier, err := notifications.NewPostmarkNotifier(cfg)
	if err != nil {
		logg.Error(context.Background(), "failed to create postmark notifier", err)
		os.Exit(1)
	}
	return notifier
}
