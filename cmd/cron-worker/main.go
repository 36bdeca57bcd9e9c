package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/cron"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/notifications"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/resync"
	"github.com/angelmondragon/postcraft-billing/internal/usage"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	"github.com/angelmondragon/postcraft-billing/pkg/metrics"
	"github.com/angelmondragon/postcraft-billing/pkg/migrate"
	"github.com/angelmondragon/postcraft-billing/pkg/redis"
	pkgstripe "github.com/angelmondragon/postcraft-billing/pkg/stripe"
)

const lockKeyFormat = "postcraft:billing:cron:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "billing-cron"})

	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "billing-cron",
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
	cronMetrics := metrics.NewCronJobMetrics(reg)

	conn := dbClient.DB()
	subs := billing.NewSubscriptionRepository(conn)
	fetcher := provider.NewStripeClient(stripeClient)
	reconciler, err := reconcile.NewService(reconcile.ServiceParams{
		Tx:            dbClient,
		Subscriptions: subs,
		Fetcher:       fetcher,
		Prices:        plans.NewResolver(catalog, logg),
		Catalog:       catalog,
		Identity:      identity.NewResolver(subs, fetcher, users.NewRepository(conn), logg),
		Logger:        logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile service", err)
		os.Exit(1)
	}
	resyncSvc, err := resync.NewService(reconciler, billing.NewPendingRepository(conn), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create resync service", err)
		os.Exit(1)
	}

	sweepJob, err := cron.NewPendingSweepJob(cron.PendingSweepJobParams{
		Logger:  logg,
		Sweeper: resyncSvc,
		Limit:   cfg.Cron.SweepLimit,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create sweep job", err)
		os.Exit(1)
	}
	ledgerJob, err := cron.NewLedgerCleanupJob(cron.LedgerCleanupJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: notifications.NewLedgerRetention(),
		GraceDays:  cfg.Cron.LedgerGraceDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger cleanup job", err)
		os.Exit(1)
	}
	usageJob, err := cron.NewUsageRetentionJob(cron.UsageRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: usage.NewRetention(),
		Months:     cfg.Cron.UsageMonths,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create usage retention job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry, err := cron.NewRegistry(sweepJob, ledgerJob, usageJob)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"once": *once,
	})

	if *once {
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron cycle failed", err)
			os.Exit(1)
		}
		return
	}

	if cfg.Cron.MetricsPort != "" {
		metricsSrv := &http.Server{
			Addr:              ":" + cfg.Cron.MetricsPort,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logg.Error(ctx, "metrics server stopped", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	logg.Info(ctx, "starting billing cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
