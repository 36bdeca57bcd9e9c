package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/identity"
	"github.com/angelmondragon/postcraft-billing/internal/plans"
	"github.com/angelmondragon/postcraft-billing/internal/provider"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	"github.com/angelmondragon/postcraft-billing/internal/resync"
	"github.com/angelmondragon/postcraft-billing/internal/users"
	"github.com/angelmondragon/postcraft-billing/pkg/config"
	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
	pkgstripe "github.com/angelmondragon/postcraft-billing/pkg/stripe"
)

func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "resync"})

	_ = godotenv.Load()

	subscriptionID := flag.String("subscription", "", "provider subscription id to reconcile")
	userHint := flag.String("user", "", "optional user id hint for -subscription")
	sweep := flag.Bool("sweep", false, "drain open pending reconciliation markers")
	limit := flag.Int("limit", resync.DefaultBatch, "maximum markers per sweep")
	flag.Parse()

	if (*subscriptionID == "") == !*sweep {
		fmt.Fprintln(os.Stderr, "exactly one of -subscription or -sweep is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "resync",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithField(ctx, "env", cfg.App.Env)

	dbClient, err := db.New(ctx, cfg.DB, logg)
	requireResource(ctx, logg, "database", err)
	defer dbClient.Close()

	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
	requireResource(ctx, logg, "stripe", err)

	catalog, err := plans.NewCatalog(cfg.Prices, cfg.Billing.DefaultPlanID)
	requireResource(ctx, logg, "plan catalog", err)

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
	requireResource(ctx, logg, "reconcile service", err)

	svc, err := resync.NewService(reconciler, billing.NewPendingRepository(conn), logg)
	requireResource(ctx, logg, "resync service", err)

	if *subscriptionID != "" {
		res, err := svc.ReconcileOne(ctx, *subscriptionID, *userHint)
		if err != nil {
			logg.Error(ctx, "reconcile failed", err)
			os.Exit(1)
		}
		fmt.Printf("reconciled %s: user=%s plan=%s status=%s active=%t\n",
			*subscriptionID, res.UserID, res.PlanID, res.Status, res.Active)
		return
	}

	report, err := svc.Sweep(ctx, *limit)
	fmt.Printf("sweep: scanned=%d resolved=%d failed=%d\n", report.Scanned, report.Resolved, report.Failed)
	if err != nil {
		for _, e := range multierr.Errors(err) {
			fmt.Fprintln(os.Stderr, e)
		}
		os.Exit(1)
	}
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
