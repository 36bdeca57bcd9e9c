package resync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/postcraft-billing/internal/billing"
	"github.com/angelmondragon/postcraft-billing/internal/reconcile"
	pkgerrors "github.com/angelmondragon/postcraft-billing/pkg/errors"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

// DefaultBatch bounds one sweep.
const DefaultBatch = 100

type Reconciler interface {
	Reconcile(ctx context.Context, stripeSubscriptionID, userHint string) (*reconcile.Result, error)
}

// Report summarizes a sweep.
type Report struct {
	Scanned  int
	Resolved int
	Failed   int
}

// Service replays reconciliation for subscriptions the webhook path could
// not finish.
type Service struct {
	reconciler Reconciler
	pending    billing.PendingRepository
	logg       *logger.Logger
	now        func() time.Time
}

func NewService(reconciler Reconciler, pending billing.PendingRepository, logg *logger.Logger) (*Service, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending repo required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Service{
		reconciler: reconciler,
		pending:    pending,
		logg:       logg,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// ReconcileOne re-derives the local row of a single provider subscription.
func (s *Service) ReconcileOne(ctx context.Context, stripeSubscriptionID, userHint string) (*reconcile.Result, error) {
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if stripeSubscriptionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	return s.reconciler.Reconcile(ctx, stripeSubscriptionID, strings.TrimSpace(userHint))
}

// Sweep drains up to limit open pending markers. Each marker is attempted
// once; failures are recorded on the marker and returned together.
func (s *Service) Sweep(ctx context.Context, limit int) (Report, error) {
	var report Report
	if limit <= 0 {
		limit = DefaultBatch
	}
	markers, err := s.pending.ListOpen(ctx, limit)
	if err != nil {
		return report, pkgerrors.Wrap(pkgerrors.CodeStoreWrite, err, "list pending reconciliations")
	}

	var errs error
	for _, marker := range markers {
		if err := ctx.Err(); err != nil {
			return report, multierr.Append(errs, err)
		}
		report.Scanned++

		hint := ""
		if marker.UserHint != nil {
			hint = *marker.UserHint
		}
		mctx := s.logg.WithFields(ctx, map[string]any{
			"subscription_id": marker.StripeSubscriptionID,
			"pending_id":      marker.ID.String(),
			"reason":          marker.Reason,
			"attempts":        marker.Attempts,
		})

		if _, err := s.reconciler.Reconcile(mctx, marker.StripeSubscriptionID, hint); err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", marker.StripeSubscriptionID, err))
			if recErr := s.pending.RecordFailure(mctx, marker.ID, err.Error()); recErr != nil {
				errs = multierr.Append(errs, recErr)
			}
			s.logg.Warn(mctx, "pending reconciliation failed")
			continue
		}

		if err := s.pending.Resolve(mctx, marker.ID, s.now()); err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("resolve marker %s: %w", marker.ID, err))
			continue
		}
		report.Resolved++
		s.logg.Info(mctx, "pending reconciliation resolved")
	}
	return report, errs
}
