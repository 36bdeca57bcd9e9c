package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/postcraft-billing/internal/resync"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

const defaultSweepLimit = 250

// PendingSweepJobParams configures the pending reconciliation sweep.
type PendingSweepJobParams struct {
	Logger  *logger.Logger
	Sweeper pendingSweeper
	Limit   int
}

type pendingSweeper interface {
	Sweep(ctx context.Context, limit int) (resync.Report, error)
}

// NewPendingSweepJob builds the job that replays subscriptions the webhook
// path deferred.
func NewPendingSweepJob(params PendingSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("resync sweeper required")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &pendingSweepJob{
		logg:    params.Logger,
		sweeper: params.Sweeper,
		limit:   limit,
	}, nil
}

type pendingSweepJob struct {
	logg    *logger.Logger
	sweeper pendingSweeper
	limit   int
}

func (j *pendingSweepJob) Name() string { return "pending-reconcile-sweep" }

func (j *pendingSweepJob) Run(ctx context.Context) error {
	report, err := j.sweeper.Sweep(ctx, j.limit)
	reportCtx := j.logg.WithFields(ctx, map[string]any{
		"limit":    j.limit,
		"scanned":  report.Scanned,
		"resolved": report.Resolved,
		"failed":   report.Failed,
	})
	if err != nil {
		return fmt.Errorf("pending sweep: %w", err)
	}
	j.logg.Info(reportCtx, "pending reconcile sweep complete")
	return nil
}
