package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

const ledgerCleanupGraceDays = 30

type LedgerCleanupJobParams struct {
	Logger     *logger.Logger
	DB         db.TxRunner
	Repository ledgerCleanupRepo
	GraceDays  int
}

type ledgerCleanupRepo interface {
	DeleteExpiredBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// NewLedgerCleanupJob builds the job that prunes expired notification
// ledger rows. Rows without an expiry are permanent and never pruned.
func NewLedgerCleanupJob(params LedgerCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	grace := params.GraceDays
	if grace <= 0 {
		grace = ledgerCleanupGraceDays
	}
	return &ledgerCleanupJob{
		logg:  params.Logger,
		db:    params.DB,
		repo:  params.Repository,
		grace: grace,
		now:   time.Now,
	}, nil
}

type ledgerCleanupJob struct {
	logg  *logger.Logger
	db    db.TxRunner
	repo  ledgerCleanupRepo
	grace int
	now   func() time.Time
}

func (j *ledgerCleanupJob) Name() string { return "notification-ledger-cleanup" }

func (j *ledgerCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.grace) * 24 * time.Hour)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeleteExpiredBefore(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		deleted = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("notification ledger cleanup: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"grace_days":   j.grace,
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "notification ledger cleanup complete")
	return nil
}
