package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db"
	"github.com/angelmondragon/postcraft-billing/pkg/logger"
)

const usageRetentionMonths = 13

type UsageRetentionJobParams struct {
	Logger     *logger.Logger
	DB         db.TxRunner
	Repository usageRetentionRepo
	Months     int
}

type usageRetentionRepo interface {
	DeletePeriodsBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// NewUsageRetentionJob builds the job that drops monthly usage counters
// older than the retention window.
func NewUsageRetentionJob(params UsageRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("usage repository required")
	}
	months := params.Months
	if months <= 0 {
		months = usageRetentionMonths
	}
	return &usageRetentionJob{
		logg:   params.Logger,
		db:     params.DB,
		repo:   params.Repository,
		months: months,
		now:    time.Now,
	}, nil
}

type usageRetentionJob struct {
	logg   *logger.Logger
	db     db.TxRunner
	repo   usageRetentionRepo
	months int
	now    func() time.Time
}

func (j *usageRetentionJob) Name() string { return "usage-retention" }

func (j *usageRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -j.months, 0)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeletePeriodsBefore(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		deleted = rows
		return nil
	})
	if err != nil {
		return fmt.Errorf("usage retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":           cutoff,
		"retention_months": j.months,
		"rows_deleted":     deleted,
	})
	j.logg.Info(logCtx, "usage retention cleanup complete")
	return nil
}
