package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/postcraft-billing/pkg/db/dbtest"
	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

func TestLedgerRecordThenSuppress(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(dbtest.Open(t))

	ok, err := ledger.ShouldSend(ctx, CategoryPaymentReceipt, "in_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ledger.Record(ctx, CategoryPaymentReceipt, "in_1", 0))

	ok, err = ledger.ShouldSend(ctx, CategoryPaymentReceipt, "in_1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = ledger.ShouldSend(ctx, CategoryPlanUpgraded, "in_1")
	require.NoError(t, err)
	require.True(t, ok, "categories are independent")
}

func TestLedgerWindowExpires(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	ledger := NewLedger(conn).(*gormLedger)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	require.NoError(t, ledger.Record(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", 24*time.Hour))

	ledger.now = func() time.Time { return start.Add(23 * time.Hour) }
	ok, err := ledger.ShouldSend(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED")
	require.NoError(t, err)
	require.False(t, ok)

	ledger.now = func() time.Time { return start.Add(25 * time.Hour) }
	ok, err = ledger.ShouldSend(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ledger.Record(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", 24*time.Hour))

	var count int64
	require.NoError(t, conn.Model(&models.AlertRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count, "re-recording updates the existing row")

	ok, err = ledger.ShouldSend(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerRetentionKeepsPermanentRows(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.Open(t)
	ledger := NewLedger(conn).(*gormLedger)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	require.NoError(t, ledger.Record(ctx, CategoryPaymentReceipt, "in_1", 0))
	require.NoError(t, ledger.Record(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", time.Hour))
	require.NoError(t, ledger.Record(ctx, CategoryOpsAlert, "checkout.session.completed:STORE_WRITE_FAILED", 90*24*time.Hour))

	deleted, err := NewLedgerRetention().DeleteExpiredBefore(ctx, conn, start.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	ok, err := ledger.ShouldSend(ctx, CategoryPaymentReceipt, "in_1")
	require.NoError(t, err)
	require.False(t, ok, "permanent rows survive retention")
}

func TestLedgerClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(dbtest.Open(t))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Claim(ctx, CategoryPlanUpgraded, "change_1", 0)
			if err == nil && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins)

	ok, err := ledger.ShouldSend(ctx, CategoryPlanUpgraded, "change_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerClaimTakesOverClosedWindow(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(dbtest.Open(t)).(*gormLedger)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return start }
	ok, err := ledger.Claim(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", 24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	ledger.now = func() time.Time { return start.Add(time.Hour) }
	ok, err = ledger.Claim(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", 24*time.Hour)
	require.NoError(t, err)
	require.False(t, ok)

	ledger.now = func() time.Time { return start.Add(25 * time.Hour) }
	ok, err = ledger.Claim(ctx, CategoryOpsAlert, "invoice.paid:STORE_WRITE_FAILED", 24*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerReleaseAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(dbtest.Open(t))

	ok, err := ledger.Claim(ctx, CategoryPaymentReceipt, "in_1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, ledger.Release(ctx, CategoryPaymentReceipt, "in_1"))

	ok, err = ledger.Claim(ctx, CategoryPaymentReceipt, "in_1", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGateSendsOnceUnderConcurrentCallers(t *testing.T) {
	gate := NewGate(NewLedger(dbtest.Open(t)), nil, nil)

	var sends int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gate.SendOnce(context.Background(), CategoryPlanUpgraded, "change_1", Policy{FailMode: FailClosed},
				func(context.Context) error {
					atomic.AddInt32(&sends, 1)
					return nil
				})
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), sends)
}
