package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db/dbtest"
	"github.com/angelmondragon/postcraft-billing/pkg/migrate"
)

func TestVerifyMigratedSchema(t *testing.T) {
	require.NoError(t, migrate.Verify(context.Background(), dbtest.Open(t)))
}

func TestVerifyReportsEveryMissingTable(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:verify_empty?mode=memory"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = migrate.Verify(context.Background(), conn)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 7)
	require.Contains(t, err.Error(), "missing table notification_ledger")

	require.NoError(t, migrate.AutoMigrateModels(context.Background(), conn))
	require.NoError(t, migrate.Verify(context.Background(), conn))
}
