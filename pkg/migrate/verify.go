package migrate

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/postcraft-billing/pkg/db/models"
)

// Verify checks that every billing table the services depend on exists.
// All missing tables are reported together.
func Verify(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db is required")
	}
	migrator := conn.WithContext(ctx).Migrator()
	var errs error
	for _, model := range models.All() {
		stmt := &gorm.Statement{DB: conn}
		if err := stmt.Parse(model); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("parse model %T: %w", model, err))
			continue
		}
		if !migrator.HasTable(stmt.Schema.Table) {
			errs = multierr.Append(errs, fmt.Errorf("missing table %s", stmt.Schema.Table))
		}
	}
	return errs
}

// AutoMigrateModels builds the schema from the models. Used for sqlite, which
// the postgres SQL migrations do not target.
func AutoMigrateModels(ctx context.Context, conn *gorm.DB) error {
	if err := conn.WithContext(ctx).AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}
