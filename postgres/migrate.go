package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"

	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const migrationsTable = "outbox_relay_schema_migrations"

// ErrUnknownLayout is returned for a layout with no embedded migrations.
var ErrUnknownLayout = errors.New("no migrations for outbox layout")

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded migrations for layout ("payload" or
// "labeled") to db. An up-to-date database is not an error.
func Migrate(ctx context.Context, db *sql.DB, layout string, logger log.Logger) error {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dir := "migrations/" + layout
	if _, err := migrationsFS.ReadDir(dir); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownLayout, layout)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		MigrationsTable:       migrationsTable,
		MultiStatementEnabled: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found", log.String("layout", layout))
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found", log.String("layout", layout))
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration left a dirty version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "outbox migrations applied", log.String("layout", layout))

	return nil
}
