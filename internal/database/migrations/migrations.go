// Package migrations applies the embedded SQL migrations with golang-migrate.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"

	"ms-ticket-commerce/internal/logger"
)

//go:embed sql/*.sql
var files embed.FS

// SchemaVersion is the last migration that only changes structure. Later
// versions insert seed data.
const SchemaVersion uint = 1

type Options struct {
	// SeedData also applies the seed migrations.
	SeedData bool
}

// Runner handles database migrations
type Runner struct {
	db       *bun.DB
	options  Options
	log      *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(db *bun.DB, opts Options, log *logger.Logger) *Runner {
	return &Runner{db: db, options: opts, log: log}
}

func (r *Runner) init() error {
	if r.migrator != nil {
		return nil
	}
	ctx := context.Background()
	conn, err := r.db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration connection: %w", err)
	}
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	r.migrator = migrator
	return nil
}

// Run applies pending schema migrations, and seed migrations when enabled.
// A dirty version is forced clean and retried once.
func (r *Runner) Run() error {
	if err := r.init(); err != nil {
		return err
	}

	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.log.Warn("DATABASE", fmt.Sprintf("Migration %d is dirty, forcing it clean", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}

	if r.options.SeedData {
		r.log.Info("DATABASE", "Running all migrations including seed data")
		err = r.migrator.Up()
	} else if errors.Is(err, migrate.ErrNilVersion) || version < SchemaVersion {
		r.log.Info("DATABASE", "Running schema migrations only")
		err = r.migrator.Migrate(SchemaVersion)
	} else {
		err = nil
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if version, _, err := r.migrator.Version(); err == nil {
		r.log.LogDatabase("migrate", "schema_migrations", fmt.Sprintf("Current schema version: %d", version))
	}
	return nil
}

// Down rolls back every migration.
func (r *Runner) Down() error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// Close releases the migrator and its connection. The pool stays open.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
