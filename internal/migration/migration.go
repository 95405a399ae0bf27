package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// MigrationsTable keeps quota's schema version apart from other services
// sharing the database.
const MigrationsTable = "quota_schema_migrations"

// Result describes the schema after a run.
type Result struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Source returns the embedded migration files as a golang-migrate source.
func Source() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	driver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return driver, nil
}

// Up applies pending migrations on db. The migrator is not closed because
// that would close the shared pool.
func Up(db *sql.DB, log *zap.Logger) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	src, err := Source()
	if err != nil {
		return Result{}, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return Result{}, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return Result{}, fmt.Errorf("create migrator: %w", err)
	}

	before, _, _ := migrator.Version()
	changed := true
	if err := migrator.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return Result{}, fmt.Errorf("apply migrations: %w", err)
		}
		changed = false
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read migration version: %w", err)
	}
	log.Info("schema migrations applied",
		zap.Uint("from_version", before),
		zap.Uint("version", version),
		zap.Bool("changed", changed),
	)
	return Result{Version: version, Dirty: dirty, Changed: changed}, nil
}
