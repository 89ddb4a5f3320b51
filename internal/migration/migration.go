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
)

// Result reports the schema version after Up.
type Result struct {
	Version uint
	Dirty   bool
	Changed bool
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return src, nil
}

// Versions lists the embedded schema versions in apply order.
func Versions() ([]uint, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return nil, fmt.Errorf("first migration: %w", err)
	}
	out := []uint{v}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("next migration after %d: %w", v, err)
		}
		out = append(out, next)
		v = next
	}
}

// Up applies pending postgres migrations for the billing, dispatch and webhook tables.
func Up(db *sql.DB) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	src, err := newSource()
	if err != nil {
		return Result{}, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "smsgate_schema_migrations"})
	if err != nil {
		return Result{}, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return Result{}, fmt.Errorf("create migrator: %w", err)
	}
	// migrator.Close would close the shared *sql.DB.

	res := Result{Changed: true}
	if err := migrator.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return Result{}, fmt.Errorf("apply migrations: %w", err)
		}
		res.Changed = false
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	res.Version = version
	res.Dirty = dirty
	return res, nil
}
