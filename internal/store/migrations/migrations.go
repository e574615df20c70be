// Package migrations embeds and applies the relational schema.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status reports the applied schema version and the newest version this
// binary carries. applied is 0 for a database that was never migrated.
func Status(db *sql.DB) (applied uint, latest uint, dirty bool, err error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, 0, false, err
	}
	// m is not closed: that would close the caller's db.
	applied, dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, 0, false, fmt.Errorf("failed to get database version: %w", err)
	}

	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	latest, err = latestVersion(src)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to determine latest version: %w", err)
	}
	return applied, latest, dirty, nil
}

// Check returns nil when the schema is exactly at the latest version.
func Check(db *sql.DB) error {
	applied, latest, dirty, err := Status(db)
	switch {
	case err != nil:
		return err
	case applied == 0:
		return fmt.Errorf("database has no schema version (needs migration)")
	case dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", applied)
	case applied < latest:
		return fmt.Errorf("database is at version %d but latest is %d", applied, latest)
	case applied > latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)", applied, latest)
	}
	return nil
}

// Up applies all pending migrations. Already current is not an error.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}
