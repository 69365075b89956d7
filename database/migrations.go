// Package database provides database schema migration tooling.
package database

import (
	"embed"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx driver registration
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// InitSchema returns the initial schema statements. The store applies
// them on startup so a fresh database works without running the
// migration tooling; every statement is idempotent.
func InitSchema() string {
	data, err := migrationsFS.ReadFile("migrations/000001_init.up.sql")
	if err != nil {
		panic(err)
	}
	return string(data)
}

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource() source.Driver {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return d
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Steps(int) error
	Version() (uint, bool, error)
}

// NewFromConnectionString returns a new migration instance for the
// given PostgreSQL connection string.
func NewFromConnectionString(connString string) (Migrator, error) {
	// golang-migrate selects its database driver by URL scheme; route
	// through the pgx/v5 driver to match the store's stack.
	connString = strings.Replace(connString, "postgres://", "pgx5://", 1)
	return migrate.NewWithSourceInstance("iofs", migrationsFromSource(), connString)
}
