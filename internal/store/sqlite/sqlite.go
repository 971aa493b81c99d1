// Package sqlite implements the repository on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/thylacine/websub-hub-sub000/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported schema window. Startup fails when the database reports a
// version outside [min, max].
var (
	schemaMin = [3]int{1, 0, 0}
	schemaMax = [3]int{1, 0, 4}
)

// Open opens (or creates) the hub database under stateDir, applies
// unapplied migrations in order, and verifies the schema window.
func Open(stateDir string) (*Repo, error) {
	db, err := openDB(filepath.Join(stateDir, "hub.db"))
	if err != nil {
		return nil, err
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	repo := &Repo{db: db}
	if err := repo.checkSchemaVersion(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// openDB opens a SQLite database at path with recommended pragmas:
// WAL journal mode, synchronous=NORMAL, foreign_keys=ON, busy_timeout=5000.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

func migrateDB(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

func (r *Repo) checkSchemaVersion(ctx context.Context) error {
	row := r.db.QueryRowContext(ctx, `
		SELECT major, minor, patch FROM _meta_schema_version
		ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`)
	var v [3]int
	if err := row.Scan(&v[0], &v[1], &v[2]); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if versionLess(v, schemaMin) || versionLess(schemaMax, v) {
		return fmt.Errorf("schema version %d.%d.%d outside supported window %d.%d.%d-%d.%d.%d",
			v[0], v[1], v[2],
			schemaMin[0], schemaMin[1], schemaMin[2],
			schemaMax[0], schemaMax[1], schemaMax[2])
	}
	return nil
}

func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func isUniqueConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// mapConflict converts a uniqueness violation into store.ErrConflict.
func mapConflict(err error) error {
	if err != nil && isUniqueConstraint(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}
