// Package postgres implements the repository on a client-server PostgreSQL
// database. Claims use SELECT ... FOR UPDATE SKIP LOCKED; topic content is
// served through an in-memory cache invalidated over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations

	"github.com/thylacine/websub-hub-sub000/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NotificationChannel carries topic-change invalidations. The payload is a
// topic id, or "ping" for listener keep-alive.
const NotificationChannel = "topic_changed"

var (
	schemaMin = [3]int{1, 0, 0}
	schemaMax = [3]int{1, 0, 4}
)

// Repo implements store.Repository on PostgreSQL.
type Repo struct {
	pool     *pgxpool.Pool
	cache    *contentCache
	listener *listener
}

var _ store.Repository = (*Repo)(nil)

// Open connects to the database, applies migrations, verifies the schema
// window, and (when cacheEnabled) starts the notification listener that
// keeps the content cache coherent.
func Open(ctx context.Context, dsn string, cacheEnabled bool) (*Repo, error) {
	if err := migrateDB(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	repo := &Repo{pool: pool}
	if err := repo.checkSchemaVersion(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if cacheEnabled {
		repo.cache = newContentCache()
		repo.listener = newListener(pool, repo.cache)
		repo.listener.Start()
	}
	return repo, nil
}

// Close stops the listener and closes the pool.
func (r *Repo) Close() error {
	if r.listener != nil {
		r.listener.Stop()
	}
	r.pool.Close()
	return nil
}

// CacheStats exposes cache observability counters; nil when caching is off.
func (r *Repo) CacheStats() []CacheEntryStats {
	if r.cache == nil {
		return nil
	}
	return r.cache.Stats()
}

func migrateDB(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("migrate: open: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}
	dbDriver, err := migratepgx.WithInstance(db, &migratepgx.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

func (r *Repo) checkSchemaVersion(ctx context.Context) error {
	var v [3]int
	err := r.pool.QueryRow(ctx, `
		SELECT major, minor, patch FROM _meta_schema_version
		ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`).Scan(&v[0], &v[1], &v[2])
	if err != nil {
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

// epoch marks "unset" timestamp columns; columns are NOT NULL DEFAULT 'epoch'.
var epoch = time.Unix(0, 0).UTC()

func toDB(t time.Time) time.Time {
	if t.IsZero() {
		return epoch
	}
	return t.UTC()
}

func fromDB(t time.Time) time.Time {
	if !t.After(epoch) {
		return time.Time{}
	}
	return t.UTC()
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}
