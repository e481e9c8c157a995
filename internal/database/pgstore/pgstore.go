// Package pgstore mirrors the attempt log into PostgreSQL for deployments
// that aggregate routing history from several callrouter instances.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ database.AttemptLogRepository = (*Store)(nil)

// Store implements database.AttemptLogRepository on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql attempt log opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")

		var applied bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.apply(ctx, version, string(content)); err != nil {
			return err
		}
		slog.Info("applied migration", "version", version, "store", "postgresql")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("executing migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("recording migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", version, err)
	}
	return nil
}

// Create inserts an entry. Entries already mirrored (same ID) are ignored.
func (s *Store) Create(ctx context.Context, e *models.AttemptLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempt_log (id, call_id, attempt, event, manager, target, backend, cause, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.CallID, e.Attempt, e.Event, e.Manager, e.Target, e.Backend,
		e.Cause, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt log entry: %w", err)
	}
	return nil
}

// ListByCall returns a call's entries in the order they were recorded.
func (s *Store) ListByCall(ctx context.Context, callID string) ([]models.AttemptLogEntry, error) {
	return s.query(ctx,
		`SELECT id, call_id, attempt, event, manager, target, backend, cause, reason, created_at
		 FROM attempt_log WHERE call_id = $1 ORDER BY created_at`, callID)
}

// ListRecent returns the most recent entries, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]models.AttemptLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT id, call_id, attempt, event, manager, target, backend, cause, reason, created_at
		 FROM attempt_log ORDER BY created_at DESC LIMIT $1`, limit)
}

// DeleteBefore removes entries older than before.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM attempt_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting attempt log entries: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.AttemptLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempt log: %w", err)
	}
	defer rows.Close()

	var entries []models.AttemptLogEntry
	for rows.Next() {
		var e models.AttemptLogEntry
		if err := rows.Scan(&e.ID, &e.CallID, &e.Attempt, &e.Event, &e.Manager,
			&e.Target, &e.Backend, &e.Cause, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt log row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
