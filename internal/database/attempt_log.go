package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/callrouter/internal/database/models"
	"github.com/google/uuid"
)

const attemptLogColumns = `id, call_id, attempt, event, manager, target, backend, cause, reason, created_at`

// attemptLogRepo implements AttemptLogRepository.
type attemptLogRepo struct {
	db *DB
}

// NewAttemptLogRepository creates a new AttemptLogRepository.
func NewAttemptLogRepository(db *DB) AttemptLogRepository {
	return &attemptLogRepo{db: db}
}

// Create inserts an entry, assigning an ID and timestamp when unset.
func (r *attemptLogRepo) Create(ctx context.Context, e *models.AttemptLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO attempt_log (`+attemptLogColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CallID, e.Attempt, e.Event, e.Manager, e.Target, e.Backend,
		e.Cause, e.Reason, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt log entry: %w", err)
	}
	return nil
}

// ListByCall returns a call's entries in the order they were recorded.
func (r *attemptLogRepo) ListByCall(ctx context.Context, callID string) ([]models.AttemptLogEntry, error) {
	return r.query(ctx,
		`SELECT `+attemptLogColumns+` FROM attempt_log
		 WHERE call_id = ? ORDER BY created_at, rowid`, callID)
}

// ListRecent returns the most recent entries, newest first.
func (r *attemptLogRepo) ListRecent(ctx context.Context, limit int) ([]models.AttemptLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.query(ctx,
		`SELECT `+attemptLogColumns+` FROM attempt_log
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// DeleteBefore removes entries older than before and returns how many were
// removed.
func (r *attemptLogRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM attempt_log WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting attempt log entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

func (r *attemptLogRepo) query(ctx context.Context, q string, args ...any) ([]models.AttemptLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
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
