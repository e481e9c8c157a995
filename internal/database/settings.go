package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// settingsRepo implements SettingsRepository with an in-memory cache. Every
// routing decision reads settings, so reads never touch the database.
type settingsRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]string
}

// NewSettingsRepository creates a SettingsRepository backed by db. It loads
// all settings into memory on creation.
func NewSettingsRepository(ctx context.Context, db *DB) (SettingsRepository, error) {
	repo := &settingsRepo{
		db:    db,
		cache: make(map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return repo, nil
}

// Get returns the value for key, or "" if unset.
func (r *settingsRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache[key], nil
}

// Set inserts or updates a setting in both the database and cache.
func (r *settingsRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}

	r.mu.Lock()
	r.cache[key] = value
	r.mu.Unlock()
	return nil
}

// Delete removes a setting. Deleting an unset key is not an error.
func (r *settingsRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting setting %q: %w", key, err)
	}

	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	return nil
}

// GetAll returns all settings ordered by key.
func (r *settingsRepo) GetAll(ctx context.Context) ([]models.Setting, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.ID, &s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

func (r *settingsRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning setting row: %w", err)
		}
		r.cache[key] = value
	}
	return rows.Err()
}
