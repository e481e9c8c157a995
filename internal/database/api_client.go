package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callrouter/internal/database/models"
)

// apiClientRepo implements APIClientRepository.
type apiClientRepo struct {
	db *DB
}

// NewAPIClientRepository creates a new APIClientRepository.
func NewAPIClientRepository(db *DB) APIClientRepository {
	return &apiClientRepo{db: db}
}

// Create inserts a new API client. SecretHash must already be hashed.
func (r *apiClientRepo) Create(ctx context.Context, c *models.APIClient) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO api_clients (name, secret_hash, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))`,
		c.Name, c.SecretHash,
	)
	if err != nil {
		return fmt.Errorf("inserting api client: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByName returns an API client by name.
func (r *apiClientRepo) GetByName(ctx context.Context, name string) (*models.APIClient, error) {
	var c models.APIClient
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, secret_hash, created_at, updated_at
		 FROM api_clients WHERE name = ?`, name,
	).Scan(&c.ID, &c.Name, &c.SecretHash, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying api client by name: %w", err)
	}
	return &c, nil
}

// List returns all API clients ordered by name.
func (r *apiClientRepo) List(ctx context.Context) ([]models.APIClient, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, secret_hash, created_at, updated_at FROM api_clients ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying api clients: %w", err)
	}
	defer rows.Close()

	var clients []models.APIClient
	for rows.Next() {
		var c models.APIClient
		if err := rows.Scan(&c.ID, &c.Name, &c.SecretHash, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning api client row: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// Delete removes an API client by ID.
func (r *apiClientRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM api_clients WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting api client: %w", err)
	}
	return nil
}

// Count returns the number of API clients.
func (r *apiClientRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting api clients: %w", err)
	}
	return n, nil
}
