package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callrouter/internal/database/models"
)

const connectionServiceColumns = `id, package, class, name, enabled, bind_permission, trusted,
	 supports_conference, host, port, transport, username, password, auth_username,
	 caller_id_name, caller_id_num, prefix_strip, prefix_add, created_at, updated_at`

// connectionServiceRepo implements ConnectionServiceRepository.
type connectionServiceRepo struct {
	db *DB
}

// NewConnectionServiceRepository creates a new ConnectionServiceRepository.
func NewConnectionServiceRepository(db *DB) ConnectionServiceRepository {
	return &connectionServiceRepo{db: db}
}

// Create inserts a new connection service.
func (r *connectionServiceRepo) Create(ctx context.Context, svc *models.ConnectionService) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO connection_services (package, class, name, enabled, bind_permission,
		 trusted, supports_conference, host, port, transport, username, password,
		 auth_username, caller_id_name, caller_id_num, prefix_strip, prefix_add,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		 datetime('now'), datetime('now'))`,
		svc.Package, svc.Class, svc.Name, svc.Enabled, svc.BindPermission,
		svc.Trusted, svc.SupportsConference, svc.Host, svc.Port, svc.Transport,
		svc.Username, svc.Password, svc.AuthUsername, svc.CallerIDName,
		svc.CallerIDNum, svc.PrefixStrip, svc.PrefixAdd,
	)
	if err != nil {
		return fmt.Errorf("inserting connection service: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	svc.ID = id
	return nil
}

// GetByID returns a connection service by ID.
func (r *connectionServiceRepo) GetByID(ctx context.Context, id int64) (*models.ConnectionService, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+connectionServiceColumns+` FROM connection_services WHERE id = ?`, id,
	))
}

// GetByComponent returns the connection service registered under the
// component name.
func (r *connectionServiceRepo) GetByComponent(ctx context.Context, pkg, class string) (*models.ConnectionService, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+connectionServiceColumns+` FROM connection_services WHERE package = ? AND class = ?`,
		pkg, class,
	))
}

// List returns all connection services ordered by package then class.
func (r *connectionServiceRepo) List(ctx context.Context) ([]models.ConnectionService, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionServiceColumns+` FROM connection_services ORDER BY package, class`)
	if err != nil {
		return nil, fmt.Errorf("querying connection services: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListEnabled returns all enabled connection services.
func (r *connectionServiceRepo) ListEnabled(ctx context.Context) ([]models.ConnectionService, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionServiceColumns+` FROM connection_services
		 WHERE enabled = 1 ORDER BY package, class`)
	if err != nil {
		return nil, fmt.Errorf("querying enabled connection services: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update modifies an existing connection service.
func (r *connectionServiceRepo) Update(ctx context.Context, svc *models.ConnectionService) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE connection_services SET package = ?, class = ?, name = ?, enabled = ?,
		 bind_permission = ?, trusted = ?, supports_conference = ?, host = ?, port = ?,
		 transport = ?, username = ?, password = ?, auth_username = ?,
		 caller_id_name = ?, caller_id_num = ?, prefix_strip = ?, prefix_add = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		svc.Package, svc.Class, svc.Name, svc.Enabled, svc.BindPermission,
		svc.Trusted, svc.SupportsConference, svc.Host, svc.Port, svc.Transport,
		svc.Username, svc.Password, svc.AuthUsername, svc.CallerIDName,
		svc.CallerIDNum, svc.PrefixStrip, svc.PrefixAdd, svc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating connection service: %w", err)
	}
	return nil
}

// Delete removes a connection service by ID.
func (r *connectionServiceRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM connection_services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting connection service: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnectionService(s scanner, svc *models.ConnectionService) error {
	return s.Scan(&svc.ID, &svc.Package, &svc.Class, &svc.Name, &svc.Enabled,
		&svc.BindPermission, &svc.Trusted, &svc.SupportsConference, &svc.Host,
		&svc.Port, &svc.Transport, &svc.Username, &svc.Password, &svc.AuthUsername,
		&svc.CallerIDName, &svc.CallerIDNum, &svc.PrefixStrip, &svc.PrefixAdd,
		&svc.CreatedAt, &svc.UpdatedAt)
}

func (r *connectionServiceRepo) scanOne(row *sql.Row) (*models.ConnectionService, error) {
	var svc models.ConnectionService
	err := scanConnectionService(row, &svc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection service: %w", err)
	}
	return &svc, nil
}

func (r *connectionServiceRepo) scanMany(rows *sql.Rows) ([]models.ConnectionService, error) {
	var services []models.ConnectionService
	for rows.Next() {
		var svc models.ConnectionService
		if err := scanConnectionService(rows, &svc); err != nil {
			return nil, fmt.Errorf("scanning connection service row: %w", err)
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}
