package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/callrouter/internal/database/models"
)

const accountColumns = `id, package, class, handle_id, owner, label, capabilities, schemes,
	 slot_index, enabled, created_at, updated_at`

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

// Create inserts a new account.
func (r *accountRepo) Create(ctx context.Context, acct *models.Account) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (package, class, handle_id, owner, label, capabilities,
		 schemes, slot_index, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		acct.Package, acct.Class, acct.HandleID, acct.User, acct.Label,
		acct.Capabilities, acct.Schemes, acct.SlotIndex, acct.Enabled,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	acct.ID = id
	return nil
}

// GetByID returns an account by ID.
func (r *accountRepo) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id,
	))
}

// GetByHandle returns the account with the given handle.
func (r *accountRepo) GetByHandle(ctx context.Context, key AccountKey) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE package = ? AND class = ? AND handle_id = ? AND owner = ?`,
		key.Package, key.Class, key.HandleID, key.User,
	))
}

// List returns all accounts in registration order.
func (r *accountRepo) List(ctx context.Context) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListByUser returns the enabled accounts visible to user. Accounts with no
// owner are visible to every user.
func (r *accountRepo) ListByUser(ctx context.Context, user string) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE enabled = 1 AND (owner = ? OR owner = '') ORDER BY id`, user)
	if err != nil {
		return nil, fmt.Errorf("querying accounts for user: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update modifies an existing account.
func (r *accountRepo) Update(ctx context.Context, acct *models.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET package = ?, class = ?, handle_id = ?, owner = ?, label = ?,
		 capabilities = ?, schemes = ?, slot_index = ?, enabled = ?,
		 updated_at = datetime('now')
		 WHERE id = ?`,
		acct.Package, acct.Class, acct.HandleID, acct.User, acct.Label,
		acct.Capabilities, acct.Schemes, acct.SlotIndex, acct.Enabled, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// Delete removes an account by ID.
func (r *accountRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

func scanAccount(s scanner, a *models.Account) error {
	var slot sql.NullInt64
	if err := s.Scan(&a.ID, &a.Package, &a.Class, &a.HandleID, &a.User, &a.Label,
		&a.Capabilities, &a.Schemes, &slot, &a.Enabled, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return err
	}
	if slot.Valid {
		v := int(slot.Int64)
		a.SlotIndex = &v
	}
	return nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := scanAccount(row, &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

func (r *accountRepo) scanMany(rows *sql.Rows) ([]models.Account, error) {
	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := scanAccount(rows, &a); err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
