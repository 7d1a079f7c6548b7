package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridflex/gridflex/internal/model"
)

// CreateAccount registers an account with a pre-hashed API key.
func (db *DB) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	err := db.pool.QueryRow(ctx, `
		INSERT INTO accounts (email, role, api_key_hash)
		VALUES ($1, $2, $3)
		RETURNING id`,
		a.Email, a.Role, a.APIKeyHash,
	).Scan(&a.ID)
	if err != nil {
		return model.Account{}, fmt.Errorf("storage: create account: %w", err)
	}
	return a, nil
}

// GetAccountByEmail loads an account, including its API key hash, for
// credential verification.
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (model.Account, error) {
	var a model.Account
	err := db.pool.QueryRow(ctx, `
		SELECT id, email, role, api_key_hash
		FROM accounts WHERE email = $1`, email,
	).Scan(&a.ID, &a.Email, &a.Role, &a.APIKeyHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, fmt.Errorf("storage: account %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("storage: get account %s: %w", email, err)
	}
	return a, nil
}

// GetAccount loads an account by id.
func (db *DB) GetAccount(ctx context.Context, id int) (model.Account, error) {
	var a model.Account
	err := db.pool.QueryRow(ctx, `
		SELECT id, email, role, api_key_hash
		FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Email, &a.Role, &a.APIKeyHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, fmt.Errorf("storage: account %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("storage: get account %d: %w", id, err)
	}
	return a, nil
}
