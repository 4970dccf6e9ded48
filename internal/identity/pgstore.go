package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGUserStore persists accounts in PostgreSQL.
type PGUserStore struct {
	pool *pgxpool.Pool
}

// NewPGUserStore constructs a store over the shared pool.
func NewPGUserStore(pool *pgxpool.Pool) *PGUserStore {
	return &PGUserStore{pool: pool}
}

// Migrate creates the accounts table when missing.
func (s *PGUserStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    is_active     BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("identity: migrate: %w", err)
	}
	return nil
}

// FindByName implements UserStore.
func (s *PGUserStore) FindByName(ctx context.Context, name string) (*User, error) {
	const query = `SELECT id, name, password_hash, is_active FROM accounts WHERE name = $1`
	var u User
	err := s.pool.QueryRow(ctx, query, name).Scan(&u.ID, &u.Name, &u.PasswordHash, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: find account: %w", err)
	}
	return &u, nil
}

// Create inserts a new account. A zero ID gets a generated UUID.
func (s *PGUserStore) Create(ctx context.Context, u User) (*User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	const query = `
INSERT INTO accounts (id, name, password_hash, is_active)
VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, u.ID, u.Name, u.PasswordHash, u.IsActive); err != nil {
		return nil, fmt.Errorf("identity: create account: %w", err)
	}
	return &u, nil
}
