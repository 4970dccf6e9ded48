package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxSource adapts a pgxpool.Pool to the ConnSource boundary.
type PgxSource struct {
	pool *pgxpool.Pool
}

// NewPgxSource wraps an existing pool.
func NewPgxSource(pool *pgxpool.Pool) *PgxSource {
	return &PgxSource{pool: pool}
}

// DedicatedConn acquires a fresh connection from the pool.
func (s *PgxSource) DedicatedConn(ctx context.Context) (Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("platform/db: acquire connection: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func isoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case LevelReadUncommitted:
		return pgx.ReadUncommitted
	case LevelRepeatableRead:
		return pgx.RepeatableRead
	case LevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func (c *pgxConn) BeginTx(ctx context.Context, level IsolationLevel) error {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(level)})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *pgxConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("platform/db: commit without open tx")
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	if err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}
	return nil
}

func (c *pgxConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("platform/db: rollback without open tx")
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err != nil {
		return fmt.Errorf("platform/db: rollback tx: %w", err)
	}
	return nil
}

// Savepoint names are generated internally by the coordinator, never taken
// from user input.
func (c *pgxConn) CreateSavepoint(ctx context.Context, name string) error {
	if _, err := c.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("platform/db: create savepoint %s: %w", name, err)
	}
	return nil
}

func (c *pgxConn) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, err := c.tx.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("platform/db: release savepoint %s: %w", name, err)
	}
	return nil
}

func (c *pgxConn) RollbackToSavepoint(ctx context.Context, name string) error {
	if _, err := c.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
		return fmt.Errorf("platform/db: rollback to savepoint %s: %w", name, err)
	}
	return nil
}

func (c *pgxConn) SupportsSavepoints() bool { return true }

func (c *pgxConn) SetIsolationLevel(ctx context.Context, level IsolationLevel) error {
	if level == LevelDefault {
		return nil
	}
	if _, err := c.tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL "+string(level)); err != nil {
		return fmt.Errorf("platform/db: set isolation level: %w", err)
	}
	return nil
}

func (c *pgxConn) Release() {
	c.conn.Release()
}
