package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrTxInactive indicates commit, rollback, or an isolation change on a
// transaction with no open level. It is a programming error, not retried.
var ErrTxInactive = errors.New("platform/db: transaction is not active")

// Transaction tracks nested logical transaction levels on one dedicated
// connection. Level 1 is a real database transaction; deeper levels are
// savepoints named after the level they open. On backends without savepoint
// support the level still increments, with a diagnostic, so begin/commit
// pairs stay balanced at reduced durability.
type Transaction struct {
	source ConnSource
	logger *slog.Logger

	mu    sync.Mutex
	conn  Conn
	level int
}

// NewTransaction constructs an inactive transaction over the connection
// source.
func NewTransaction(source ConnSource, logger *slog.Logger) *Transaction {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transaction{source: source, logger: logger}
}

// IsActive reports whether any level is open.
func (t *Transaction) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level > 0
}

// Level returns the current nesting depth; zero means inactive.
func (t *Transaction) Level() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func savepointName(level int) string {
	return fmt.Sprintf("LEVEL%d", level)
}

// Begin opens the outermost transaction on first call, acquiring a dedicated
// connection; subsequent calls open a savepoint for the current level.
func (t *Transaction) Begin(ctx context.Context, level IsolationLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.level == 0 {
		conn, err := t.source.DedicatedConn(ctx)
		if err != nil {
			return err
		}
		if err := conn.BeginTx(ctx, level); err != nil {
			conn.Release()
			return err
		}
		t.conn = conn
		t.level = 1
		return nil
	}

	if t.conn.SupportsSavepoints() {
		if err := t.conn.CreateSavepoint(ctx, savepointName(t.level)); err != nil {
			return err
		}
	} else {
		t.logger.Warn("platform/db: savepoints unsupported, nested transaction has no durability boundary",
			slog.Int("level", t.level))
	}
	t.level++
	return nil
}

// Commit closes the current level: the outermost level issues a real COMMIT
// and releases the connection, inner levels release their savepoint.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.level == 0 {
		return ErrTxInactive
	}
	if t.level == 1 {
		err := t.conn.Commit(ctx)
		t.releaseLocked()
		return err
	}
	t.level--
	if !t.conn.SupportsSavepoints() {
		t.logger.Warn("platform/db: savepoints unsupported, nested commit is a no-op",
			slog.Int("level", t.level))
		return nil
	}
	return t.conn.ReleaseSavepoint(ctx, savepointName(t.level))
}

// Rollback undoes the current level. With final set it unwinds every open
// level down to zero; if an underlying rollback fails the error is surfaced
// and the transaction is left at the level that failed — completed rollbacks
// are not undone.
func (t *Transaction) Rollback(ctx context.Context, final bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.level == 0 {
		return ErrTxInactive
	}
	if !final {
		return t.rollbackOneLocked(ctx)
	}
	for t.level > 0 {
		if err := t.rollbackOneLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) rollbackOneLocked(ctx context.Context) error {
	if t.level == 1 {
		err := t.conn.Rollback(ctx)
		t.releaseLocked()
		return err
	}
	if !t.conn.SupportsSavepoints() {
		t.logger.Warn("platform/db: savepoints unsupported, nested rollback is a no-op",
			slog.Int("level", t.level-1))
		t.level--
		return nil
	}
	if err := t.conn.RollbackToSavepoint(ctx, savepointName(t.level-1)); err != nil {
		return err
	}
	t.level--
	return nil
}

// SetIsolationLevel delegates to the active connection. Whether the backend
// honors a mid-transaction change is backend-specific.
func (t *Transaction) SetIsolationLevel(ctx context.Context, level IsolationLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.level == 0 {
		return ErrTxInactive
	}
	return t.conn.SetIsolationLevel(ctx, level)
}

// releaseLocked returns the connection exactly once and resets the level.
func (t *Transaction) releaseLocked() {
	if t.conn != nil {
		t.conn.Release()
		t.conn = nil
	}
	t.level = 0
}

// WithTransaction runs fn inside a transaction, committing on success and
// rolling back every open level on failure.
func WithTransaction(ctx context.Context, source ConnSource, logger *slog.Logger, level IsolationLevel, fn func(ctx context.Context, tx *Transaction) error) error {
	tx := NewTransaction(source, logger)
	if err := tx.Begin(ctx, level); err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx, true); rbErr != nil && !errors.Is(rbErr, ErrTxInactive) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if !tx.IsActive() {
		return nil
	}
	return tx.Commit(ctx)
}
