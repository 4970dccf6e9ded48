// Package db provides the PostgreSQL pool, the driver boundary used by the
// transaction coordinator, and the coordinator itself.
package db

import "context"

// IsolationLevel names the standard SQL isolation levels.
type IsolationLevel string

const (
	LevelDefault         IsolationLevel = ""
	LevelReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	LevelReadCommitted   IsolationLevel = "READ COMMITTED"
	LevelRepeatableRead  IsolationLevel = "REPEATABLE READ"
	LevelSerializable    IsolationLevel = "SERIALIZABLE"
)

// Conn is a dedicated database connection owned by exactly one Transaction
// between acquisition and Release.
type Conn interface {
	BeginTx(ctx context.Context, level IsolationLevel) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	CreateSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	SupportsSavepoints() bool

	// SetIsolationLevel applies to the open transaction. Backends that do
	// not honor mid-transaction changes surface their own error.
	SetIsolationLevel(ctx context.Context, level IsolationLevel) error

	// Release returns the connection to its pool. It must be called exactly
	// once; the connection must not be used afterwards.
	Release()
}

// ConnSource hands out dedicated connections, one per call.
type ConnSource interface {
	DedicatedConn(ctx context.Context) (Conn, error)
}
