// Package rbac implements the permission graph: roles and permissions in one
// namespace, rules attached to them, a strictly acyclic parent-child
// hierarchy, and per-user assignments resolved by graph traversal.
package rbac

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Sentinel errors for graph operations.
var (
	// ErrNotFound indicates the referenced item, rule, or assignment does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicateName indicates a role or permission with that name already exists.
	ErrDuplicateName = errors.New("rbac: duplicate name")
	// ErrDuplicateAssignment indicates the user already holds the item.
	ErrDuplicateAssignment = errors.New("rbac: assignment already exists")
	// ErrInvalidHierarchy indicates a self-loop, duplicate edge, cycle, or a
	// permission being given a role child.
	ErrInvalidHierarchy = errors.New("rbac: invalid hierarchy")
)

// ItemType distinguishes roles from permissions. Both share one name space.
type ItemType int8

const (
	TypeRole       ItemType = 1
	TypePermission ItemType = 2
)

func (t ItemType) String() string {
	switch t {
	case TypeRole:
		return "role"
	case TypePermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Item is a role or permission node in the graph.
type Item struct {
	Name        string
	Type        ItemType
	Description string
	// RuleName references a registered Rule evaluated during access checks.
	RuleName  string
	Data      any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Assignment grants an item to a user.
type Assignment struct {
	ItemName  string
	UserID    string
	CreatedAt time.Time
}

// Rule is an executable predicate attached to items by name. A false result
// prunes the branch being traversed without failing the whole check.
type Rule interface {
	Name() string
	Execute(ctx context.Context, userID string, item Item, params map[string]any) (bool, error)
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, userID string, item Item, params map[string]any) (bool, error)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Execute(ctx context.Context, userID string, item Item, params map[string]any) (bool, error) {
	return r.Fn(ctx, userID, item, params)
}

var nameFolder = cases.Fold()

// NormalizeName returns the canonical form of a permission or role name:
// trimmed and Unicode case-folded. Callers registering items and callers
// checking access must agree on this form.
func NormalizeName(name string) string {
	return nameFolder.String(strings.TrimSpace(name))
}
