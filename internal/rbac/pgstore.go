package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the permission graph in Postgres. Executable rules cannot
// be serialized, so the table keeps rule names only; the Manager owns the
// executables and must re-register them on process start.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore over the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the auth tables when missing.
func (s *PGStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS auth_rule (
			name TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS auth_item (
			name TEXT PRIMARY KEY,
			item_type SMALLINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rule_name TEXT REFERENCES auth_rule(name) ON DELETE SET NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_item_type ON auth_item(item_type)`,
		`CREATE TABLE IF NOT EXISTS auth_item_child (
			parent TEXT NOT NULL REFERENCES auth_item(name) ON DELETE CASCADE ON UPDATE CASCADE,
			child TEXT NOT NULL REFERENCES auth_item(name) ON DELETE CASCADE ON UPDATE CASCADE,
			PRIMARY KEY (parent, child)
		)`,
		`CREATE TABLE IF NOT EXISTS auth_assignment (
			item_name TEXT NOT NULL REFERENCES auth_item(name) ON DELETE CASCADE ON UPDATE CASCADE,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (item_name, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_auth_assignment_user ON auth_assignment(user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rbac: migrate: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PGStore) GetItem(ctx context.Context, name string) (*Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT name, item_type, description, COALESCE(rule_name, ''), data, created_at, updated_at
		 FROM auth_item WHERE name = $1`, name)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: get item: %w", err)
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item Item
		data []byte
	)
	if err := row.Scan(&item.Name, &item.Type, &item.Description, &item.RuleName, &data, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		item.Data = payload
	}
	return &item, nil
}

func (s *PGStore) ListItems(ctx context.Context, t ItemType) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, item_type, description, COALESCE(rule_name, ''), data, created_at, updated_at
		 FROM auth_item WHERE item_type = $1 ORDER BY name`, t)
	if err != nil {
		return nil, fmt.Errorf("rbac: list items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("rbac: list items: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func marshalData(data any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

func (s *PGStore) AddItem(ctx context.Context, item Item) error {
	data, err := marshalData(item.Data)
	if err != nil {
		return fmt.Errorf("rbac: encode item data: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO auth_item (name, item_type, description, rule_name, data, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		item.Name, item.Type, item.Description, item.RuleName, data, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, item.Name)
		}
		return fmt.Errorf("rbac: add item: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateItem(ctx context.Context, name string, item Item) error {
	data, err := marshalData(item.Data)
	if err != nil {
		return fmt.Errorf("rbac: encode item data: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE auth_item
		 SET name = $2, item_type = $3, description = $4, rule_name = NULLIF($5, ''), data = $6, updated_at = $7
		 WHERE name = $1`,
		name, item.Name, item.Type, item.Description, item.RuleName, data, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateName, item.Name)
		}
		return fmt.Errorf("rbac: update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *PGStore) RemoveItem(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_item WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("rbac: remove item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func (s *PGStore) RemoveItems(ctx context.Context, t ItemType) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_item WHERE item_type = $1`, t); err != nil {
		return fmt.Errorf("rbac: remove items: %w", err)
	}
	return nil
}

func (s *PGStore) AddRuleRecord(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO auth_rule (name) VALUES ($1)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: rule %s", ErrDuplicateName, name)
		}
		return fmt.Errorf("rbac: add rule: %w", err)
	}
	return nil
}

func (s *PGStore) HasRuleRecord(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auth_rule WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rbac: has rule: %w", err)
	}
	return exists, nil
}

func (s *PGStore) RemoveRuleRecord(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_rule WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("rbac: remove rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: rule %s", ErrNotFound, name)
	}
	return nil
}

func (s *PGStore) RemoveRuleRecords(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_rule`); err != nil {
		return fmt.Errorf("rbac: remove rules: %w", err)
	}
	return nil
}

func (s *PGStore) AddChild(ctx context.Context, parent, child string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO auth_item_child (parent, child) VALUES ($1, $2)`, parent, child)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q is already a child of %q", ErrInvalidHierarchy, child, parent)
		}
		return fmt.Errorf("rbac: add child: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveChild(ctx context.Context, parent, child string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_item_child WHERE parent = $1 AND child = $2`, parent, child); err != nil {
		return fmt.Errorf("rbac: remove child: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveChildren(ctx context.Context, parent string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_item_child WHERE parent = $1`, parent); err != nil {
		return fmt.Errorf("rbac: remove children: %w", err)
	}
	return nil
}

func (s *PGStore) HasChild(ctx context.Context, parent, child string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM auth_item_child WHERE parent = $1 AND child = $2)`, parent, child).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("rbac: has child: %w", err)
	}
	return exists, nil
}

func (s *PGStore) GetChildren(ctx context.Context, parent string) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT i.name, i.item_type, i.description, COALESCE(i.rule_name, ''), i.data, i.created_at, i.updated_at
		 FROM auth_item i
		 JOIN auth_item_child c ON c.child = i.name
		 WHERE c.parent = $1
		 ORDER BY i.name`, parent)
	if err != nil {
		return nil, fmt.Errorf("rbac: get children: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("rbac: get children: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *PGStore) GetParents(ctx context.Context, child string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent FROM auth_item_child WHERE child = $1 ORDER BY parent`, child)
	if err != nil {
		return nil, fmt.Errorf("rbac: get parents: %w", err)
	}
	defer rows.Close()
	var parents []string
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, fmt.Errorf("rbac: get parents: %w", err)
		}
		parents = append(parents, parent)
	}
	return parents, rows.Err()
}

func (s *PGStore) AddAssignment(ctx context.Context, a Assignment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auth_assignment (item_name, user_id, created_at) VALUES ($1, $2, $3)`,
		a.ItemName, a.UserID, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s for user %s", ErrDuplicateAssignment, a.ItemName, a.UserID)
		}
		return fmt.Errorf("rbac: add assignment: %w", err)
	}
	return nil
}

func (s *PGStore) GetAssignment(ctx context.Context, itemName, userID string) (*Assignment, error) {
	var a Assignment
	err := s.pool.QueryRow(ctx,
		`SELECT item_name, user_id, created_at FROM auth_assignment WHERE item_name = $1 AND user_id = $2`,
		itemName, userID).Scan(&a.ItemName, &a.UserID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("rbac: get assignment: %w", err)
	}
	return &a, nil
}

func (s *PGStore) GetAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_name, user_id, created_at FROM auth_assignment WHERE user_id = $1 ORDER BY item_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: get assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ItemName, &a.UserID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("rbac: get assignments: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) GetUserIDsByItem(ctx context.Context, itemName string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM auth_assignment WHERE item_name = $1 ORDER BY user_id`, itemName)
	if err != nil {
		return nil, fmt.Errorf("rbac: get user ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("rbac: get user ids: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func (s *PGStore) RemoveAssignment(ctx context.Context, itemName, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM auth_assignment WHERE item_name = $1 AND user_id = $2`, itemName, userID)
	if err != nil {
		return fmt.Errorf("rbac: remove assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: assignment %s for user %s", ErrNotFound, itemName, userID)
	}
	return nil
}

func (s *PGStore) RemoveAssignmentsForUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_assignment WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("rbac: remove assignments: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveAllAssignments(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM auth_assignment`); err != nil {
		return fmt.Errorf("rbac: remove all assignments: %w", err)
	}
	return nil
}
