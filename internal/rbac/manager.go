package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reaction-framework/reaction/internal/async"
)

// Manager is the authoritative query and mutation engine for the permission
// graph. Structural validation and the matching mutation happen synchronously
// under one lock, so no request can observe a transiently invalid graph.
type Manager struct {
	mu    sync.Mutex
	store Store
	rules map[string]Rule
	cache *CheckCache

	// defaultRoles are treated as held by every known user during access
	// checks without an explicit assignment.
	defaultRoles []string

	// observer, when set, is notified of every check outcome.
	observer func(granted bool)

	// onInvalidate, when set, runs after the local check cache is flushed
	// so other instances can be told to drop theirs as well.
	onInvalidate func(ctx context.Context)

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCache enables the redis-backed check-result cache for parameterless
// access checks.
func WithCache(cache *CheckCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithDefaultRoles sets roles implicitly held by every non-empty user ID.
func WithDefaultRoles(roles ...string) Option {
	return func(m *Manager) {
		m.defaultRoles = m.defaultRoles[:0]
		for _, role := range roles {
			m.defaultRoles = append(m.defaultRoles, NormalizeName(role))
		}
	}
}

// WithCheckObserver registers a callback invoked with the outcome of every
// completed access check, typically for metrics.
func WithCheckObserver(fn func(granted bool)) Option {
	return func(m *Manager) { m.observer = fn }
}

// WithInvalidationHook registers a callback invoked after any mutation of the
// permission graph or assignments. Deployments with multiple instances use it
// to broadcast a shared-cache flush.
func WithInvalidationHook(fn func(ctx context.Context)) Option {
	return func(m *Manager) { m.onInvalidate = fn }
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		rules:  make(map[string]Rule),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewRole constructs a detached role. It is not persisted until Add.
func (m *Manager) NewRole(name string) Item {
	return Item{Name: NormalizeName(name), Type: TypeRole}
}

// NewPermission constructs a detached permission. It is not persisted until Add.
func (m *Manager) NewPermission(name string) Item {
	return Item{Name: NormalizeName(name), Type: TypePermission}
}

// Add persists a detached item. Names are normalized, must be unique across
// roles and permissions, and a referenced rule must already be registered.
func (m *Manager) Add(ctx context.Context, item Item) error {
	item.Name = NormalizeName(item.Name)
	if item.Name == "" {
		return fmt.Errorf("rbac: item name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.RuleName != "" {
		if _, ok := m.rules[item.RuleName]; !ok {
			return fmt.Errorf("%w: rule %s", ErrNotFound, item.RuleName)
		}
	}
	now := m.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if err := m.store.AddItem(ctx, item); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// Update rewrites an existing item, renaming it when item.Name differs from
// name. Edges and assignments follow the rename.
func (m *Manager) Update(ctx context.Context, name string, item Item) error {
	name = NormalizeName(name)
	item.Name = NormalizeName(item.Name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.RuleName != "" {
		if _, ok := m.rules[item.RuleName]; !ok {
			return fmt.Errorf("%w: rule %s", ErrNotFound, item.RuleName)
		}
	}
	item.UpdatedAt = m.now()
	if err := m.store.UpdateItem(ctx, name, item); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// Remove deletes an item, cascading to its hierarchy edges and assignments.
func (m *Manager) Remove(ctx context.Context, name string) error {
	name = NormalizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveItem(ctx, name); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// GetItem returns the named item, or nil when it does not exist.
func (m *Manager) GetItem(ctx context.Context, name string) (*Item, error) {
	return m.store.GetItem(ctx, NormalizeName(name))
}

// GetRoles lists all roles ordered by name.
func (m *Manager) GetRoles(ctx context.Context) ([]Item, error) {
	return m.store.ListItems(ctx, TypeRole)
}

// GetPermissions lists all permissions ordered by name.
func (m *Manager) GetPermissions(ctx context.Context) ([]Item, error) {
	return m.store.ListItems(ctx, TypePermission)
}

// AddRule registers an executable rule.
func (m *Manager) AddRule(ctx context.Context, rule Rule) error {
	if rule == nil || rule.Name() == "" {
		return fmt.Errorf("rbac: rule name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.AddRuleRecord(ctx, rule.Name()); err != nil {
		return err
	}
	m.rules[rule.Name()] = rule
	return nil
}

// GetRule returns a registered rule, or nil when unknown.
func (m *Manager) GetRule(name string) Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[name]
}

// GetRules lists every registered rule in name order.
func (m *Manager) GetRules() []Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rules = append(rules, m.rules[name])
	}
	return rules
}

// RemoveRule unregisters a rule and cascade-clears references on items that
// pointed at it. The items themselves survive.
func (m *Manager) RemoveRule(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveRuleRecord(ctx, name); err != nil {
		return err
	}
	delete(m.rules, name)
	m.invalidate(ctx)
	return nil
}

// AddChild inserts a parent->child edge. It fails with ErrInvalidHierarchy
// before any mutation when the edge would be a self-loop, a duplicate, a
// role child under a permission, or would close a cycle.
func (m *Manager) AddChild(ctx context.Context, parentName, childName string) error {
	parentName = NormalizeName(parentName)
	childName = NormalizeName(childName)
	m.mu.Lock()
	defer m.mu.Unlock()

	if parentName == childName {
		return fmt.Errorf("%w: cannot add %q as a child of itself", ErrInvalidHierarchy, parentName)
	}
	parent, err := m.store.GetItem(ctx, parentName)
	if err != nil {
		return err
	}
	if parent == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, parentName)
	}
	child, err := m.store.GetItem(ctx, childName)
	if err != nil {
		return err
	}
	if child == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, childName)
	}
	if parent.Type == TypePermission && child.Type == TypeRole {
		return fmt.Errorf("%w: permission %q cannot have role child %q", ErrInvalidHierarchy, parentName, childName)
	}
	exists, err := m.store.HasChild(ctx, parentName, childName)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q is already a child of %q", ErrInvalidHierarchy, childName, parentName)
	}
	reachable, err := m.reachable(ctx, childName, parentName)
	if err != nil {
		return err
	}
	if reachable {
		return fmt.Errorf("%w: edge %q->%q would create a cycle", ErrInvalidHierarchy, parentName, childName)
	}
	if err := m.store.AddChild(ctx, parentName, childName); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// reachable reports whether to is a descendant of from.
func (m *Manager) reachable(ctx context.Context, from, to string) (bool, error) {
	visited := map[string]struct{}{from: {}}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := m.store.GetChildren(ctx, current)
		if err != nil {
			return false, err
		}
		for _, child := range children {
			if child.Name == to {
				return true, nil
			}
			if _, seen := visited[child.Name]; seen {
				continue
			}
			visited[child.Name] = struct{}{}
			queue = append(queue, child.Name)
		}
	}
	return false, nil
}

// RemoveChild deletes a single edge. Descendant items are unaffected.
func (m *Manager) RemoveChild(ctx context.Context, parentName, childName string) error {
	parentName = NormalizeName(parentName)
	childName = NormalizeName(childName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveChild(ctx, parentName, childName); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// RemoveChildren deletes all outgoing edges of the parent.
func (m *Manager) RemoveChildren(ctx context.Context, parentName string) error {
	parentName = NormalizeName(parentName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveChildren(ctx, parentName); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// HasChild reports whether child is a direct child of parent.
func (m *Manager) HasChild(ctx context.Context, parentName, childName string) (bool, error) {
	return m.store.HasChild(ctx, NormalizeName(parentName), NormalizeName(childName))
}

// GetChildren returns the direct children of an item, ordered by name.
func (m *Manager) GetChildren(ctx context.Context, parentName string) ([]Item, error) {
	return m.store.GetChildren(ctx, NormalizeName(parentName))
}

// GetChildRoles returns the transitive closure of role-typed descendants of
// roleName. The named role is always the first element. Unknown role names
// fail with ErrNotFound.
func (m *Manager) GetChildRoles(ctx context.Context, roleName string) ([]Item, error) {
	roleName = NormalizeName(roleName)
	role, err := m.store.GetItem(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if role == nil || role.Type != TypeRole {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleName)
	}
	result := []Item{*role}
	visited := map[string]struct{}{roleName: {}}
	queue := []string{roleName}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := m.store.GetChildren(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, seen := visited[child.Name]; seen {
				continue
			}
			visited[child.Name] = struct{}{}
			queue = append(queue, child.Name)
			if child.Type == TypeRole {
				result = append(result, child)
			}
		}
	}
	return result, nil
}

// GetPermissionsByRole returns all permissions reachable from the role,
// ordered by name.
func (m *Manager) GetPermissionsByRole(ctx context.Context, roleName string) ([]Item, error) {
	roleName = NormalizeName(roleName)
	role, err := m.store.GetItem(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if role == nil || role.Type != TypeRole {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleName)
	}
	seen := map[string]struct{}{roleName: {}}
	var perms []Item
	queue := []string{roleName}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := m.store.GetChildren(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, ok := seen[child.Name]; ok {
				continue
			}
			seen[child.Name] = struct{}{}
			queue = append(queue, child.Name)
			if child.Type == TypePermission {
				perms = append(perms, child)
			}
		}
	}
	return perms, nil
}

// GetRolesByUser returns the roles directly assigned to the user, ordered by
// name, including default roles.
func (m *Manager) GetRolesByUser(ctx context.Context, userID string) ([]Item, error) {
	assignments, err := m.store.GetAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(assignments)+len(m.defaultRoles))
	for _, a := range assignments {
		names = append(names, a.ItemName)
	}
	if userID != "" {
		names = append(names, m.defaultRoles...)
	}
	sort.Strings(names)
	var roles []Item
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		item, err := m.store.GetItem(ctx, name)
		if err != nil {
			return nil, err
		}
		if item != nil && item.Type == TypeRole {
			roles = append(roles, *item)
		}
	}
	return roles, nil
}

// GetPermissionsByUser returns every permission the user holds directly or
// through assigned roles.
func (m *Manager) GetPermissionsByUser(ctx context.Context, userID string) ([]Item, error) {
	assignments, err := m.store.GetAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(assignments)+len(m.defaultRoles))
	for _, a := range assignments {
		roots = append(roots, a.ItemName)
	}
	if userID != "" {
		roots = append(roots, m.defaultRoles...)
	}
	seen := make(map[string]struct{})
	var perms []Item
	var queue []string
	for _, root := range roots {
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		item, err := m.store.GetItem(ctx, root)
		if err != nil {
			return nil, err
		}
		if item == nil {
			continue
		}
		if item.Type == TypePermission {
			perms = append(perms, *item)
		}
		queue = append(queue, root)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := m.store.GetChildren(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, ok := seen[child.Name]; ok {
				continue
			}
			seen[child.Name] = struct{}{}
			queue = append(queue, child.Name)
			if child.Type == TypePermission {
				perms = append(perms, child)
			}
		}
	}
	return perms, nil
}

// GetUserIDsByRole returns users directly assigned to the item.
func (m *Manager) GetUserIDsByRole(ctx context.Context, roleName string) ([]string, error) {
	return m.store.GetUserIDsByItem(ctx, NormalizeName(roleName))
}

// Assign grants an item to a user. Assigning twice fails with
// ErrDuplicateAssignment.
func (m *Manager) Assign(ctx context.Context, itemName, userID string) (*Assignment, error) {
	itemName = NormalizeName(itemName)
	m.mu.Lock()
	defer m.mu.Unlock()
	item, err := m.store.GetItem(ctx, itemName)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, itemName)
	}
	a := Assignment{ItemName: itemName, UserID: userID, CreatedAt: m.now()}
	if err := m.store.AddAssignment(ctx, a); err != nil {
		return nil, err
	}
	m.invalidate(ctx)
	return &a, nil
}

// Revoke removes a single assignment.
func (m *Manager) Revoke(ctx context.Context, itemName, userID string) error {
	itemName = NormalizeName(itemName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveAssignment(ctx, itemName, userID); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// RevokeAll removes every assignment held by the user.
func (m *Manager) RevokeAll(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveAssignmentsForUser(ctx, userID); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// GetAssignment returns the user's assignment of the item, or nil.
func (m *Manager) GetAssignment(ctx context.Context, itemName, userID string) (*Assignment, error) {
	return m.store.GetAssignment(ctx, NormalizeName(itemName), userID)
}

// GetAssignments returns the user's assignments ordered by item name.
func (m *Manager) GetAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	return m.store.GetAssignments(ctx, userID)
}

// RemoveAll clears items, rules, and assignments.
func (m *Manager) RemoveAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveAllAssignments(ctx); err != nil {
		return err
	}
	if err := m.store.RemoveItems(ctx, TypeRole); err != nil {
		return err
	}
	if err := m.store.RemoveItems(ctx, TypePermission); err != nil {
		return err
	}
	if err := m.store.RemoveRuleRecords(ctx); err != nil {
		return err
	}
	m.rules = make(map[string]Rule)
	m.invalidate(ctx)
	return nil
}

// RemoveAllRoles deletes every role with its edges and assignments.
func (m *Manager) RemoveAllRoles(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveItems(ctx, TypeRole); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// RemoveAllPermissions deletes every permission with its edges and assignments.
func (m *Manager) RemoveAllPermissions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveItems(ctx, TypePermission); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// RemoveAllRules unregisters every rule and clears item references.
func (m *Manager) RemoveAllRules(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveRuleRecords(ctx); err != nil {
		return err
	}
	m.rules = make(map[string]Rule)
	m.invalidate(ctx)
	return nil
}

// RemoveAllAssignments clears every assignment.
func (m *Manager) RemoveAllAssignments(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.RemoveAllAssignments(ctx); err != nil {
		return err
	}
	m.invalidate(ctx)
	return nil
}

// CheckAccess resolves whether the user holds the permission, directly or
// through any ancestor role assignment. Rules on visited items are evaluated
// against params; a false result prunes that path only. Traversal is
// deterministic: assignments and parents are visited in name order.
func (m *Manager) CheckAccess(ctx context.Context, userID, permissionName string, params map[string]any) *async.Promise[bool] {
	permissionName = NormalizeName(permissionName)
	d := async.NewDeferred[bool]()
	go func() {
		ok, err := m.checkAccess(ctx, userID, permissionName, params)
		if err != nil {
			d.Reject(err)
			return
		}
		if m.observer != nil {
			m.observer(ok)
		}
		d.Resolve(ok)
	}()
	return d.Promise()
}

func (m *Manager) checkAccess(ctx context.Context, userID, permissionName string, params map[string]any) (bool, error) {
	if m.cache != nil && len(params) == 0 {
		return m.cache.Do(ctx, userID, permissionName, func() (bool, error) {
			return m.resolveAccess(ctx, userID, permissionName, params)
		})
	}
	return m.resolveAccess(ctx, userID, permissionName, params)
}

func (m *Manager) resolveAccess(ctx context.Context, userID, permissionName string, params map[string]any) (bool, error) {
	assignments, err := m.store.GetAssignments(ctx, userID)
	if err != nil {
		return false, err
	}
	assigned := make(map[string]struct{}, len(assignments)+len(m.defaultRoles))
	for _, a := range assignments {
		assigned[a.ItemName] = struct{}{}
	}
	if userID != "" {
		for _, role := range m.defaultRoles {
			assigned[role] = struct{}{}
		}
	}
	if len(assigned) == 0 {
		return false, nil
	}
	visiting := make(map[string]struct{})
	return m.checkRecursive(ctx, userID, permissionName, params, assigned, visiting)
}

// checkRecursive walks upward from the target item through its parents until
// it reaches an assigned item, evaluating rules along the way.
func (m *Manager) checkRecursive(ctx context.Context, userID, itemName string, params map[string]any, assigned, visiting map[string]struct{}) (bool, error) {
	item, err := m.store.GetItem(ctx, itemName)
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}
	ok, err := m.executeRule(ctx, userID, *item, params)
	if err != nil {
		return false, err
	}
	if !ok {
		// Rule denied: prune this branch, other paths may still grant.
		return false, nil
	}
	if _, has := assigned[itemName]; has {
		return true, nil
	}
	visiting[itemName] = struct{}{}
	defer delete(visiting, itemName)
	parents, err := m.store.GetParents(ctx, itemName)
	if err != nil {
		return false, err
	}
	for _, parent := range parents {
		if _, busy := visiting[parent]; busy {
			continue
		}
		granted, err := m.checkRecursive(ctx, userID, parent, params, assigned, visiting)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) executeRule(ctx context.Context, userID string, item Item, params map[string]any) (bool, error) {
	if item.RuleName == "" {
		return true, nil
	}
	m.mu.Lock()
	rule := m.rules[item.RuleName]
	m.mu.Unlock()
	if rule == nil {
		return false, fmt.Errorf("%w: rule %s referenced by %s", ErrNotFound, item.RuleName, item.Name)
	}
	return rule.Execute(ctx, userID, item, params)
}

// invalidate drops cached check results after a mutation.
func (m *Manager) invalidate(ctx context.Context) {
	if m.cache != nil {
		if err := m.cache.Flush(ctx); err != nil {
			m.logger.Warn("rbac: flush check cache", slog.Any("error", err))
		}
	}
	if m.onInvalidate != nil {
		m.onInvalidate(ctx)
	}
}
