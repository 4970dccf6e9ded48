package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store is the persistence boundary for the permission graph. Structural
// validation (cycles, type constraints) happens in the Manager before any
// store mutation; implementations only enforce name and key uniqueness.
//
// Read lookups for missing records return zero values without error; write
// operations that require an existing target return ErrNotFound.
type Store interface {
	GetItem(ctx context.Context, name string) (*Item, error)
	ListItems(ctx context.Context, t ItemType) ([]Item, error)
	AddItem(ctx context.Context, item Item) error
	UpdateItem(ctx context.Context, name string, item Item) error
	RemoveItem(ctx context.Context, name string) error
	RemoveItems(ctx context.Context, t ItemType) error

	AddRuleRecord(ctx context.Context, name string) error
	HasRuleRecord(ctx context.Context, name string) (bool, error)
	RemoveRuleRecord(ctx context.Context, name string) error
	RemoveRuleRecords(ctx context.Context) error

	AddChild(ctx context.Context, parent, child string) error
	RemoveChild(ctx context.Context, parent, child string) error
	RemoveChildren(ctx context.Context, parent string) error
	HasChild(ctx context.Context, parent, child string) (bool, error)
	// GetChildren returns direct children ordered by name.
	GetChildren(ctx context.Context, parent string) ([]Item, error)
	// GetParents returns direct parent names ordered lexicographically.
	GetParents(ctx context.Context, child string) ([]string, error)

	AddAssignment(ctx context.Context, a Assignment) error
	GetAssignment(ctx context.Context, itemName, userID string) (*Assignment, error)
	// GetAssignments returns the user's assignments ordered by item name.
	GetAssignments(ctx context.Context, userID string) ([]Assignment, error)
	GetUserIDsByItem(ctx context.Context, itemName string) ([]string, error)
	RemoveAssignment(ctx context.Context, itemName, userID string) error
	RemoveAssignmentsForUser(ctx context.Context, userID string) error
	RemoveAllAssignments(ctx context.Context) error
}

// MemoryStore keeps the whole graph in process memory, indexed by item name
// with separate parent and child adjacency sets. It is the authoritative
// store for single-process deployments and for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	items       map[string]Item
	rules       map[string]struct{}
	children    map[string]map[string]struct{}
	parents     map[string]map[string]struct{}
	assignments map[string]map[string]Assignment // userID -> itemName -> assignment
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]Item),
		rules:       make(map[string]struct{}),
		children:    make(map[string]map[string]struct{}),
		parents:     make(map[string]map[string]struct{}),
		assignments: make(map[string]map[string]Assignment),
	}
}

func (s *MemoryStore) GetItem(ctx context.Context, name string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[name]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (s *MemoryStore) ListItems(ctx context.Context, t ItemType) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		if item.Type == t {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AddItem(ctx context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, item.Name)
	}
	s.items[item.Name] = item
	return nil
}

func (s *MemoryStore) UpdateItem(ctx context.Context, name string, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if item.Name != name {
		if _, exists := s.items[item.Name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateName, item.Name)
		}
		s.renameLocked(name, item.Name)
	}
	s.items[item.Name] = item
	return nil
}

// renameLocked rewrites adjacency and assignment keys after an item rename.
func (s *MemoryStore) renameLocked(oldName, newName string) {
	delete(s.items, oldName)
	if kids, ok := s.children[oldName]; ok {
		delete(s.children, oldName)
		s.children[newName] = kids
		for child := range kids {
			delete(s.parents[child], oldName)
			s.parents[child][newName] = struct{}{}
		}
	}
	if pars, ok := s.parents[oldName]; ok {
		delete(s.parents, oldName)
		s.parents[newName] = pars
		for parent := range pars {
			delete(s.children[parent], oldName)
			s.children[parent][newName] = struct{}{}
		}
	}
	for _, byItem := range s.assignments {
		if a, ok := byItem[oldName]; ok {
			delete(byItem, oldName)
			a.ItemName = newName
			byItem[newName] = a
		}
	}
}

func (s *MemoryStore) RemoveItem(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.removeItemLocked(name)
	return nil
}

// removeItemLocked deletes an item and cascades to its edges and assignments.
func (s *MemoryStore) removeItemLocked(name string) {
	delete(s.items, name)
	for child := range s.children[name] {
		delete(s.parents[child], name)
	}
	delete(s.children, name)
	for parent := range s.parents[name] {
		delete(s.children[parent], name)
	}
	delete(s.parents, name)
	for _, byItem := range s.assignments {
		delete(byItem, name)
	}
}

func (s *MemoryStore) RemoveItems(ctx context.Context, t ItemType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, item := range s.items {
		if item.Type == t {
			s.removeItemLocked(name)
		}
	}
	return nil
}

func (s *MemoryStore) AddRuleRecord(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[name]; exists {
		return fmt.Errorf("%w: rule %s", ErrDuplicateName, name)
	}
	s.rules[name] = struct{}{}
	return nil
}

func (s *MemoryStore) HasRuleRecord(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rules[name]
	return ok, nil
}

func (s *MemoryStore) RemoveRuleRecord(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[name]; !exists {
		return fmt.Errorf("%w: rule %s", ErrNotFound, name)
	}
	delete(s.rules, name)
	// Rule deletion cascade-clears references on items, it does not delete them.
	for key, item := range s.items {
		if item.RuleName == name {
			item.RuleName = ""
			s.items[key] = item
		}
	}
	return nil
}

func (s *MemoryStore) RemoveRuleRecords(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = make(map[string]struct{})
	for key, item := range s.items {
		if item.RuleName != "" {
			item.RuleName = ""
			s.items[key] = item
		}
	}
	return nil
}

func (s *MemoryStore) AddChild(ctx context.Context, parent, child string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.children[parent] == nil {
		s.children[parent] = make(map[string]struct{})
	}
	if s.parents[child] == nil {
		s.parents[child] = make(map[string]struct{})
	}
	s.children[parent][child] = struct{}{}
	s.parents[child][parent] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveChild(ctx context.Context, parent, child string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children[parent], child)
	delete(s.parents[child], parent)
	return nil
}

func (s *MemoryStore) RemoveChildren(ctx context.Context, parent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for child := range s.children[parent] {
		delete(s.parents[child], parent)
	}
	delete(s.children, parent)
	return nil
}

func (s *MemoryStore) HasChild(ctx context.Context, parent, child string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.children[parent][child]
	return ok, nil
}

func (s *MemoryStore) GetChildren(ctx context.Context, parent string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.children[parent]))
	for child := range s.children[parent] {
		names = append(names, child)
	}
	sort.Strings(names)
	out := make([]Item, 0, len(names))
	for _, name := range names {
		if item, ok := s.items[name]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetParents(ctx context.Context, child string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.parents[child]))
	for parent := range s.parents[child] {
		names = append(names, parent)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) AddAssignment(ctx context.Context, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byItem := s.assignments[a.UserID]
	if byItem == nil {
		byItem = make(map[string]Assignment)
		s.assignments[a.UserID] = byItem
	}
	if _, exists := byItem[a.ItemName]; exists {
		return fmt.Errorf("%w: %s for user %s", ErrDuplicateAssignment, a.ItemName, a.UserID)
	}
	byItem[a.ItemName] = a
	return nil
}

func (s *MemoryStore) GetAssignment(ctx context.Context, itemName, userID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[userID][itemName]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) GetAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Assignment, 0, len(s.assignments[userID]))
	for _, a := range s.assignments[userID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemName < out[j].ItemName })
	return out, nil
}

func (s *MemoryStore) GetUserIDsByItem(ctx context.Context, itemName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID, byItem := range s.assignments {
		if _, ok := byItem[itemName]; ok {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) RemoveAssignment(ctx context.Context, itemName, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[userID][itemName]; !ok {
		return fmt.Errorf("%w: assignment %s for user %s", ErrNotFound, itemName, userID)
	}
	delete(s.assignments[userID], itemName)
	return nil
}

func (s *MemoryStore) RemoveAssignmentsForUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, userID)
	return nil
}

func (s *MemoryStore) RemoveAllAssignments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = make(map[string]map[string]Assignment)
	return nil
}
