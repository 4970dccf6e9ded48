package identity

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any authentication failure. The
// cause (unknown user, wrong password, disabled account) is deliberately not
// distinguished.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// User is a stored account.
type User struct {
	ID           string
	Name         string
	PasswordHash string
	IsActive     bool
}

// UserStore looks accounts up for authentication.
type UserStore interface {
	FindByName(ctx context.Context, name string) (*User, error)
}

// Authenticator verifies credentials against a UserStore.
type Authenticator struct {
	store UserStore
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(store UserStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate checks name/password and returns the matching principal.
func (a *Authenticator) Authenticate(ctx context.Context, name, password string) (Principal, error) {
	user, err := a.store.FindByName(ctx, name)
	if err != nil || user == nil {
		return Guest(), ErrInvalidCredentials
	}
	if !user.IsActive {
		return Guest(), ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Guest(), ErrInvalidCredentials
	}
	return Principal{ID: user.ID, Name: user.Name}, nil
}

// HashPassword produces a bcrypt hash at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MemoryUserStore is an in-memory UserStore for tests and demos.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*User)}
}

// Add registers an account, replacing any existing one with the same name.
func (s *MemoryUserStore) Add(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Name] = &u
}

// FindByName implements UserStore.
func (s *MemoryUserStore) FindByName(_ context.Context, name string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// Names lists registered account names in sorted order.
func (s *MemoryUserStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
