package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store is the role/identity store the broker reads from. It is owned by the
// wider web application; the real-time core only needs these operations.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	// Provision creates a together with its roles and memberships, creating
	// missing roles. Either all of it is stored or none of it is.
	Provision(ctx context.Context, a *Account, roles, orgs []string) error

	EnsureRole(ctx context.Context, role string) (created bool, err error)
	AddToRole(ctx context.Context, accountID, role string) error
	RemoveFromRole(ctx context.Context, accountID, role string) error
	Roles(ctx context.Context, accountID string) ([]string, error)

	AddMembership(ctx context.Context, accountID, orgID string) error
	RemoveMembership(ctx context.Context, accountID, orgID string) error
	Memberships(ctx context.Context, accountID string) ([]string, error)
}

// NormalizeEmail lowercases and trims an email for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MemoryStore is an in-process Store used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // id → account
	byEmail  map[string]string   // normalized email → id
	roles    map[string]struct{}
	granted  map[string]map[string]struct{} // account id → roles
	orgs     map[string]map[string]struct{} // account id → org ids
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byEmail:  make(map[string]string),
		roles:    make(map[string]struct{}),
		granted:  make(map[string]map[string]struct{}),
		orgs:     make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) FindByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	a := *s.accounts[id]
	return &a, nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(a.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrAccountExists
	}
	if _, ok := s.accounts[a.ID]; ok {
		return ErrAccountExists
	}
	cp := *a
	cp.Email = email
	s.accounts[a.ID] = &cp
	s.byEmail[email] = a.ID
	return nil
}

func (s *MemoryStore) Provision(_ context.Context, a *Account, roles, orgs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := NormalizeEmail(a.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrAccountExists
	}
	if _, ok := s.accounts[a.ID]; ok {
		return ErrAccountExists
	}
	cp := *a
	cp.Email = email
	s.accounts[a.ID] = &cp
	s.byEmail[email] = a.ID
	for _, role := range roles {
		s.roles[role] = struct{}{}
		addTo(s.granted, a.ID, role)
	}
	for _, org := range orgs {
		addTo(s.orgs, a.ID, org)
	}
	return nil
}

// SetDisabled toggles an account's disabled flag.
func (s *MemoryStore) SetDisabled(_ context.Context, accountID string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	a.Disabled = disabled
	return nil
}

func (s *MemoryStore) EnsureRole(_ context.Context, role string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role]; ok {
		return false, nil
	}
	s.roles[role] = struct{}{}
	return true, nil
}

func (s *MemoryStore) AddToRole(_ context.Context, accountID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	if _, ok := s.roles[role]; !ok {
		return ErrRoleNotFound
	}
	addTo(s.granted, accountID, role)
	return nil
}

func (s *MemoryStore) RemoveFromRole(_ context.Context, accountID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.granted[accountID], role)
	return nil
}

func (s *MemoryStore) Roles(_ context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.granted[accountID]), nil
}

// RoleNames lists every role record.
func (s *MemoryStore) RoleNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.roles)
}

// AccountCount returns the number of accounts.
func (s *MemoryStore) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

func (s *MemoryStore) AddMembership(_ context.Context, accountID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	addTo(s.orgs, accountID, orgID)
	return nil
}

func (s *MemoryStore) RemoveMembership(_ context.Context, accountID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orgs[accountID], orgID)
	return nil
}

func (s *MemoryStore) Memberships(_ context.Context, accountID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return setToSlice(s.orgs[accountID]), nil
}

func addTo(m map[string]map[string]struct{}, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

var _ Store = (*MemoryStore)(nil)
