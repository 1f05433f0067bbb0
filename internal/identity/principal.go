package identity

import (
	"sort"
	"time"
)

// Roles seeded at bootstrap.
const (
	RoleUser       = "User"
	RoleAdmin      = "Admin"
	RoleSuperAdmin = "SuperAdmin"
	RoleDelivery   = "Delivery"
)

// DefaultRoles is the fixed role set created by Seed.
var DefaultRoles = []string{RoleUser, RoleAdmin, RoleSuperAdmin, RoleDelivery}

// Account is an identity store record.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Disabled     bool
	CreatedAt    time.Time
}

// Principal is the resolved identity of an authenticated caller. It is an
// immutable snapshot: callers that need current privileges resolve a new one.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
	roles       map[string]struct{}
	orgs        map[string]struct{}
}

// NewPrincipal builds a Principal snapshot from role and organization lists.
func NewPrincipal(id, email, displayName string, roles, orgs []string) *Principal {
	p := &Principal{
		ID:          id,
		Email:       email,
		DisplayName: displayName,
		roles:       make(map[string]struct{}, len(roles)),
		orgs:        make(map[string]struct{}, len(orgs)),
	}
	for _, r := range roles {
		p.roles[r] = struct{}{}
	}
	for _, o := range orgs {
		p.orgs[o] = struct{}{}
	}
	return p
}

func (p *Principal) HasRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// HasAnyRole reports whether p holds at least one of roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

func (p *Principal) IsMemberOf(orgID string) bool {
	_, ok := p.orgs[orgID]
	return ok
}

// SharesOrgWith reports whether p and other have a common organization.
func (p *Principal) SharesOrgWith(other *Principal) bool {
	small, large := p.orgs, other.orgs
	if len(small) > len(large) {
		small, large = large, small
	}
	for o := range small {
		if _, ok := large[o]; ok {
			return true
		}
	}
	return false
}

// Roles returns the role names sorted.
func (p *Principal) Roles() []string {
	return sortedKeys(p.roles)
}

// Orgs returns the organization ids sorted.
func (p *Principal) Orgs() []string {
	return sortedKeys(p.orgs)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
