package identity

import (
	"context"
	"errors"
	"fmt"
)

// Resolver re-derives a principal from current store state.
type Resolver interface {
	Resolve(ctx context.Context, principalID string) (*Principal, error)
}

// ClaimsFactory builds Principals from the identity store. Every call reads
// the store again, so a revoked role or membership is visible on the next
// Resolve.
type ClaimsFactory struct {
	store Store
}

func NewClaimsFactory(store Store) *ClaimsFactory {
	return &ClaimsFactory{store: store}
}

// Resolve returns the current principal for accountID. Unknown accounts
// yield ErrSessionNotFound and disabled accounts ErrRevoked.
func (f *ClaimsFactory) Resolve(ctx context.Context, accountID string) (*Principal, error) {
	acct, err := f.store.FindByID(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve account %s: %w", accountID, err)
	}
	if acct.Disabled {
		return nil, ErrRevoked
	}

	roles, err := f.store.Roles(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve roles for %s: %w", accountID, err)
	}
	orgs, err := f.store.Memberships(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve memberships for %s: %w", accountID, err)
	}

	return NewPrincipal(acct.ID, acct.Email, acct.DisplayName, roles, orgs), nil
}
