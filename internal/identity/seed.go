package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SeedAccount describes an account created at bootstrap.
type SeedAccount struct {
	Email       string   `yaml:"email"`
	DisplayName string   `yaml:"display_name"`
	Password    string   `yaml:"password"`
	Roles       []string `yaml:"roles"`
	Orgs        []string `yaml:"orgs"`
}

// SeedReport summarizes what Seed changed.
type SeedReport struct {
	RolesCreated    int
	AccountsCreated int
	AccountsSkipped int
}

// Seed creates the default roles and the given accounts. Each account is
// provisioned with its roles and memberships as one unit, so a failed run
// leaves no half-created account behind. Running it again is a no-op:
// existing roles are kept and existing emails are skipped without touching
// their password, roles or memberships.
func Seed(ctx context.Context, store Store, hasher *Hasher, accounts []SeedAccount, logger zerolog.Logger) (SeedReport, error) {
	var report SeedReport
	if hasher == nil {
		hasher = NewHasher(0)
	}

	for _, role := range DefaultRoles {
		created, err := store.EnsureRole(ctx, role)
		if err != nil {
			return report, fmt.Errorf("ensure role %s: %w", role, err)
		}
		if created {
			report.RolesCreated++
			logger.Info().Str("role", role).Msg("Role created")
		}
	}

	for _, sa := range accounts {
		_, err := store.FindByEmail(ctx, sa.Email)
		if err == nil {
			report.AccountsSkipped++
			continue
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return report, fmt.Errorf("lookup %s: %w", sa.Email, err)
		}

		hash, err := hasher.Hash([]byte(sa.Password))
		if err != nil {
			return report, fmt.Errorf("hash password for %s: %w", sa.Email, err)
		}
		acct := &Account{
			ID:           uuid.NewString(),
			Email:        NormalizeEmail(sa.Email),
			DisplayName:  sa.DisplayName,
			PasswordHash: hash,
			CreatedAt:    time.Now().UTC(),
		}
		roles := sa.Roles
		if len(roles) == 0 {
			roles = []string{RoleUser}
		}
		if err := store.Provision(ctx, acct, roles, sa.Orgs); err != nil {
			if errors.Is(err, ErrAccountExists) {
				report.AccountsSkipped++
				continue
			}
			return report, fmt.Errorf("provision %s: %w", sa.Email, err)
		}

		report.AccountsCreated++
		logger.Info().
			Str("email", acct.Email).
			Strs("roles", roles).
			Msg("Account seeded")
	}

	return report, nil
}

// DefaultSeedAccounts returns the bootstrap administrator account.
func DefaultSeedAccounts(adminEmail, adminPassword string) []SeedAccount {
	return []SeedAccount{{
		Email:       adminEmail,
		DisplayName: "Administrator",
		Password:    adminPassword,
		Roles:       []string{RoleSuperAdmin, RoleAdmin, RoleUser},
	}}
}
