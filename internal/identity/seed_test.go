package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hasher := NewHasher(bcrypt.MinCost)
	accounts := append(DefaultSeedAccounts("admin@example.com", "s3cret"), SeedAccount{
		Email:    "courier@example.com",
		Password: "pw",
		Roles:    []string{RoleDelivery},
		Orgs:     []string{"acme"},
	})

	first, err := Seed(ctx, store, hasher, accounts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, SeedReport{RolesCreated: 4, AccountsCreated: 2}, first)

	admin, err := store.FindByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	originalHash := admin.PasswordHash

	second, err := Seed(ctx, store, hasher, accounts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, SeedReport{AccountsSkipped: 2}, second)

	assert.Equal(t, 2, store.AccountCount())
	assert.ElementsMatch(t, DefaultRoles, store.RoleNames())

	admin, err = store.FindByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, originalHash, admin.PasswordHash)
	require.NoError(t, hasher.Compare(admin.PasswordHash, []byte("s3cret")))

	roles, err := store.Roles(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin, RoleSuperAdmin, RoleUser}, roles)

	courier, err := store.FindByEmail(ctx, "courier@example.com")
	require.NoError(t, err)
	orgs, err := store.Memberships(ctx, courier.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, orgs)
}

// failOnceStore rejects the first Provision, as a store whose transaction
// aborted would.
type failOnceStore struct {
	*MemoryStore
	failed bool
}

func (s *failOnceStore) Provision(ctx context.Context, a *Account, roles, orgs []string) error {
	if !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.MemoryStore.Provision(ctx, a, roles, orgs)
}

func TestSeed_FailedAccountIsCompletedOnRerun(t *testing.T) {
	ctx := context.Background()
	store := &failOnceStore{MemoryStore: NewMemoryStore()}
	hasher := NewHasher(bcrypt.MinCost)
	accounts := []SeedAccount{{
		Email:    "ops@example.com",
		Password: "pw",
		Roles:    []string{RoleAdmin},
		Orgs:     []string{"acme"},
	}}

	_, err := Seed(ctx, store, hasher, accounts, zerolog.Nop())
	require.Error(t, err)
	_, err = store.FindByEmail(ctx, "ops@example.com")
	require.ErrorIs(t, err, ErrAccountNotFound, "nothing half-created")

	report, err := Seed(ctx, store, hasher, accounts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, report.AccountsCreated)

	acct, err := store.FindByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	roles, err := store.Roles(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdmin}, roles)
	orgs, err := store.Memberships(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, orgs)
}

func TestMemoryStore_ProvisionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Provision(ctx, &Account{ID: "a1", Email: "Bob@Example.com"}, []string{"Auditor"}, []string{"acme"}))

	err := store.Provision(ctx, &Account{ID: "a2", Email: "bob@example.com"}, []string{RoleAdmin}, []string{"globex"})
	require.ErrorIs(t, err, ErrAccountExists)
	_, err = store.FindByID(ctx, "a2")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, []string{"Auditor"}, store.RoleNames(), "roles of a rejected account are not created")

	roles, err := store.Roles(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Auditor"}, roles)
	orgs, err := store.Memberships(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, orgs)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Create(ctx, &Account{ID: "a1", Email: " Bob@Example.COM "}))
	assert.ErrorIs(t, store.Create(ctx, &Account{ID: "a2", Email: "bob@example.com"}), ErrAccountExists)

	got, err := store.FindByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, "bob@example.com", got.Email)

	_, err = store.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.ErrorIs(t, store.AddToRole(ctx, "a1", "Ghost"), ErrRoleNotFound)
	assert.ErrorIs(t, store.AddMembership(ctx, "missing", "acme"), ErrAccountNotFound)

	created, err := store.EnsureRole(ctx, RoleUser)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = store.EnsureRole(ctx, RoleUser)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, store.AddToRole(ctx, "a1", RoleUser))
	require.NoError(t, store.RemoveFromRole(ctx, "a1", RoleUser))
	roles, err := store.Roles(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, roles)

	// Mutating a returned account does not touch the store.
	got.DisplayName = "changed"
	again, err := store.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, again.DisplayName)
}

func TestSessionCookie(t *testing.T) {
	opts := CookieOptions{Secure: true}
	s := &Session{
		Token:              "tok",
		IssuedAt:           time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		AbsoluteExpiration: 24 * time.Hour,
	}

	rec := httptest.NewRecorder()
	SetSessionCookie(rec, opts, s)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, DefaultCookieName, c.Name)
	assert.Equal(t, "tok", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.True(t, c.Expires.Equal(s.AbsoluteDeadline()))

	rec = httptest.NewRecorder()
	ClearSessionCookie(rec, opts)
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
}

func TestTokenFromRequest(t *testing.T) {
	opts := CookieOptions{Name: "sid"}

	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	assert.Empty(t, TokenFromRequest(r, opts))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", TokenFromRequest(r, opts))

	r.AddCookie(&http.Cookie{Name: "sid", Value: "from-cookie"})
	assert.Equal(t, "from-cookie", TokenFromRequest(r, opts), "cookie wins over header")

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, TokenFromRequest(r, opts))
}
