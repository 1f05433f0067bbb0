package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres SQLSTATE codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	disabled      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS roles (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS account_roles (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	role       TEXT NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
	PRIMARY KEY (account_id, role)
);
CREATE TABLE IF NOT EXISTS org_memberships (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	org_id     TEXT NOT NULL,
	PRIMARY KEY (account_id, org_id)
);
`

// PostgresStore implements Store with pgx against the application database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// OpenStore opens the identity store: Postgres with its schema ensured when
// databaseURL is set, otherwise an empty MemoryStore. closeFn releases it.
func OpenStore(ctx context.Context, databaseURL string) (store Store, closeFn func(), err error) {
	if databaseURL == "" {
		return NewMemoryStore(), func() {}, nil
	}
	pg, err := OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the identity tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure identity schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return s.findOne(ctx, `SELECT id, email, display_name, password_hash, disabled, created_at
		FROM accounts WHERE email = $1`, NormalizeEmail(email))
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (*Account, error) {
	return s.findOne(ctx, `SELECT id, email, display_name, password_hash, disabled, created_at
		FROM accounts WHERE id = $1`, id)
}

func (s *PostgresStore) findOne(ctx context.Context, query string, arg string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Disabled, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO accounts (id, email, display_name, password_hash, disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, NormalizeEmail(a.Email), a.DisplayName, a.PasswordHash, a.Disabled, a.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAccountExists
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// Provision runs the account insert, role grants and memberships in one
// transaction.
func (s *PostgresStore) Provision(ctx context.Context, a *Account, roles, orgs []string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO accounts (id, email, display_name, password_hash, disabled, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.ID, NormalizeEmail(a.Email), a.DisplayName, a.PasswordHash, a.Disabled, a.CreatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAccountExists
		}
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		for _, role := range roles {
			if _, err := tx.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT DO NOTHING`, role); err != nil {
				return fmt.Errorf("ensure role %s: %w", role, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO account_roles (account_id, role) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, a.ID, role); err != nil {
				return fmt.Errorf("grant role %s: %w", role, err)
			}
		}
		for _, org := range orgs {
			if _, err := tx.Exec(ctx, `INSERT INTO org_memberships (account_id, org_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, a.ID, org); err != nil {
				return fmt.Errorf("add membership %s: %w", org, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) EnsureRole(ctx context.Context, role string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO roles (name) VALUES ($1) ON CONFLICT DO NOTHING`, role)
	if err != nil {
		return false, fmt.Errorf("ensure role %s: %w", role, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AddToRole(ctx context.Context, accountID, role string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO account_roles (account_id, role) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, accountID, role)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		if pgErr.ConstraintName == "account_roles_role_fkey" {
			return ErrRoleNotFound
		}
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("add to role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveFromRole(ctx context.Context, accountID, role string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM account_roles WHERE account_id = $1 AND role = $2`, accountID, role); err != nil {
		return fmt.Errorf("remove from role: %w", err)
	}
	return nil
}

func (s *PostgresStore) Roles(ctx context.Context, accountID string) ([]string, error) {
	return s.strings(ctx, `SELECT role FROM account_roles WHERE account_id = $1 ORDER BY role`, accountID)
}

func (s *PostgresStore) AddMembership(ctx context.Context, accountID, orgID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO org_memberships (account_id, org_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, accountID, orgID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("add membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, accountID, orgID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM org_memberships WHERE account_id = $1 AND org_id = $2`, accountID, orgID); err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// SetDisabled toggles an account's disabled flag.
func (s *PostgresStore) SetDisabled(ctx context.Context, accountID string, disabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET disabled = $2 WHERE id = $1`, accountID, disabled)
	if err != nil {
		return fmt.Errorf("set disabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) Memberships(ctx context.Context, accountID string) ([]string, error) {
	return s.strings(ctx, `SELECT org_id FROM org_memberships WHERE account_id = $1 ORDER BY org_id`, accountID)
}

func (s *PostgresStore) strings(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}
	return out, nil
}

var _ Store = (*PostgresStore)(nil)
