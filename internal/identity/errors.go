package identity

import "errors"

var (
	// ErrInvalidCredentials is returned by Authenticate for an unknown
	// email, a wrong password or a disabled account.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthenticated is returned when no token was presented or the
	// token is malformed or carries a bad signature.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrExpired is returned when the session passed its idle or absolute
	// expiration.
	ErrExpired = errors.New("session expired")

	// ErrRevoked is returned for signed-out sessions and disabled accounts.
	ErrRevoked = errors.New("session revoked")

	// ErrSessionNotFound is returned for a well-signed token whose session
	// the broker does not know (e.g. issued before a restart).
	ErrSessionNotFound = errors.New("session not found")

	// ErrAccountNotFound is returned by Store lookups.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned by Store.Create for a duplicate email.
	ErrAccountExists = errors.New("account already exists")

	// ErrRoleNotFound is returned by AddToRole for a role that was never
	// created.
	ErrRoleNotFound = errors.New("role not found")
)

// FailureReason maps a broker error onto a short metric label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	default:
		return "internal"
	}
}
