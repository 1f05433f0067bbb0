package identity

import (
	"net/http"
	"strings"
)

// DefaultCookieName is the session cookie name used when none is configured.
const DefaultCookieName = "techshare_session"

// CookieOptions controls the session cookie attributes.
type CookieOptions struct {
	Name   string
	Secure bool
	Path   string
}

func (o CookieOptions) name() string {
	if o.Name == "" {
		return DefaultCookieName
	}
	return o.Name
}

func (o CookieOptions) path() string {
	if o.Path == "" {
		return "/"
	}
	return o.Path
}

// SetSessionCookie writes the session cookie. Expires is the absolute
// deadline; the idle window is enforced only by Validate.
func SetSessionCookie(w http.ResponseWriter, opts CookieOptions, s *Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.name(),
		Value:    s.Token,
		Path:     opts.path(),
		Expires:  s.AbsoluteDeadline(),
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie deletes the session cookie.
func ClearSessionCookie(w http.ResponseWriter, opts CookieOptions) {
	http.SetCookie(w, &http.Cookie{
		Name:     opts.name(),
		Value:    "",
		Path:     opts.path(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TokenFromRequest returns the session token from the cookie, falling back
// to an "Authorization: Bearer" header. It returns "" when neither is set.
func TokenFromRequest(r *http.Request, opts CookieOptions) string {
	if c, err := r.Cookie(opts.name()); err == nil && c.Value != "" {
		return c.Value
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
