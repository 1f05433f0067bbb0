package gateway

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/limits"
	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/router"
	"github.com/goccy/go-json"
)

const maxRequestBody = 1 << 20

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type principalSummary struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Roles       []string  `json:"roles"`
	Orgs        []string  `json:"orgs"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type notifyRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// handleSignIn exchanges credentials for a session cookie.
func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.admission.Check(s.clientKey(r), limits.RouteAuth); err != nil {
		s.gateway.stats.AdmissionRejected.Add(1)
		s.writeError(w, err)
		return
	}

	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	session, err := s.gateway.broker.Authenticate(r.Context(), identity.Credentials{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	p, err := s.gateway.broker.Resolve(r.Context(), session.PrincipalID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	identity.SetSessionCookie(w, s.config.Cookie, session)
	writeJSON(w, http.StatusOK, principalSummary{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Roles:       p.Roles(),
		Orgs:        p.Orgs(),
		ExpiresAt:   session.AbsoluteDeadline(),
	})
}

// handleSignOut ends the caller's session. Signing out without a session
// succeeds.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.admission.Check(s.clientKey(r), limits.RouteAuth); err != nil {
		s.gateway.stats.AdmissionRejected.Add(1)
		s.writeError(w, err)
		return
	}

	if token := identity.TokenFromRequest(r, s.config.Cookie); token != "" {
		s.gateway.broker.SignOut(r.Context(), token)
	}
	identity.ClearSessionCookie(w, s.config.Cookie)
	w.WriteHeader(http.StatusNoContent)
}

// handleNotify broadcasts a notification to a channel on behalf of an
// administrator.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.admission.Check(s.clientKey(r), limits.RouteAPI); err != nil {
		s.gateway.stats.AdmissionRejected.Add(1)
		s.writeError(w, err)
		return
	}

	_, p, err := s.gateway.broker.ValidateSession(r.Context(), identity.TokenFromRequest(r, s.config.Cookie))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !p.HasAnyRole(identity.RoleAdmin, identity.RoleSuperAdmin) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "administrator role required"})
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if len(req.Data) == 0 || len(req.Data) > messaging.MaxDataSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "data must be present and at most 64KiB"})
		return
	}
	ch, err := presence.ParseChannel(req.Channel)
	if err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.gateway.Send(r.Context(), p, router.BroadcastTo(ch).OnHub(notificationHubName), req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "healthy",
		"stats":  s.gateway.stats.Snapshot(),
	}
	status := http.StatusOK

	if s.gateway.guard != nil {
		resources := s.gateway.guard.GetStats()
		body["resources"] = resources
		if saturated, reason := s.gateway.guard.Saturated(); saturated {
			body["status"] = "degraded"
			body["warnings"] = []string{reason}
		}
	}
	if s.shuttingDown.Load() {
		body["status"] = "shutting_down"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, body)
}

// writeError maps err onto an HTTP status and writes it as JSON.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var denied *limits.AdmissionDeniedError

	switch {
	case errors.As(err, &denied):
		seconds := int(math.Ceil(denied.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		status = http.StatusTooManyRequests
	case errors.Is(err, limits.ErrOverloaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrUnauthenticated),
		errors.Is(err, identity.ErrExpired),
		errors.Is(err, identity.ErrRevoked),
		errors.Is(err, identity.ErrSessionNotFound):
		status = http.StatusUnauthorized
	case errors.Is(err, presence.ErrNotAuthorizedForChannel),
		errors.Is(err, router.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, presence.ErrInvalidChannel),
		errors.Is(err, router.ErrInvalidTarget):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
