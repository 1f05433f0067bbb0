package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/gobwas/ws"
)

// handleUpgrade returns the WebSocket upgrade handler for hub.
//
// Admission, the resource guard and session validation all run before the
// handshake, so every rejection is a plain HTTP response.
func (s *Server) handleUpgrade(hub Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		clientKey := s.clientKey(r)

		s.logger.Debug().
			Str("client_key", clientKey).
			Str("hub", hub.Name()).
			Str("user_agent", r.Header.Get("User-Agent")).
			Str("origin", r.Header.Get("Origin")).
			Msg("WebSocket upgrade request received")

		// Reject new connections during graceful shutdown
		if s.shuttingDown.Load() {
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}

		token := identity.TokenFromRequest(r, s.config.Cookie)
		session, principal, err := s.gateway.Authorize(r.Context(), token, clientKey)
		if err != nil {
			s.writeError(w, err)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			monitoring.RecordConnectionRejected("upgrade_failed")
			s.logger.Error().
				Err(err).
				Str("client_key", clientKey).
				Dur("total_elapsed_ms", time.Since(startTime)).
				Msg("WebSocket upgrade failed")
			return
		}

		client := newClient(conn, s.config.SendBufferSize, s.logger)
		c, err := s.gateway.Attach(s.ctx, principal, clientKey, hub, client)
		if err != nil {
			monitoring.LogError(s.logger, err, "Failed to attach connection", map[string]any{
				"principal_id": principal.ID,
				"hub":          hub.Name(),
			})
			client.closeConn()
			return
		}

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			client.writePump(c.ID)
		}()
		go func() {
			defer s.wg.Done()
			client.readPump(s.ctx, s.gateway, c)
		}()

		s.logger.Debug().
			Str("connection_id", c.ID).
			Str("session_id", session.ID).
			Dur("total_setup_time_ms", time.Since(startTime)).
			Msg("Pumps started")
	}
}

// clientKey extracts the admission key for r: the socket peer address, or
// the first X-Forwarded-For entry when the proxy is trusted.
func (s *Server) clientKey(r *http.Request) string {
	if s.config.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If split fails, return as-is (might be just IP without port)
		return r.RemoteAddr
	}
	return ip
}
