package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/rs/zerolog"
)

// ServerConfig configures the HTTP side of the gateway.
type ServerConfig struct {
	Addr string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// ShutdownGrace is how long Shutdown waits for clients to leave before
	// closing the remaining connections. Zero closes them immediately.
	ShutdownGrace time.Duration

	// SendBufferSize is the per-connection outbound queue length.
	SendBufferSize int

	// TrustForwardedFor keys admission on the first X-Forwarded-For entry
	// instead of the socket peer address. Enable only behind a proxy that
	// overwrites the header.
	TrustForwardedFor bool

	Cookie identity.CookieOptions
}

// Server serves the upgrade endpoints of every hub plus the session,
// notification, health and metrics endpoints.
type Server struct {
	config   ServerConfig
	gateway  *Gateway
	logger   zerolog.Logger
	listener net.Listener
	http     *http.Server
	mux      *http.ServeMux

	// Lifecycle
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewServer wires the routes for g.
func NewServer(config ServerConfig, g *Gateway) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  config,
		gateway: g,
		logger:  g.logger.With().Str("component", "server").Logger(),
		mux:     http.NewServeMux(),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, hub := range g.Hubs() {
		s.mux.HandleFunc("GET "+hub.Path(), s.handleUpgrade(hub))
	}
	s.mux.HandleFunc("POST /api/session", s.handleSignIn)
	s.mux.HandleFunc("DELETE /api/session", s.handleSignOut)
	s.mux.HandleFunc("POST /api/notifications", s.handleNotify)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", monitoring.HandleMetrics)

	s.http = &http.Server{
		Handler:        s.mux,
		ReadTimeout:    config.HTTPReadTimeout,
		WriteTimeout:   config.HTTPWriteTimeout,
		IdleTimeout:    config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on config.Addr and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().
				Err(err).
				Msg("Server accept loop error")
		}
	}()
	return nil
}

// Addr returns the listening address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, gives clients ShutdownGrace to
// leave, closes the rest and waits for every pump to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	stats := s.gateway.stats
	if s.config.ShutdownGrace > 0 && stats.CurrentConnections.Load() > 0 {
		s.logger.Info().
			Int64("active_connections", stats.CurrentConnections.Load()).
			Dur("grace_period", s.config.ShutdownGrace).
			Msg("Draining active connections")

		drainTimer := time.NewTimer(s.config.ShutdownGrace)
		checkTicker := time.NewTicker(time.Second)
	drain:
		for {
			select {
			case <-drainTimer.C:
				s.logger.Warn().
					Int64("remaining_connections", stats.CurrentConnections.Load()).
					Msg("Grace period expired, force closing remaining connections")
				break drain
			case <-ctx.Done():
				break drain
			case <-checkTicker.C:
				if stats.CurrentConnections.Load() == 0 {
					s.logger.Info().Msg("All connections drained gracefully")
					break drain
				}
			}
		}
		drainTimer.Stop()
		checkTicker.Stop()
	}

	if n := s.gateway.CloseAll("server_shutdown"); n > 0 {
		s.logger.Info().Int("closed", n).Msg("Closed remaining connections")
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connection pumps: %w", ctx.Err())
	}
}
