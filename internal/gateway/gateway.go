package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/limits"
	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/router"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/rs/zerolog"
)

// ErrUnsupported is returned by hubs for frames they do not handle.
var ErrUnsupported = errors.New("operation not supported on this hub")

// SessionBroker is the part of the identity broker the gateway uses.
type SessionBroker interface {
	Authenticate(ctx context.Context, creds identity.Credentials) (*identity.Session, error)
	ValidateSession(ctx context.Context, token string) (*identity.Session, *identity.Principal, error)
	SignOut(ctx context.Context, token string)
	Resolve(ctx context.Context, principalID string) (*identity.Principal, error)
}

// Deps is everything the gateway needs, built once in main.
type Deps struct {
	Admission *limits.AdmissionController
	Guard     *limits.ResourceGuard // optional
	Broker    SessionBroker
	Registry  *presence.Registry
	Router    *router.Router
	Stats     *types.Stats
	Logger    zerolog.Logger
}

// Gateway admits, authenticates and registers client connections and feeds
// their frames to the owning hub.
type Gateway struct {
	admission *limits.AdmissionController
	guard     *limits.ResourceGuard
	broker    SessionBroker
	registry  *presence.Registry
	router    *router.Router
	stats     *types.Stats
	logger    zerolog.Logger
	hubs      map[string]Hub
}

// New creates a Gateway serving hubs.
func New(deps Deps, hubs ...Hub) *Gateway {
	if deps.Stats == nil {
		deps.Stats = types.NewStats()
	}
	g := &Gateway{
		admission: deps.Admission,
		guard:     deps.Guard,
		broker:    deps.Broker,
		registry:  deps.Registry,
		router:    deps.Router,
		stats:     deps.Stats,
		logger:    deps.Logger.With().Str("component", "gateway").Logger(),
		hubs:      make(map[string]Hub, len(hubs)),
	}
	for _, h := range hubs {
		g.hubs[h.Name()] = h
	}
	return g
}

// Hubs returns the registered hubs.
func (g *Gateway) Hubs() []Hub {
	out := make([]Hub, 0, len(g.hubs))
	for _, h := range g.hubs {
		out = append(out, h)
	}
	return out
}

// Authorize runs every check that must pass before a connection is
// accepted: per-origin admission, the process-wide resource guard and
// session validation. Nothing is registered; a failure leaves no state
// behind except the consumed admission slot.
func (g *Gateway) Authorize(ctx context.Context, token, clientKey string) (*identity.Session, *identity.Principal, error) {
	if err := g.admission.Check(clientKey, limits.RouteConnectionUpgrade); err != nil {
		g.stats.AdmissionRejected.Add(1)
		monitoring.RecordConnectionRejected("admission")
		return nil, nil, err
	}

	if g.guard != nil {
		if err := g.guard.Check(); err != nil {
			monitoring.RecordConnectionRejected("overloaded")
			return nil, nil, err
		}
	}

	session, principal, err := g.broker.ValidateSession(ctx, token)
	if err != nil {
		g.stats.AuthRejected.Add(1)
		monitoring.RecordConnectionRejected(identity.FailureReason(err))
		g.logger.Debug().
			Err(err).
			Str("client_key", clientKey).
			Msg("Connection rejected: session invalid")
		return nil, nil, err
	}
	return session, principal, nil
}

// Attach registers an authorized connection with the presence registry and
// hands it to hub.
func (g *Gateway) Attach(ctx context.Context, p *identity.Principal, clientKey string, hub Hub, sink presence.Sink) (*presence.Connection, error) {
	c := presence.NewConnection("", p.ID, hub.Name(), clientKey, sink)
	if err := g.registry.Register(c); err != nil {
		return nil, err
	}

	g.stats.TotalConnections.Add(1)
	current := g.stats.CurrentConnections.Add(1)
	monitoring.RecordConnectionOpened(hub.Name())

	if err := hub.OnConnect(ctx, g, c, p); err != nil {
		g.Close(c.ID, "hub_rejected")
		return nil, fmt.Errorf("%s hub: %w", hub.Name(), err)
	}

	welcome, err := messaging.NewControl(messaging.TypeWelcome, map[string]any{
		"connection_id": c.ID,
		"principal_id":  p.ID,
		"hub":           hub.Name(),
		"channels":      g.registry.Channels(c.ID),
	})
	if err == nil {
		g.reply(c, welcome)
	}

	g.logger.Info().
		Str("connection_id", c.ID).
		Str("principal_id", p.ID).
		Str("hub", hub.Name()).
		Str("client_key", clientKey).
		Int64("current_connections", current).
		Msg("Client connected")
	return c, nil
}

// Open is Authorize followed by Attach.
func (g *Gateway) Open(ctx context.Context, token, clientKey string, hub Hub, sink presence.Sink) (*presence.Connection, error) {
	_, p, err := g.Authorize(ctx, token, clientKey)
	if err != nil {
		return nil, err
	}
	return g.Attach(ctx, p, clientKey, hub, sink)
}

// Close deregisters a connection and closes its transport. It is safe to
// call concurrently with sends and more than once.
func (g *Gateway) Close(connID, reason string) {
	c, ok := g.registry.Deregister(connID)
	if !ok {
		return
	}
	if err := c.CloseSink(); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", connID).Msg("Sink close failed")
	}

	current := g.stats.CurrentConnections.Add(-1)
	duration := time.Since(c.ConnectedAt)
	monitoring.RecordConnectionClosed(c.Hub, duration.Seconds())

	if hub, ok := g.hubs[c.Hub]; ok {
		hub.OnDisconnect(c)
	}

	g.logger.Info().
		Str("connection_id", connID).
		Str("principal_id", c.PrincipalID).
		Str("hub", c.Hub).
		Str("reason", reason).
		Dur("connection_duration", duration).
		Int64("current_connections", current).
		Msg("Client disconnected")
}

// CloseAll closes every registered connection. Used on shutdown.
func (g *Gateway) CloseAll(reason string) int {
	conns := g.registry.All()
	for _, c := range conns {
		g.Close(c.ID, reason)
	}
	return len(conns)
}

// HandleFrame processes one raw frame received on c. Every frame goes
// through admission under the message route class and every non-heartbeat
// frame is handled with the principal as it is right now.
func (g *Gateway) HandleFrame(ctx context.Context, c *presence.Connection, raw []byte) {
	g.stats.MessagesReceived.Add(1)
	monitoring.RecordMessageReceived(c.Hub)

	if err := g.admission.Check(c.ClientKey, limits.RouteMessage); err != nil {
		g.stats.AdmissionRejected.Add(1)
		g.reply(c, messaging.NewError("", messaging.CodeRateLimited, err.Error()))
		return
	}

	frame, err := messaging.ParseFrame(raw)
	if err != nil {
		g.reply(c, messaging.NewError("", messaging.CodeBadFrame, err.Error()))
		return
	}

	if frame.Type == messaging.FrameHeartbeat {
		if pong, err := messaging.NewControl(messaging.TypePong, nil); err == nil {
			pong.Ref = frame.ID
			g.reply(c, pong)
		}
		return
	}

	hub, ok := g.hubs[c.Hub]
	if !ok {
		g.reply(c, messaging.NewError(frame.ID, messaging.CodeInternal, "unknown hub"))
		return
	}

	p, err := g.broker.Resolve(ctx, c.PrincipalID)
	if err != nil {
		g.reply(c, messaging.NewError(frame.ID, messaging.CodeUnauthenticated, err.Error()))
		if errors.Is(err, identity.ErrRevoked) || errors.Is(err, identity.ErrSessionNotFound) {
			g.Close(c.ID, "principal_revoked")
		}
		return
	}

	result, err := hub.OnMessage(ctx, g, c, p, frame)
	if err != nil {
		code := errorCode(err)
		if code == messaging.CodeInternal {
			monitoring.LogError(g.logger, err, "Frame handling failed", map[string]any{
				"connection_id": c.ID,
				"frame_type":    frame.Type,
			})
		}
		g.reply(c, messaging.NewError(frame.ID, code, err.Error()))
		return
	}

	ack, err := messaging.NewAck(frame.ID, frame.Channel, result)
	if err != nil {
		g.reply(c, messaging.NewError(frame.ID, messaging.CodeInternal, "encode ack"))
		return
	}
	g.reply(c, ack)
}

// reply sends a control envelope to c. A full or closed queue drops it.
func (g *Gateway) reply(c *presence.Connection, env *messaging.Envelope) {
	data, err := env.Serialize()
	if err != nil {
		return
	}
	if err := c.Deliver(data); err != nil {
		g.logger.Debug().Err(err).Str("connection_id", c.ID).Str("type", env.Type).Msg("Reply dropped")
	}
}

// Join joins c to ch on behalf of a hub.
func (g *Gateway) Join(ctx context.Context, c *presence.Connection, ch presence.ChannelID) error {
	return g.registry.Join(ctx, c.ID, ch)
}

// Leave removes c from ch.
func (g *Gateway) Leave(c *presence.Connection, ch presence.ChannelID) {
	g.registry.Leave(c.ID, ch)
}

// Send routes a message from p.
func (g *Gateway) Send(ctx context.Context, p *identity.Principal, target router.Target, data []byte) (router.DeliveryReport, error) {
	return g.router.Send(ctx, p, target, data)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, presence.ErrNotAuthorizedForChannel), errors.Is(err, router.ErrNotAuthorized):
		return messaging.CodeForbidden
	case errors.Is(err, presence.ErrInvalidChannel), errors.Is(err, router.ErrInvalidTarget),
		errors.Is(err, messaging.ErrBadFrame):
		return messaging.CodeBadFrame
	case errors.Is(err, ErrUnsupported):
		return messaging.CodeUnsupported
	case errors.Is(err, limits.ErrAdmissionDenied):
		return messaging.CodeRateLimited
	case errors.Is(err, identity.ErrRevoked), errors.Is(err, identity.ErrSessionNotFound):
		return messaging.CodeUnauthenticated
	default:
		return messaging.CodeInternal
	}
}
