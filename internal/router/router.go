// Package router delivers messages from an authenticated sender to the live
// connections of a principal or a channel.
//
// Delivery is at-most-once. Each recipient connection gets the payload
// through its non-blocking send queue; a connection that is closed or whose
// queue is full is recorded as failed and skipped. Nothing is retried and
// nothing is kept for recipients that are offline.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

var (
	// ErrNotAuthorized is returned when the sender may not reach the target.
	ErrNotAuthorized = errors.New("not authorized to send to target")

	// ErrInvalidTarget is returned for an empty or malformed target.
	ErrInvalidTarget = errors.New("invalid target")
)

// TargetKind distinguishes direct and broadcast sends.
type TargetKind string

const (
	TargetDirect    TargetKind = "direct"
	TargetBroadcast TargetKind = "broadcast"
)

// Target addresses a send. A non-empty Hub limits delivery to connections
// opened on that hub.
type Target struct {
	Kind        TargetKind
	PrincipalID string
	Channel     presence.ChannelID
	Hub         string
}

// DirectTo addresses every live connection of a principal.
func DirectTo(principalID string) Target {
	return Target{Kind: TargetDirect, PrincipalID: principalID}
}

// BroadcastTo addresses every authorized connection joined to a channel.
func BroadcastTo(ch presence.ChannelID) Target {
	return Target{Kind: TargetBroadcast, Channel: ch}
}

// OnHub returns a copy of t restricted to connections of the named hub.
func (t Target) OnHub(hub string) Target {
	t.Hub = hub
	return t
}

// DeliveryReport is the outcome of one send. Skipped counts joined
// connections whose principal is no longer authorized for the channel.
type DeliveryReport struct {
	Attempted int      `json:"attempted"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed"`
	Skipped   int      `json:"skipped,omitempty"`
}

// Relay forwards delivered messages to other gateway nodes.
type Relay interface {
	Publish(ctx context.Context, frame RelayFrame) error
}

// Config configures a Router.
type Config struct {
	// NodeID identifies this process in relayed frames.
	NodeID string
	Logger zerolog.Logger
	Stats  *types.Stats

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Router resolves targets through the presence registry and delivers.
type Router struct {
	registry *presence.Registry
	resolver identity.Resolver
	relay    Relay
	nodeID   string
	logger   zerolog.Logger
	stats    *types.Stats
	now      func() time.Time
}

// New creates a Router. resolver is used to re-check recipients' current
// authorization on every broadcast.
func New(registry *presence.Registry, resolver identity.Resolver, config Config) *Router {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Stats == nil {
		config.Stats = types.NewStats()
	}
	return &Router{
		registry: registry,
		resolver: resolver,
		nodeID:   config.NodeID,
		logger:   config.Logger.With().Str("component", "router").Logger(),
		stats:    config.Stats,
		now:      config.Now,
	}
}

// SetRelay attaches a cross-node relay. It must be called before the first
// Send.
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

// NodeID returns the id stamped on relayed frames.
func (r *Router) NodeID() string {
	return r.nodeID
}

// Send delivers payload from sender to target. payload must be valid JSON.
//
// A direct send requires sender and recipient to share an organization or
// the recipient to have a live connection joined to their direct channel.
// Principals may always send to themselves. A broadcast requires the sender to be authorized for the channel; recipients are
// filtered by their current authorization.
func (r *Router) Send(ctx context.Context, sender *identity.Principal, target Target, payload json.RawMessage) (DeliveryReport, error) {
	if sender == nil {
		return DeliveryReport{}, ErrNotAuthorized
	}

	switch target.Kind {
	case TargetDirect:
		return r.sendDirect(ctx, sender, target.PrincipalID, target.Hub, payload)
	case TargetBroadcast:
		return r.sendBroadcast(ctx, sender, target.Channel, target.Hub, payload)
	default:
		return DeliveryReport{}, fmt.Errorf("%w: kind %q", ErrInvalidTarget, target.Kind)
	}
}

func (r *Router) sendDirect(ctx context.Context, sender *identity.Principal, recipientID, hub string, payload json.RawMessage) (DeliveryReport, error) {
	if recipientID == "" {
		return DeliveryReport{}, fmt.Errorf("%w: empty recipient", ErrInvalidTarget)
	}
	if err := r.authorizeDirect(ctx, sender, recipientID); err != nil {
		return DeliveryReport{}, err
	}

	ch := presence.DirectChannel(sender.ID, recipientID)
	encoded, err := messaging.NewMessage(sender.ID, string(ch), payload, r.now()).Serialize()
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("encode direct message: %w", err)
	}

	report := r.fanout(onHub(r.registry.ConnectionsForPrincipal(recipientID), hub), encoded)
	r.record(monitoring.DeliveryDirect, report)
	r.publish(ctx, RelayFrame{
		Kind:      TargetDirect,
		Sender:    sender.ID,
		Principal: recipientID,
		Channel:   string(ch),
		Hub:       hub,
		Payload:   encoded,
	})

	r.logger.Debug().
		Str("from", sender.ID).
		Str("to", recipientID).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Msg("Direct message routed")
	return report, nil
}

func (r *Router) authorizeDirect(ctx context.Context, sender *identity.Principal, recipientID string) error {
	if sender.ID == recipientID {
		return nil
	}
	if r.recipientOpenedConversation(sender.ID, recipientID) {
		return nil
	}

	recipient, err := r.resolver.Resolve(ctx, recipientID)
	switch {
	case errors.Is(err, identity.ErrSessionNotFound), errors.Is(err, identity.ErrRevoked):
		return fmt.Errorf("%w: unknown recipient %s", ErrNotAuthorized, recipientID)
	case err != nil:
		return fmt.Errorf("resolve recipient %s: %w", recipientID, err)
	}
	if !sender.SharesOrgWith(recipient) {
		return fmt.Errorf("%w: no shared context with %s", ErrNotAuthorized, recipientID)
	}
	return nil
}

// recipientOpenedConversation reports whether the recipient has a live
// connection joined to the pair's direct channel. The sender's own joins do
// not count, otherwise anyone could open a conversation with anyone.
func (r *Router) recipientOpenedConversation(senderID, recipientID string) bool {
	for _, c := range r.registry.ConnectionsForChannel(presence.DirectChannel(senderID, recipientID)) {
		if c.PrincipalID == recipientID {
			return true
		}
	}
	return false
}

func (r *Router) sendBroadcast(ctx context.Context, sender *identity.Principal, ch presence.ChannelID, hub string, payload json.RawMessage) (DeliveryReport, error) {
	if ch == "" {
		return DeliveryReport{}, fmt.Errorf("%w: empty channel", ErrInvalidTarget)
	}
	if err := presence.Authorize(sender, ch); err != nil {
		return DeliveryReport{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	encoded, err := messaging.NewMessage(sender.ID, string(ch), payload, r.now()).Serialize()
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("encode broadcast: %w", err)
	}

	report := r.deliverChannel(ctx, ch, hub, encoded)
	r.record(monitoring.DeliveryBroadcast, report)
	r.publish(ctx, RelayFrame{
		Kind:    TargetBroadcast,
		Sender:  sender.ID,
		Channel: string(ch),
		Hub:     hub,
		Payload: encoded,
	})

	r.logger.Debug().
		Str("from", sender.ID).
		Str("channel", string(ch)).
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("skipped", report.Skipped).
		Msg("Broadcast routed")
	return report, nil
}

// deliverChannel sends encoded to the channel's connections on hub whose
// principal is still authorized. Each distinct principal is resolved once.
func (r *Router) deliverChannel(ctx context.Context, ch presence.ChannelID, hub string, encoded []byte) DeliveryReport {
	subscribers := onHub(r.registry.ConnectionsForChannel(ch), hub)
	if len(subscribers) == 0 {
		return DeliveryReport{Failed: []string{}}
	}

	allowed := make(map[string]bool)
	recipients := make([]*presence.Connection, 0, len(subscribers))
	skipped := 0
	for _, c := range subscribers {
		ok, seen := allowed[c.PrincipalID]
		if !seen {
			p, err := r.resolver.Resolve(ctx, c.PrincipalID)
			ok = err == nil && presence.Authorize(p, ch) == nil
			allowed[c.PrincipalID] = ok
		}
		if !ok {
			skipped++
			continue
		}
		recipients = append(recipients, c)
	}

	report := r.fanout(recipients, encoded)
	report.Skipped = skipped
	return report
}

// onHub keeps the connections opened on hub. An empty hub keeps all.
func onHub(conns []*presence.Connection, hub string) []*presence.Connection {
	if hub == "" {
		return conns
	}
	kept := make([]*presence.Connection, 0, len(conns))
	for _, c := range conns {
		if c.Hub == hub {
			kept = append(kept, c)
		}
	}
	return kept
}

// fanout hands encoded to every connection. One failure never stops the
// rest.
func (r *Router) fanout(conns []*presence.Connection, encoded []byte) DeliveryReport {
	report := DeliveryReport{Failed: []string{}}
	for _, c := range conns {
		report.Attempted++
		if err := c.Deliver(encoded); err != nil {
			report.Failed = append(report.Failed, c.ID)
			r.logger.Debug().
				Err(err).
				Str("connection_id", c.ID).
				Msg("Delivery failed")
			continue
		}
		report.Delivered++
	}
	return report
}

func (r *Router) record(kind string, report DeliveryReport) {
	r.stats.MessagesDelivered.Add(int64(report.Delivered))
	r.stats.DeliveryFailures.Add(int64(len(report.Failed)))
	monitoring.RecordDelivery(kind, report.Delivered, len(report.Failed))
}

func (r *Router) publish(ctx context.Context, frame RelayFrame) {
	if r.relay == nil {
		return
	}
	frame.Origin = r.nodeID
	if err := r.relay.Publish(ctx, frame); err != nil {
		monitoring.LogError(r.logger, err, "Relay publish failed", map[string]any{
			"kind":    string(frame.Kind),
			"channel": frame.Channel,
		})
	}
}

// DeliverRemote delivers a frame relayed from another node to local
// connections. Frames from this node are ignored. Broadcast recipients are
// filtered by current authorization exactly as for local sends.
func (r *Router) DeliverRemote(ctx context.Context, frame RelayFrame) DeliveryReport {
	if frame.Origin == r.nodeID {
		return DeliveryReport{Failed: []string{}}
	}

	var report DeliveryReport
	switch frame.Kind {
	case TargetDirect:
		report = r.fanout(onHub(r.registry.ConnectionsForPrincipal(frame.Principal), frame.Hub), frame.Payload)
	case TargetBroadcast:
		ch, err := presence.ParseChannel(frame.Channel)
		if err != nil {
			r.logger.Warn().Err(err).Str("origin", frame.Origin).Msg("Dropping relayed frame")
			return DeliveryReport{Failed: []string{}}
		}
		report = r.deliverChannel(ctx, ch, frame.Hub, frame.Payload)
	default:
		r.logger.Warn().Str("kind", string(frame.Kind)).Msg("Dropping relayed frame of unknown kind")
		return DeliveryReport{Failed: []string{}}
	}

	r.record(monitoring.DeliveryRelay, report)
	return report
}
