package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// RelayFrame is a locally delivered message forwarded to other nodes.
// Payload is the already encoded client envelope.
type RelayFrame struct {
	Origin    string          `json:"origin"`
	Kind      TargetKind      `json:"kind"`
	Sender    string          `json:"sender"`
	Principal string          `json:"principal,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Hub       string          `json:"hub,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NATSConfig configures a NATSRelay.
type NATSConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        zerolog.Logger
}

// NATSRelay fans delivered messages out to every gateway node over core
// NATS. Core NATS is at-most-once, like local delivery.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSRelay connects to the NATS server at config.URL.
func NewNATSRelay(config NATSConfig) (*NATSRelay, error) {
	if config.Subject == "" {
		config.Subject = "techshare.realtime"
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	logger := config.Logger.With().Str("component", "nats_relay").Logger()

	conn, err := nats.Connect(config.URL,
		nats.Name("techshare-gateway"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
				return
			}
			logger.Info().Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().
		Str("url", conn.ConnectedUrl()).
		Str("subject", config.Subject).
		Msg("Connected to NATS")

	return &NATSRelay{conn: conn, subject: config.Subject, logger: logger}, nil
}

// Publish implements Relay.
func (n *NATSRelay) Publish(_ context.Context, frame RelayFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish relay frame: %w", err)
	}
	return nil
}

// Subscribe delivers frames from other nodes through r until Close.
func (n *NATSRelay) Subscribe(ctx context.Context, r *Router) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		defer monitoring.RecoverPanic(n.logger, "natsRelayHandler", nil)

		var frame RelayFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			n.logger.Warn().Err(err).Msg("Dropping malformed relay frame")
			return
		}
		r.DeliverRemote(ctx, frame)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}

	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	return nil
}

// Close unsubscribes and drains the connection.
func (n *NATSRelay) Close() error {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	return n.conn.Drain()
}
