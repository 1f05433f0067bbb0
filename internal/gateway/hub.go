package gateway

import (
	"context"
	"fmt"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/messaging"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/router"
)

// Hub is a stateless set of handlers for one upgrade endpoint. All
// connection state lives in the presence registry.
type Hub interface {
	Name() string
	Path() string
	OnConnect(ctx context.Context, g *Gateway, c *presence.Connection, p *identity.Principal) error
	OnDisconnect(c *presence.Connection)
	// OnMessage handles a parsed non-heartbeat frame. The result, if any,
	// is sent back in the ack.
	OnMessage(ctx context.Context, g *Gateway, c *presence.Connection, p *identity.Principal, f *messaging.Frame) (any, error)
}

// Hub names. Routed traffic stays on the hub it was sent from.
const (
	chatHubName         = "chat"
	notificationHubName = "notifications"
)

// kinds is the set of channel kinds a hub lets clients join.
type kinds map[presence.ChannelKind]struct{}

func (k kinds) allows(ch presence.ChannelID) bool {
	_, ok := k[ch.Kind()]
	return ok
}

func parseFor(k kinds, raw string) (presence.ChannelID, error) {
	ch, err := presence.ParseChannel(raw)
	if err != nil {
		return "", err
	}
	if !k.allows(ch) {
		return "", fmt.Errorf("%w: %s channels", ErrUnsupported, ch.Kind())
	}
	return ch, nil
}

// ChatHub carries direct and organization group chat.
type ChatHub struct {
	path string
}

func NewChatHub(path string) *ChatHub {
	if path == "" {
		path = "/ws/chat"
	}
	return &ChatHub{path: path}
}

var chatKinds = kinds{presence.KindDirect: {}, presence.KindOrg: {}}

func (h *ChatHub) Name() string { return chatHubName }
func (h *ChatHub) Path() string { return h.path }

func (h *ChatHub) OnConnect(context.Context, *Gateway, *presence.Connection, *identity.Principal) error {
	return nil
}

func (h *ChatHub) OnDisconnect(*presence.Connection) {}

func (h *ChatHub) OnMessage(ctx context.Context, g *Gateway, c *presence.Connection, p *identity.Principal, f *messaging.Frame) (any, error) {
	switch f.Type {
	case messaging.FrameJoin:
		ch, err := parseFor(chatKinds, f.Channel)
		if err != nil {
			return nil, err
		}
		return nil, g.Join(ctx, c, ch)

	case messaging.FrameLeave:
		ch, err := parseFor(chatKinds, f.Channel)
		if err != nil {
			return nil, err
		}
		g.Leave(c, ch)
		return nil, nil

	case messaging.FrameSend:
		if f.To != "" {
			return g.Send(ctx, p, router.DirectTo(f.To).OnHub(chatHubName), f.Data)
		}
		ch, err := parseFor(chatKinds, f.Channel)
		if err != nil {
			return nil, err
		}
		return g.Send(ctx, p, router.BroadcastTo(ch).OnHub(chatHubName), f.Data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, f.Type)
}

// NotificationHub delivers broadcast notifications. Connections are joined
// to their organizations and roles on connect and may join topics. Clients
// cannot publish here; notifications are sent through the HTTP API.
type NotificationHub struct {
	path string
}

func NewNotificationHub(path string) *NotificationHub {
	if path == "" {
		path = "/ws/notifications"
	}
	return &NotificationHub{path: path}
}

var notificationKinds = kinds{presence.KindOrg: {}, presence.KindRole: {}, presence.KindTopic: {}}

func (h *NotificationHub) Name() string { return notificationHubName }
func (h *NotificationHub) Path() string { return h.path }

func (h *NotificationHub) OnConnect(ctx context.Context, g *Gateway, c *presence.Connection, p *identity.Principal) error {
	for _, org := range p.Orgs() {
		if err := g.Join(ctx, c, presence.OrgChannel(org)); err != nil {
			return err
		}
	}
	for _, role := range p.Roles() {
		if err := g.Join(ctx, c, presence.RoleChannel(role)); err != nil {
			return err
		}
	}
	return nil
}

func (h *NotificationHub) OnDisconnect(*presence.Connection) {}

func (h *NotificationHub) OnMessage(ctx context.Context, g *Gateway, c *presence.Connection, _ *identity.Principal, f *messaging.Frame) (any, error) {
	switch f.Type {
	case messaging.FrameJoin:
		ch, err := parseFor(notificationKinds, f.Channel)
		if err != nil {
			return nil, err
		}
		return nil, g.Join(ctx, c, ch)
	case messaging.FrameLeave:
		ch, err := parseFor(notificationKinds, f.Channel)
		if err != nil {
			return nil, err
		}
		g.Leave(c, ch)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, f.Type)
}
