package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/shard"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionClosed is returned by a Sink after Close.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrConnectionNotFound is returned for operations on an unknown or
	// deregistered connection.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrDuplicateConnection is returned by Register for a reused id.
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Sink is the transport side of a connection. Deliver must not block: it
// either queues the payload or fails. Both methods must be safe to call
// concurrently, and Deliver after Close must return ErrConnectionClosed.
type Sink interface {
	Deliver(payload []byte) error
	Close() error
}

// Connection is a live client connection known to the registry.
type Connection struct {
	ID          string
	PrincipalID string
	Hub         string
	ClientKey   string
	ConnectedAt time.Time

	sink Sink

	mu       sync.Mutex // guards removed and channels
	removed  bool
	channels map[ChannelID]struct{}
}

// NewConnection creates an unregistered connection. An empty id is replaced
// with a random one.
func NewConnection(id, principalID, hub, clientKey string, sink Sink) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	return &Connection{
		ID:          id,
		PrincipalID: principalID,
		Hub:         hub,
		ClientKey:   clientKey,
		ConnectedAt: time.Now(),
		sink:        sink,
		channels:    make(map[ChannelID]struct{}),
	}
}

// Deliver hands payload to the connection's transport.
func (c *Connection) Deliver(payload []byte) error {
	if c.sink == nil {
		return ErrConnectionClosed
	}
	return c.sink.Deliver(payload)
}

// CloseSink closes the transport. It is safe to call more than once.
func (c *Connection) CloseSink() error {
	if c.sink == nil {
		return nil
	}
	return c.sink.Close()
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type principalShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Connection // principal id → conn id → conn
}

// channelShard keeps an immutable subscriber snapshot per channel. Writers
// replace the slice under the lock; readers get the slice and may iterate
// it without holding anything.
type channelShard struct {
	mu          sync.RWMutex
	subscribers map[ChannelID][]*Connection
}

// Registry tracks live connections, the principal → connections index and
// channel membership.
//
// Each index is split into shards keyed by connection, principal or channel
// id, so unrelated connections never share a lock. A connection's own mutex
// is held across every index update made on its behalf, which makes
// Deregister atomic with respect to Join and Leave on that connection. Lock
// order is connection, then principal or channel shard.
type Registry struct {
	resolver identity.Resolver
	logger   zerolog.Logger

	conns      []*connShard
	principals []*principalShard
	channels   []*channelShard
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Shards int
	Logger zerolog.Logger
}

// NewRegistry creates a Registry that resolves principals through resolver
// when authorizing joins.
func NewRegistry(resolver identity.Resolver, config RegistryConfig) *Registry {
	n := shard.Normalize(config.Shards)
	r := &Registry{
		resolver:   resolver,
		logger:     config.Logger.With().Str("component", "presence_registry").Logger(),
		conns:      make([]*connShard, n),
		principals: make([]*principalShard, n),
		channels:   make([]*channelShard, n),
	}
	for i := 0; i < n; i++ {
		r.conns[i] = &connShard{conns: make(map[string]*Connection)}
		r.principals[i] = &principalShard{conns: make(map[string]map[string]*Connection)}
		r.channels[i] = &channelShard{subscribers: make(map[ChannelID][]*Connection)}
	}
	return r
}

func (r *Registry) connShardFor(id string) *connShard {
	return r.conns[shard.Index(id, len(r.conns))]
}

func (r *Registry) principalShardFor(id string) *principalShard {
	return r.principals[shard.Index(id, len(r.principals))]
}

func (r *Registry) channelShardFor(ch ChannelID) *channelShard {
	return r.channels[shard.Index(string(ch), len(r.channels))]
}

// Register adds c to the registry.
func (r *Registry) Register(c *Connection) error {
	cs := r.connShardFor(c.ID)
	cs.mu.Lock()
	if _, exists := cs.conns[c.ID]; exists {
		cs.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID)
	}
	cs.conns[c.ID] = c
	cs.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		// Deregistered between the two inserts.
		cs.mu.Lock()
		if cs.conns[c.ID] == c {
			delete(cs.conns, c.ID)
		}
		cs.mu.Unlock()
		return fmt.Errorf("%w: %s was deregistered while registering", ErrConnectionNotFound, c.ID)
	}
	ps := r.principalShardFor(c.PrincipalID)
	ps.mu.Lock()
	set, ok := ps.conns[c.PrincipalID]
	if !ok {
		set = make(map[string]*Connection)
		ps.conns[c.PrincipalID] = set
	}
	set[c.ID] = c
	ps.mu.Unlock()

	r.logger.Debug().
		Str("connection_id", c.ID).
		Str("principal_id", c.PrincipalID).
		Str("hub", c.Hub).
		Msg("Connection registered")
	return nil
}

// Deregister removes a connection from every index and returns it. It is a
// no-op for unknown ids. The transport is not closed.
func (r *Registry) Deregister(id string) (*Connection, bool) {
	c, ok := r.Get(id)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil, false
	}
	c.removed = true

	for ch := range c.channels {
		r.removeSubscriber(ch, c)
	}
	c.channels = nil

	ps := r.principalShardFor(c.PrincipalID)
	ps.mu.Lock()
	if set, ok := ps.conns[c.PrincipalID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(ps.conns, c.PrincipalID)
		}
	}
	ps.mu.Unlock()

	cs := r.connShardFor(id)
	cs.mu.Lock()
	delete(cs.conns, id)
	cs.mu.Unlock()

	r.logger.Debug().
		Str("connection_id", id).
		Str("principal_id", c.PrincipalID).
		Msg("Connection deregistered")
	return c, true
}

// Join adds a connection to ch after checking authorization against the
// principal as it is right now.
func (r *Registry) Join(ctx context.Context, connID string, ch ChannelID) error {
	c, ok := r.Get(connID)
	if !ok {
		return ErrConnectionNotFound
	}

	p, err := r.resolver.Resolve(ctx, c.PrincipalID)
	if err != nil {
		return fmt.Errorf("join %s: %w", ch, err)
	}
	if err := Authorize(p, ch); err != nil {
		monitoring.RecordJoinDenied(string(ch.Kind()))
		r.logger.Info().
			Str("connection_id", connID).
			Str("principal_id", c.PrincipalID).
			Str("channel", string(ch)).
			Msg("Join denied")
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return ErrConnectionNotFound
	}
	if _, joined := c.channels[ch]; joined {
		return nil
	}
	c.channels[ch] = struct{}{}
	r.addSubscriber(ch, c)
	return nil
}

// Leave removes a connection from ch. Unknown connections and channels are
// ignored.
func (r *Registry) Leave(connID string, ch ChannelID) {
	c, ok := r.Get(connID)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return
	}
	if _, joined := c.channels[ch]; !joined {
		return
	}
	delete(c.channels, ch)
	r.removeSubscriber(ch, c)
}

// addSubscriber must be called with c.mu held.
func (r *Registry) addSubscriber(ch ChannelID, c *Connection) {
	s := r.channelShardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.subscribers[ch]
	next := make([]*Connection, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	s.subscribers[ch] = next
}

// removeSubscriber must be called with c.mu held.
func (r *Registry) removeSubscriber(ch ChannelID, c *Connection) {
	s := r.channelShardFor(ch)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.subscribers[ch]
	for i, existing := range current {
		if existing != c {
			continue
		}
		if len(current) == 1 {
			delete(s.subscribers, ch)
			return
		}
		next := make([]*Connection, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		s.subscribers[ch] = next
		return
	}
}

// Get returns a registered connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	cs := r.connShardFor(id)
	cs.mu.RLock()
	c, ok := cs.conns[id]
	cs.mu.RUnlock()
	return c, ok
}

// ConnectionsForPrincipal returns the live connections of a principal.
func (r *Registry) ConnectionsForPrincipal(principalID string) []*Connection {
	ps := r.principalShardFor(principalID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	set := ps.conns[principalID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ConnectionsForChannel returns the connections joined to ch. The slice is
// a shared snapshot and must not be modified.
func (r *Registry) ConnectionsForChannel(ch ChannelID) []*Connection {
	s := r.channelShardFor(ch)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[ch]
}

// Channels returns the channels a connection has joined, sorted.
func (r *Registry) Channels(connID string) []ChannelID {
	c, ok := r.Get(connID)
	if !ok {
		return nil
	}
	c.mu.Lock()
	out := make([]ChannelID, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasJoined reports whether a connection is joined to ch.
func (r *Registry) HasJoined(connID string, ch ChannelID) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, joined := c.channels[ch]
	return joined
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for _, cs := range r.conns {
		cs.mu.RLock()
		n += len(cs.conns)
		cs.mu.RUnlock()
	}
	return n
}

// All returns every registered connection. Used on shutdown.
func (r *Registry) All() []*Connection {
	var out []*Connection
	for _, cs := range r.conns {
		cs.mu.RLock()
		for _, c := range cs.conns {
			out = append(out, c)
		}
		cs.mu.RUnlock()
	}
	return out
}
