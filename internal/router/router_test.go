package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/identity"
	"github.com/KienPC1234/TechShare-sub001/internal/presence"
	"github.com/KienPC1234/TechShare-sub001/internal/types"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memorySink struct {
	mu       sync.Mutex
	closed   bool
	full     bool
	payloads [][]byte
}

func (s *memorySink) Deliver(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return presence.ErrConnectionClosed
	}
	if s.full {
		return errors.New("send buffer full")
	}
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

type captureRelay struct {
	mu     sync.Mutex
	frames []RelayFrame
}

func (c *captureRelay) Publish(_ context.Context, f RelayFrame) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

type fixture struct {
	store    *identity.MemoryStore
	claims   *identity.ClaimsFactory
	registry *presence.Registry
	router   *Router
	stats    *types.Stats
	sinks    map[string]*memorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := identity.NewMemoryStore()
	for _, role := range identity.DefaultRoles {
		_, err := store.EnsureRole(ctx, role)
		require.NoError(t, err)
	}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, store.Create(ctx, &identity.Account{ID: id, Email: id + "@example.com"}))
		require.NoError(t, store.AddToRole(ctx, id, identity.RoleUser))
	}
	require.NoError(t, store.AddMembership(ctx, "alice", "acme"))
	require.NoError(t, store.AddMembership(ctx, "bob", "acme"))
	require.NoError(t, store.AddMembership(ctx, "dave", "acme"))
	require.NoError(t, store.AddMembership(ctx, "carol", "globex"))

	claims := identity.NewClaimsFactory(store)
	registry := presence.NewRegistry(claims, presence.RegistryConfig{Shards: 4, Logger: zerolog.Nop()})
	stats := types.NewStats()
	r := New(registry, claims, Config{
		NodeID: "node-a",
		Logger: zerolog.Nop(),
		Stats:  stats,
		Now:    func() time.Time { return time.UnixMilli(1700000000000) },
	})

	return &fixture{
		store:    store,
		claims:   claims,
		registry: registry,
		router:   r,
		stats:    stats,
		sinks:    make(map[string]*memorySink),
	}
}

func (f *fixture) connect(t *testing.T, connID, principal string, channels ...presence.ChannelID) *memorySink {
	t.Helper()
	return f.connectOn(t, "chat", connID, principal, channels...)
}

func (f *fixture) connectOn(t *testing.T, hub, connID, principal string, channels ...presence.ChannelID) *memorySink {
	t.Helper()
	sink := &memorySink{}
	require.NoError(t, f.registry.Register(presence.NewConnection(connID, principal, hub, "", sink)))
	for _, ch := range channels {
		require.NoError(t, f.registry.Join(context.Background(), connID, ch))
	}
	f.sinks[connID] = sink
	return sink
}

func (f *fixture) principal(t *testing.T, id string) *identity.Principal {
	t.Helper()
	p, err := f.claims.Resolve(context.Background(), id)
	require.NoError(t, err)
	return p
}

var payload = json.RawMessage(`{"text":"hello"}`)

func TestSend_BroadcastReachesOnlyJoinedMembers(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	c1 := f.connect(t, "c1", "alice", org)
	c2 := f.connect(t, "c2", "bob", org)
	c3 := f.connect(t, "c3", "carol")

	report, err := f.router.Send(context.Background(), f.principal(t, "alice"), BroadcastTo(org), payload)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failed)
	assert.Len(t, c1.received(), 1)
	assert.Len(t, c2.received(), 1)
	assert.Empty(t, c3.received())

	var env map[string]any
	require.NoError(t, json.Unmarshal(c2.received()[0], &env))
	assert.Equal(t, "message", env["type"])
	assert.Equal(t, "alice", env["from"])
	assert.Equal(t, "org:acme", env["channel"])
	assert.EqualValues(t, 1700000000000, env["ts"])
}

func TestSend_BroadcastSkipsConnectionsThatLeft(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	c1 := f.connect(t, "c1", "alice", org)
	c2 := f.connect(t, "c2", "bob")
	c3 := f.connect(t, "c3", "dave", org)
	f.registry.Leave("c3", org)

	report, err := f.router.Send(context.Background(), f.principal(t, "alice"), BroadcastTo(org), payload)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, c1.received(), 1)
	assert.Empty(t, c2.received())
	assert.Empty(t, c3.received())
}

func TestSend_PreservesOrderPerConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := presence.OrgChannel("acme")
	bob := f.connect(t, "c1", "bob", org)
	alice := f.principal(t, "alice")

	const n = 50
	for i := 0; i < n; i++ {
		target := BroadcastTo(org)
		if i%2 == 1 {
			target = DirectTo("bob")
		}
		_, err := f.router.Send(ctx, alice, target, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}

	received := bob.received()
	require.Len(t, received, n)
	for i, raw := range received {
		var env struct {
			Data struct {
				Seq int `json:"seq"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, i, env.Data.Seq)
	}
}

func TestSend_HubScopesRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := presence.OrgChannel("acme")
	chat := f.connectOn(t, "chat", "c1", "bob", org)
	notes := f.connectOn(t, "notifications", "n1", "bob", org)
	alice := f.principal(t, "alice")

	report, err := f.router.Send(ctx, alice, BroadcastTo(org).OnHub("chat"), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)

	report, err = f.router.Send(ctx, alice, DirectTo("bob").OnHub("chat"), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)

	assert.Len(t, chat.received(), 2)
	assert.Empty(t, notes.received())

	report, err = f.router.Send(ctx, alice, BroadcastTo(org).OnHub("notifications"), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, notes.received(), 1)
	assert.Len(t, chat.received(), 2)

	report, err = f.router.Send(ctx, alice, BroadcastTo(org), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered, "an unscoped target reaches every hub")
}

func TestSend_BroadcastRequiresSenderAuthorization(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	f.connect(t, "c1", "alice", org)

	_, err := f.router.Send(context.Background(), f.principal(t, "carol"), BroadcastTo(org), payload)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Empty(t, f.sinks["c1"].received())
}

func TestSend_BroadcastFiltersRevokedRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := presence.OrgChannel("acme")
	f.connect(t, "c1", "alice", org)
	bob := f.connect(t, "c2", "bob", org)

	require.NoError(t, f.store.RemoveMembership(ctx, "bob", "acme"))

	report, err := f.router.Send(ctx, f.principal(t, "alice"), BroadcastTo(org), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, bob.received())
	assert.True(t, f.registry.HasJoined("c2", org), "existing joins are not revoked")
}

func TestSend_FailedConnectionDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	f.connect(t, "c1", "alice", org)
	closed := f.connect(t, "c2", "bob", org)
	full := f.connect(t, "c3", "dave", org)
	require.NoError(t, closed.Close())
	full.full = true

	report, err := f.router.Send(context.Background(), f.principal(t, "alice"), BroadcastTo(org), payload)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.ElementsMatch(t, []string{"c2", "c3"}, report.Failed)
	assert.EqualValues(t, 1, f.stats.MessagesDelivered.Load())
	assert.EqualValues(t, 2, f.stats.DeliveryFailures.Load())
}

func TestSend_DirectToOrgMate(t *testing.T) {
	f := newFixture(t)
	phone := f.connect(t, "b1", "bob")
	laptop := f.connect(t, "b2", "bob")

	report, err := f.router.Send(context.Background(), f.principal(t, "alice"), DirectTo("bob"), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	require.Len(t, phone.received(), 1)
	require.Len(t, laptop.received(), 1)

	var env map[string]any
	require.NoError(t, json.Unmarshal(phone.received()[0], &env))
	assert.Equal(t, "direct:alice:bob", env["channel"])
}

func TestSend_DirectWithoutSharedContextIsRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "k1", "carol")

	_, err := f.router.Send(context.Background(), f.principal(t, "alice"), DirectTo("carol"), payload)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.router.Send(context.Background(), f.principal(t, "alice"), DirectTo("ghost"), payload)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSend_DirectAllowedWhenRecipientOpenedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	direct := presence.DirectChannel("alice", "carol")
	alice := f.connect(t, "a1", "alice")

	f.connect(t, "k0", "carol")
	require.NoError(t, f.registry.Join(ctx, "a1", direct))
	_, err := f.router.Send(ctx, f.principal(t, "carol"), DirectTo("alice"), payload)
	require.NoError(t, err, "alice joined, so carol may write to her")

	_, err = f.router.Send(ctx, f.principal(t, "alice"), DirectTo("carol"), payload)
	assert.ErrorIs(t, err, ErrNotAuthorized, "carol never opened the conversation")

	require.NoError(t, f.registry.Join(ctx, "k0", direct))
	report, err := f.router.Send(ctx, f.principal(t, "alice"), DirectTo("carol"), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Len(t, alice.received(), 1)
}

func TestSend_DirectToSelfReachesOtherDevices(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "k1", "carol")
	f.connect(t, "k2", "carol")

	report, err := f.router.Send(context.Background(), f.principal(t, "carol"), DirectTo("carol"), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
}

func TestSend_OfflineRecipientGetsNothing(t *testing.T) {
	f := newFixture(t)
	report, err := f.router.Send(context.Background(), f.principal(t, "alice"), DirectTo("bob"), payload)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
	assert.NotNil(t, report.Failed)
}

func TestSend_InvalidTargets(t *testing.T) {
	f := newFixture(t)
	alice := f.principal(t, "alice")

	_, err := f.router.Send(context.Background(), alice, DirectTo(""), payload)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.router.Send(context.Background(), alice, BroadcastTo(""), payload)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.router.Send(context.Background(), alice, Target{}, payload)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.router.Send(context.Background(), nil, DirectTo("bob"), payload)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestSend_PublishesToRelay(t *testing.T) {
	f := newFixture(t)
	relay := &captureRelay{}
	f.router.SetRelay(relay)

	_, err := f.router.Send(context.Background(), f.principal(t, "alice"), BroadcastTo(presence.OrgChannel("acme")), payload)
	require.NoError(t, err)
	_, err = f.router.Send(context.Background(), f.principal(t, "alice"), DirectTo("bob").OnHub("chat"), payload)
	require.NoError(t, err)

	require.Len(t, relay.frames, 2)
	assert.Equal(t, "node-a", relay.frames[0].Origin)
	assert.Equal(t, TargetBroadcast, relay.frames[0].Kind)
	assert.Equal(t, "org:acme", relay.frames[0].Channel)
	assert.Equal(t, TargetDirect, relay.frames[1].Kind)
	assert.Equal(t, "bob", relay.frames[1].Principal)
	assert.Empty(t, relay.frames[0].Hub)
	assert.Equal(t, "chat", relay.frames[1].Hub)
}

func TestDeliverRemote(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	bob := f.connect(t, "c2", "bob", org)
	encoded := []byte(`{"type":"message","from":"alice","channel":"org:acme","ts":1}`)

	report := f.router.DeliverRemote(context.Background(), RelayFrame{
		Origin: "node-a", Kind: TargetBroadcast, Channel: string(org), Payload: encoded,
	})
	assert.Equal(t, 0, report.Attempted, "own frames are ignored")

	report = f.router.DeliverRemote(context.Background(), RelayFrame{
		Origin: "node-b", Kind: TargetBroadcast, Channel: string(org), Payload: encoded,
	})
	assert.Equal(t, 1, report.Delivered)
	require.Len(t, bob.received(), 1)
	assert.JSONEq(t, string(encoded), string(bob.received()[0]))

	report = f.router.DeliverRemote(context.Background(), RelayFrame{
		Origin: "node-b", Kind: TargetDirect, Principal: "bob", Payload: encoded,
	})
	assert.Equal(t, 1, report.Delivered)

	report = f.router.DeliverRemote(context.Background(), RelayFrame{
		Origin: "node-b", Kind: TargetDirect, Principal: "bob", Hub: "notifications", Payload: encoded,
	})
	assert.Equal(t, 0, report.Attempted, "hub scope survives the relay")

	report = f.router.DeliverRemote(context.Background(), RelayFrame{
		Origin: "node-b", Kind: TargetBroadcast, Channel: "bogus", Payload: encoded,
	})
	assert.Equal(t, 0, report.Attempted)
}

func TestSend_ConcurrentWithDeregister(t *testing.T) {
	f := newFixture(t)
	org := presence.OrgChannel("acme")
	f.connect(t, "c1", "alice", org)
	for _, id := range []string{"c2", "c3", "c4"} {
		f.connect(t, id, "bob", org)
	}
	alice := f.principal(t, "alice")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			report, err := f.router.Send(context.Background(), alice, BroadcastTo(org), payload)
			assert.NoError(t, err)
			assert.Equal(t, report.Attempted, report.Delivered+len(report.Failed))
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range []string{"c2", "c3", "c4"} {
			if c, ok := f.registry.Deregister(id); ok {
				_ = c.CloseSink()
			}
		}
	}()
	wg.Wait()

	assert.Len(t, f.registry.ConnectionsForChannel(org), 1)
}
