package limits

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is a manually advanced clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newController(clock *fakeClock, routes map[RouteClass]RoutePolicy, whitelist ...string) *AdmissionController {
	return NewAdmissionController(AdmissionConfig{
		Routes:        routes,
		DefaultPolicy: RoutePolicy{Limit: 3, Window: time.Minute},
		Whitelist:     whitelist,
		Shards:        8,
		Logger:        zerolog.Nop(),
		Now:           clock.Now,
	})
}

func TestAdmit_SixthUpgradeInWindowIsDenied(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteConnectionUpgrade: {Limit: 5, Window: 60 * time.Second},
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, ac.Check("10.0.0.1", RouteConnectionUpgrade), "attempt %d", i)
		clock.Advance(time.Second)
	}

	err := ac.Check("10.0.0.1", RouteConnectionUpgrade)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAdmissionDenied))

	var denied *AdmissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, RouteConnectionUpgrade, denied.RouteClass)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.Equal(t, 55*time.Second, denied.RetryAfter)
}

func TestAdmit_WindowResets(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteAuth: {Limit: 2, Window: 10 * time.Second},
	})

	assert.True(t, ac.Admit("10.0.0.2", RouteAuth).Allowed)
	assert.True(t, ac.Admit("10.0.0.2", RouteAuth).Allowed)
	assert.False(t, ac.Admit("10.0.0.2", RouteAuth).Allowed)

	clock.Advance(10 * time.Second)
	d := ac.Admit("10.0.0.2", RouteAuth)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestAdmit_KeysAndRouteClassesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteAuth:    {Limit: 1, Window: time.Minute},
		RouteMessage: {Limit: 1, Window: time.Minute},
	})

	assert.True(t, ac.Admit("10.0.0.3", RouteAuth).Allowed)
	assert.True(t, ac.Admit("10.0.0.3", RouteMessage).Allowed)
	assert.True(t, ac.Admit("10.0.0.4", RouteAuth).Allowed)
	assert.False(t, ac.Admit("10.0.0.3", RouteAuth).Allowed)
}

func TestAdmit_WhitelistBypassesCounter(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteAuth: {Limit: 1, Window: time.Minute, Whitelist: []string{"10.0.0.9"}},
	}, "127.0.0.1")

	for i := 0; i < 10; i++ {
		d := ac.Admit("10.0.0.9", RouteAuth)
		assert.True(t, d.Allowed)
		assert.True(t, d.Whitelisted)
		assert.True(t, ac.Admit("127.0.0.1:5555", RouteMessage).Allowed)
	}
	assert.Equal(t, 0, ac.Len(), "whitelisted keys must not create buckets")
}

func TestAdmit_MalformedKeysShareOneBucket(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteConnectionUpgrade: {Limit: 2, Window: time.Minute},
	})

	assert.True(t, ac.Admit("", RouteConnectionUpgrade).Allowed)
	assert.True(t, ac.Admit("not-an-ip", RouteConnectionUpgrade).Allowed)
	assert.False(t, ac.Admit("garbage;;", RouteConnectionUpgrade).Allowed)
	assert.True(t, ac.Admit("10.0.0.5", RouteConnectionUpgrade).Allowed)
}

func TestAdmit_UnknownRouteClassUsesDefault(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, nil)

	for i := 0; i < 3; i++ {
		assert.True(t, ac.Admit("10.0.0.6", RouteClass("reports")).Allowed)
	}
	assert.False(t, ac.Admit("10.0.0.6", RouteClass("reports")).Allowed)
}

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"10.0.0.1", "10.0.0.1", true},
		{" 10.0.0.1 ", "10.0.0.1", true},
		{"10.0.0.1:8080", "10.0.0.1", true},
		{"[::1]:443", "::1", true},
		{"::1", "::1", true},
		{"example.com", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeKey(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

// Within every window the controller opens, the number of allowed requests
// never exceeds the limit, whatever the call timing.
func TestAdmit_AllowsNeverExceedLimitPerWindow(t *testing.T) {
	const limit = 7
	window := 5 * time.Second
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		clock := newFakeClock()
		ac := newController(clock, map[RouteClass]RoutePolicy{
			RouteMessage: {Limit: limit, Window: window},
		})

		allowedPerWindow := map[time.Time]int{}
		for i := 0; i < 500; i++ {
			clock.Advance(time.Duration(rng.Int63n(int64(400 * time.Millisecond))))
			d := ac.Admit("10.1.1.1", RouteMessage)
			if d.Allowed {
				allowedPerWindow[d.WindowStart]++
			} else {
				assert.Greater(t, d.RetryAfter, time.Duration(0))
				assert.LessOrEqual(t, d.RetryAfter, window)
			}
			assert.LessOrEqual(t, d.Count, limit)
		}
		for start, n := range allowedPerWindow {
			assert.LessOrEqual(t, n, limit, "window starting %s", start)
		}
	}
}

// Concurrent checks from one key must not undercount.
func TestAdmit_ConcurrentSameKeyNoLostUpdates(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteAPI: {Limit: 100, Window: time.Hour},
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if ac.Admit("10.2.2.2", RouteAPI).Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed)
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	ac := newController(clock, map[RouteClass]RoutePolicy{
		RouteAuth: {Limit: 5, Window: time.Minute},
	})

	ac.Admit("10.0.0.1", RouteAuth)
	clock.Advance(45 * time.Second)
	ac.Admit("10.0.0.2", RouteAuth)
	require.Equal(t, 2, ac.Len())

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, ac.Sweep())
	assert.Equal(t, 1, ac.Len())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, ac.Sweep())
	assert.Equal(t, 0, ac.Len())
}

func TestStartSweeper_StopsOnCancel(t *testing.T) {
	ac := NewAdmissionController(AdmissionConfig{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := ac.StartSweeper(ctx, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
