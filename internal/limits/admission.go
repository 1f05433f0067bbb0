package limits

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/KienPC1234/TechShare-sub001/internal/shard"
	"github.com/rs/zerolog"
)

// RouteClass groups requests that share one admission budget.
type RouteClass string

const (
	RouteConnectionUpgrade RouteClass = "connection-upgrade"
	RouteAuth              RouteClass = "auth"
	RouteMessage           RouteClass = "message"
	RouteAPI               RouteClass = "api"
)

// malformedKey is the single bucket shared by every key that does not parse
// as an IP address. Unparseable identities are limited together, never waved
// through.
const malformedKey = "!malformed"

var (
	// ErrAdmissionDenied is returned (wrapped in AdmissionDeniedError) when a
	// key has exhausted its budget for the current window.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrOverloaded is returned by the ResourceGuard when the process is
	// out of connection capacity.
	ErrOverloaded = errors.New("server overloaded")
)

// AdmissionDeniedError carries the retry hint for a rejected request.
type AdmissionDeniedError struct {
	RouteClass RouteClass
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s, retry after %s", e.RouteClass, e.RetryAfter)
}

func (e *AdmissionDeniedError) Unwrap() error { return ErrAdmissionDenied }

// RoutePolicy is the budget for one route class.
type RoutePolicy struct {
	Limit     int
	Window    time.Duration
	Whitelist []string
}

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed     bool
	Whitelisted bool
	RetryAfter  time.Duration
	WindowStart time.Time
	Count       int
	Limit       int
}

// AdmissionConfig configures an AdmissionController.
type AdmissionConfig struct {
	Routes        map[RouteClass]RoutePolicy
	DefaultPolicy RoutePolicy // Used for route classes missing from Routes
	Whitelist     []string    // Keys allowed on every route class
	Shards        int
	Logger        zerolog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// bucket is a fixed-window counter for one (key, route class) pair.
type bucket struct {
	windowStart time.Time
	lastSeen    time.Time
	count       int
	limit       int
	window      time.Duration
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// AdmissionController throttles inbound requests per origin key and route
// class with fixed-window counters.
//
// Counters live in a sharded map; a bucket is only ever read or written under
// its shard mutex, so concurrent checks from the same key never lose updates.
// Rejected requests are not queued.
type AdmissionController struct {
	routes        map[RouteClass]compiledPolicy
	defaultPolicy compiledPolicy
	global        map[string]struct{}
	shards        []*bucketShard
	logger        zerolog.Logger
	now           func() time.Time
}

type compiledPolicy struct {
	limit     int
	window    time.Duration
	whitelist map[string]struct{}
}

// NewAdmissionController builds a controller from config.
//
// Defaults (if values are zero):
//   - DefaultPolicy: 60 requests per minute
func NewAdmissionController(config AdmissionConfig) *AdmissionController {
	if config.DefaultPolicy.Limit <= 0 {
		config.DefaultPolicy.Limit = 60
	}
	if config.DefaultPolicy.Window <= 0 {
		config.DefaultPolicy.Window = time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ac := &AdmissionController{
		routes:        make(map[RouteClass]compiledPolicy, len(config.Routes)),
		defaultPolicy: compilePolicy(config.DefaultPolicy, config.DefaultPolicy),
		global:        keySet(config.Whitelist),
		shards:        make([]*bucketShard, shard.Normalize(config.Shards)),
		logger:        config.Logger.With().Str("component", "admission").Logger(),
		now:           config.Now,
	}
	for class, p := range config.Routes {
		ac.routes[class] = compilePolicy(p, config.DefaultPolicy)
	}
	for i := range ac.shards {
		ac.shards[i] = &bucketShard{buckets: make(map[string]*bucket)}
	}

	ac.logger.Info().
		Int("route_classes", len(ac.routes)).
		Int("default_limit", ac.defaultPolicy.limit).
		Dur("default_window", ac.defaultPolicy.window).
		Int("whitelisted", len(ac.global)).
		Msg("AdmissionController initialized")

	return ac
}

func compilePolicy(p, fallback RoutePolicy) compiledPolicy {
	if p.Limit <= 0 {
		p.Limit = fallback.Limit
	}
	if p.Window <= 0 {
		p.Window = fallback.Window
	}
	return compiledPolicy{limit: p.Limit, window: p.Window, whitelist: keySet(p.Whitelist)}
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if nk, ok := NormalizeKey(k); ok {
			set[nk] = struct{}{}
		}
	}
	return set
}

// NormalizeKey reduces a client key to its canonical IP form. Keys with a
// port are accepted. The boolean is false when the key is not an IP address.
func NormalizeKey(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	key = strings.Trim(key, "[]")
	ip := net.ParseIP(key)
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

func (ac *AdmissionController) policy(class RouteClass) compiledPolicy {
	if p, ok := ac.routes[class]; ok {
		return p
	}
	return ac.defaultPolicy
}

// Admit records one request from key on route class and reports whether it
// may proceed.
//
// Algorithm (per key and route class):
//  1. Whitelisted keys are allowed without touching the counter
//  2. If no bucket exists or the window has elapsed, start a new window
//  3. Count the request if the window still has budget
//  4. Otherwise reject with RetryAfter = window_start + window - now
func (ac *AdmissionController) Admit(key string, class RouteClass) Decision {
	p := ac.policy(class)

	normalized, ok := NormalizeKey(key)
	if !ok {
		normalized = malformedKey
	} else {
		_, global := ac.global[normalized]
		_, route := p.whitelist[normalized]
		if global || route {
			monitoring.RecordAdmission(string(class), monitoring.OutcomeWhitelisted)
			return Decision{Allowed: true, Whitelisted: true, Limit: p.limit}
		}
	}

	bucketKey := normalized + "|" + string(class)
	sh := ac.shards[shard.Index(bucketKey, len(ac.shards))]

	sh.mu.Lock()
	now := ac.now()
	b, exists := sh.buckets[bucketKey]
	if !exists {
		b = &bucket{}
		sh.buckets[bucketKey] = b
	}
	if !exists || !now.Before(b.windowStart.Add(b.window)) {
		b.windowStart = now
		b.count = 0
	}
	b.limit = p.limit
	b.window = p.window
	b.lastSeen = now
	d := Decision{WindowStart: b.windowStart, Limit: b.limit}
	// The request that would make count exceed limit is rejected without
	// being counted, so count never passes limit inside a window.
	if b.count < b.limit {
		b.count++
		d.Allowed = true
	} else {
		d.RetryAfter = b.windowStart.Add(b.window).Sub(now)
	}
	d.Count = b.count
	sh.mu.Unlock()

	if d.Allowed {
		monitoring.RecordAdmission(string(class), monitoring.OutcomeAllowed)
	} else {
		monitoring.RecordAdmission(string(class), monitoring.OutcomeRejected)
		ac.logger.Debug().
			Str("key", normalized).
			Str("route_class", string(class)).
			Int("limit", d.Limit).
			Dur("retry_after", d.RetryAfter).
			Msg("Request rejected: admission budget exhausted")
	}
	return d
}

// Check is Admit expressed as an error: nil when allowed, otherwise an
// *AdmissionDeniedError.
func (ac *AdmissionController) Check(key string, class RouteClass) error {
	d := ac.Admit(key, class)
	if d.Allowed {
		return nil
	}
	return &AdmissionDeniedError{RouteClass: class, RetryAfter: d.RetryAfter}
}

// Sweep evicts buckets idle for longer than their window and returns how
// many were removed.
func (ac *AdmissionController) Sweep() int {
	removed, remaining := 0, 0
	for _, sh := range ac.shards {
		sh.mu.Lock()
		now := ac.now()
		for k, b := range sh.buckets {
			if now.Sub(b.lastSeen) > b.window {
				delete(sh.buckets, k)
				removed++
			}
		}
		remaining += len(sh.buckets)
		sh.mu.Unlock()
	}

	monitoring.SetAdmissionBuckets(remaining)
	if removed > 0 {
		ac.logger.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("Evicted idle rate buckets")
	}
	return removed
}

// Len returns the number of live buckets.
func (ac *AdmissionController) Len() int {
	n := 0
	for _, sh := range ac.shards {
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is cancelled. The
// returned channel is closed when the loop exits.
func (ac *AdmissionController) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer monitoring.RecoverPanic(ac.logger, "admissionSweeper", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ac.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
