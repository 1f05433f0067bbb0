package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KienPC1234/TechShare-sub001/internal/monitoring"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultAbsoluteExpiration = 30 * 24 * time.Hour
)

// Credentials is a password login attempt.
type Credentials struct {
	Email    string
	Password string
}

// Session is a time-bounded proof of authentication.
type Session struct {
	ID                 string
	Token              string
	PrincipalID        string
	IssuedAt           time.Time
	LastSeen           time.Time
	IdleTimeout        time.Duration
	AbsoluteExpiration time.Duration
}

// AbsoluteDeadline is the instant after which the session is always rejected.
func (s *Session) AbsoluteDeadline() time.Time {
	return s.IssuedAt.Add(s.AbsoluteExpiration)
}

// IdleDeadline is the instant at which the session expires without activity.
func (s *Session) IdleDeadline() time.Time {
	return s.LastSeen.Add(s.IdleTimeout)
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Secret             []byte
	Issuer             string
	IdleTimeout        time.Duration // default 30m
	AbsoluteExpiration time.Duration // default 30d
	Logger             zerolog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

type sessionEntry struct {
	mu   sync.Mutex
	s    Session
	dead error // non-nil once retired; guarded by mu
}

type tombstone struct {
	reason error
	until  time.Time
}

// Broker authenticates credentials, issues sessions and validates tokens.
//
// Validation is a sliding-expiration state machine:
//
//	live --(now >= last_seen+idle)--> expired
//	live --(now > issued_at+absolute)--> expired
//	live --(sign out)--> revoked
//	live --(validate ok)--> live with last_seen = now
//
// Retired sessions leave a tombstone until their absolute deadline so later
// validations report Expired or Revoked rather than NotFound.
type Broker struct {
	store    Store
	resolver Resolver
	hasher   *Hasher
	signer   *TokenSigner
	logger   zerolog.Logger
	now      func() time.Time

	idleTimeout        time.Duration
	absoluteExpiration time.Duration

	mu         sync.RWMutex
	sessions   map[string]*sessionEntry
	tombstones map[string]tombstone
}

// NewBroker creates a Broker reading accounts from store. Principals are
// re-resolved through a ClaimsFactory over the same store.
func NewBroker(config BrokerConfig, store Store, hasher *Hasher) (*Broker, error) {
	if len(config.Secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.AbsoluteExpiration <= 0 {
		config.AbsoluteExpiration = DefaultAbsoluteExpiration
	}
	if config.Issuer == "" {
		config.Issuer = "techshare"
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if hasher == nil {
		hasher = NewHasher(0)
	}

	b := &Broker{
		store:              store,
		resolver:           NewClaimsFactory(store),
		hasher:             hasher,
		signer:             NewTokenSigner(config.Secret, config.Issuer, config.Now),
		logger:             config.Logger.With().Str("component", "identity_broker").Logger(),
		now:                config.Now,
		idleTimeout:        config.IdleTimeout,
		absoluteExpiration: config.AbsoluteExpiration,
		sessions:           make(map[string]*sessionEntry),
		tombstones:         make(map[string]tombstone),
	}

	b.logger.Info().
		Dur("idle_timeout", config.IdleTimeout).
		Dur("absolute_expiration", config.AbsoluteExpiration).
		Msg("Identity broker initialized")

	return b, nil
}

// Authenticate checks credentials and opens a new session.
func (b *Broker) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	acct, err := b.store.FindByEmail(ctx, creds.Email)
	if errors.Is(err, ErrAccountNotFound) {
		monitoring.RecordAuthFailure(FailureReason(ErrInvalidCredentials))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if acct.Disabled || b.hasher.Compare(acct.PasswordHash, []byte(creds.Password)) != nil {
		monitoring.RecordAuthFailure(FailureReason(ErrInvalidCredentials))
		return nil, ErrInvalidCredentials
	}

	now := b.now()
	s := Session{
		ID:                 uuid.NewString(),
		PrincipalID:        acct.ID,
		IssuedAt:           now,
		LastSeen:           now,
		IdleTimeout:        b.idleTimeout,
		AbsoluteExpiration: b.absoluteExpiration,
	}
	token, err := b.signer.Issue(&s)
	if err != nil {
		return nil, err
	}
	s.Token = token

	b.mu.Lock()
	b.sessions[s.ID] = &sessionEntry{s: s}
	active := len(b.sessions)
	b.mu.Unlock()
	monitoring.SetSessionsActive(active)

	b.logger.Info().
		Str("session_id", s.ID).
		Str("principal_id", s.PrincipalID).
		Msg("Session issued")

	out := s
	return &out, nil
}

// Validate checks token, slides the idle window and returns the principal
// as it is in the store right now.
func (b *Broker) Validate(ctx context.Context, token string) (*Principal, error) {
	_, p, err := b.ValidateSession(ctx, token)
	return p, err
}

// ValidateSession is Validate that also returns a snapshot of the session
// taken after the idle window slid. The cookie is not reissued: its value
// and absolute expiry never change for the life of a session.
func (b *Broker) ValidateSession(ctx context.Context, token string) (*Session, *Principal, error) {
	s, err := b.touch(token)
	if err != nil {
		monitoring.RecordAuthFailure(FailureReason(err))
		return nil, nil, err
	}

	p, err := b.resolver.Resolve(ctx, s.PrincipalID)
	if err != nil {
		monitoring.RecordAuthFailure(FailureReason(err))
		return nil, nil, err
	}
	return s, p, nil
}

func (b *Broker) touch(token string) (*Session, error) {
	claims, err := b.signer.Parse(token)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	e, ok := b.sessions[claims.SessionID]
	tomb, buried := b.tombstones[claims.SessionID]
	b.mu.RUnlock()

	if !ok {
		if buried {
			return nil, tomb.reason
		}
		return nil, ErrSessionNotFound
	}
	if e.s.PrincipalID != claims.Subject {
		return nil, ErrUnauthenticated
	}

	e.mu.Lock()
	if e.dead != nil {
		reason := e.dead
		e.mu.Unlock()
		return nil, reason
	}
	now := b.now()
	if now.After(e.s.AbsoluteDeadline()) || !now.Before(e.s.IdleDeadline()) {
		e.dead = ErrExpired
		until := e.s.AbsoluteDeadline()
		e.mu.Unlock()
		b.retire(claims.SessionID, ErrExpired, until)
		return nil, ErrExpired
	}
	e.s.LastSeen = now
	snapshot := e.s
	e.mu.Unlock()

	return &snapshot, nil
}

// retire moves a session to the tombstones. Callers must not hold e.mu.
func (b *Broker) retire(id string, reason error, until time.Time) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.tombstones[id] = tombstone{reason: reason, until: until}
	active := len(b.sessions)
	b.mu.Unlock()
	monitoring.SetSessionsActive(active)
}

// SignOut revokes the session behind token. Unknown, expired or already
// revoked tokens are ignored.
func (b *Broker) SignOut(_ context.Context, token string) {
	claims, err := b.signer.Parse(token)
	if err != nil {
		return
	}

	b.mu.RLock()
	e, ok := b.sessions[claims.SessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.dead != nil {
		e.mu.Unlock()
		return
	}
	e.dead = ErrRevoked
	until := e.s.AbsoluteDeadline()
	e.mu.Unlock()

	b.retire(claims.SessionID, ErrRevoked, until)
	b.logger.Info().Str("session_id", claims.SessionID).Msg("Session signed out")
}

// Resolve implements Resolver by delegating to the claims factory.
func (b *Broker) Resolve(ctx context.Context, principalID string) (*Principal, error) {
	return b.resolver.Resolve(ctx, principalID)
}

// Sweep retires idle or absolutely expired sessions and drops tombstones
// past their deadline. It returns the number of sessions retired.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	now := b.now()
	expired := 0
	for id, e := range b.sessions {
		e.mu.Lock()
		if e.dead == nil && (now.After(e.s.AbsoluteDeadline()) || !now.Before(e.s.IdleDeadline())) {
			e.dead = ErrExpired
			b.tombstones[id] = tombstone{reason: ErrExpired, until: e.s.AbsoluteDeadline()}
			delete(b.sessions, id)
			expired++
		}
		e.mu.Unlock()
	}
	for id, t := range b.tombstones {
		if now.After(t.until) {
			delete(b.tombstones, id)
		}
	}
	active := len(b.sessions)
	b.mu.Unlock()

	monitoring.SetSessionsActive(active)
	if expired > 0 {
		b.logger.Debug().Int("expired", expired).Int("active", active).Msg("Swept idle sessions")
	}
	return expired
}

// ActiveSessions returns the number of live sessions.
func (b *Broker) ActiveSessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (b *Broker) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer monitoring.RecoverPanic(b.logger, "sessionSweeper", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
