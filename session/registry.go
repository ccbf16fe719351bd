// Package session implements the server-side registry mapping session ids to
// their owning connection, authenticated identity, and duplicate-suppression
// state. The registry linearizes all mutations for a given session while
// letting different sessions proceed fully in parallel, and it never holds a
// registry lock across the external lookup.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tagstream/cache"
	"tagstream/dedup"
	"tagstream/internal/ratelimit"
	"tagstream/lookup"
	"tagstream/scan"
)

// ErrNotFound is returned by ScanTag for an unknown or already-ended session
// id. The connection handler reports it as a protocol ERROR and keeps the
// connection open.
var ErrNotFound = errors.New("session: not found")

// DefaultLookupTimeout bounds the external resolve call when the config does
// not say otherwise. An unbounded lookup must never stall a connection.
const DefaultLookupTimeout = 4500 * time.Millisecond

// Config wires a Registry. Resolver is required; Cache is optional and, when
// present, shields the resolver with stale fallback.
type Config struct {
	Resolver      lookup.Resolver
	LookupTimeout time.Duration
	// ScanThrottle is the per-tag throttle for each session's streaming
	// engine. Zero selects the engine default; negative disables throttling.
	ScanThrottle time.Duration
	Cache        *cache.Cache
	CachePool    string
	CacheTTL     time.Duration
	WarnNearMiss bool
}

// Session is one logical scan episode. Exactly one connection owns a session
// at a time; ownership is additionally bound to the authenticated identity
// presented at start time.
type Session struct {
	ID        string
	ConnID    string
	Identity  string
	StartedAt time.Time

	engine *dedup.Engine
}

// Accepted returns the session's accepted tags so far, oldest first.
func (s *Session) Accepted() []string {
	return s.engine.Accepted()
}

// Counters returns the session's suppression counters.
func (s *Session) Counters() dedup.Counters {
	return s.engine.Counters()
}

// Ended describes a terminated session, explicit or cascaded, with everything
// the persistence layer needs.
type Ended struct {
	SessionID string
	ConnID    string
	Identity  string
	StartedAt time.Time
	Accepted  []string
}

// ScanResult is the outcome of an accepted (non-duplicate) scan. Record is
// nil when the lookup found nothing, timed out, or failed; the three cases
// are indistinguishable downstream by design.
type ScanResult struct {
	SessionID string
	Tag       string
	Record    *scan.Record
}

// Registry is the shared session table. Map operations take the registry
// lock briefly; per-session seen-set operations are serialized inside each
// session's engine.
type Registry struct {
	resolver     lookup.Resolver
	throttle     time.Duration
	cache        *cache.Cache
	cachePool    string
	cacheTTL     time.Duration
	warnNearMiss bool

	mu       sync.RWMutex
	sessions map[string]*Session

	lookupLog ratelimit.Counter
	now       func() time.Time
}

// NewRegistry constructs a registry. The resolver is wrapped with the
// configured timeout here so no caller can forget the bound.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("session: resolver is required")
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	throttle := cfg.ScanThrottle
	if throttle == 0 {
		throttle = dedup.DefaultThrottleWindow
	} else if throttle < 0 {
		throttle = 0
	}
	return &Registry{
		resolver:     lookup.WithTimeout(cfg.Resolver, timeout),
		throttle:     throttle,
		cache:        cfg.Cache,
		cachePool:    cfg.CachePool,
		cacheTTL:     cfg.CacheTTL,
		warnNearMiss: cfg.WarnNearMiss,
		sessions:     make(map[string]*Session),
		lookupLog:    ratelimit.NewCounter(15 * time.Second),
		now:          time.Now,
	}, nil
}

// StartSession creates (or resumes) a session bound to the connection and its
// authenticated identity. A requested id is reused when it is not currently
// active, which makes resume-after-reconnect idempotent; an active requested
// id yields a fresh one instead, since a session is never shared across
// connections.
func (r *Registry) StartSession(connID, identity, requestedID string) (*Session, error) {
	if connID == "" {
		return nil, errors.New("session: connection id is required")
	}
	if identity == "" {
		return nil, errors.New("session: authenticated identity is required")
	}

	engine := dedup.New(dedup.Options{
		ThrottleWindow: r.throttle,
		FoldCase:       true,
		WarnNearMiss:   r.warnNearMiss,
	})
	engine.Start()

	r.mu.Lock()
	defer r.mu.Unlock()
	id := requestedID
	if id == "" {
		id = uuid.NewString()
	} else if _, active := r.sessions[id]; active {
		id = uuid.NewString()
	}
	s := &Session{
		ID:        id,
		ConnID:    connID,
		Identity:  identity,
		StartedAt: r.now(),
		engine:    engine,
	}
	r.sessions[id] = s
	return s, nil
}

// EndSession removes the session and returns its final state for the
// persistence layer. Ending an unknown id is a no-op, not an error, so
// duplicate end requests are harmless.
func (r *Registry) EndSession(sessionID string) (Ended, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return Ended{}, false
	}
	s.engine.Stop()
	return Ended{
		SessionID: s.ID,
		ConnID:    s.ConnID,
		Identity:  s.Identity,
		StartedAt: s.StartedAt,
		Accepted:  s.engine.Accepted(),
	}, true
}

// DropConnection cascades connection loss: every session owned by connID is
// ended and returned. This is the only non-explicit path to termination.
func (r *Registry) DropConnection(connID string) []Ended {
	r.mu.Lock()
	var dropped []*Session
	for id, s := range r.sessions {
		if s.ConnID == connID {
			dropped = append(dropped, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ended := make([]Ended, 0, len(dropped))
	for _, s := range dropped {
		s.engine.Stop()
		ended = append(ended, Ended{
			SessionID: s.ID,
			ConnID:    s.ConnID,
			Identity:  s.Identity,
			StartedAt: s.StartedAt,
			Accepted:  s.engine.Accepted(),
		})
	}
	return ended
}

// ScanTag routes one raw tag through the session's suppression engine and, if
// it is genuinely new, resolves it. A within-session duplicate (or an invalid
// tag) returns (nil, nil): no result message is emitted at all. Lookup
// timeouts and failures are downgraded to a nil record.
//
// The lookup runs with no registry lock held. If the session ends while the
// lookup is in flight, the result is simply not delivered.
func (r *Registry) ScanTag(ctx context.Context, sessionID, raw string) (*ScanResult, error) {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s == nil {
		return nil, ErrNotFound
	}

	if !s.engine.Offer(raw) {
		return nil, nil
	}

	tag := scan.NormalizeTag(raw)
	rec := r.resolve(ctx, tag, s.Identity)

	r.mu.RLock()
	_, alive := r.sessions[sessionID]
	r.mu.RUnlock()
	if !alive {
		return nil, nil
	}
	return &ScanResult{SessionID: sessionID, Tag: tag, Record: rec}, nil
}

// Get returns the live session for id, if any.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends every session. Used at server shutdown; nothing is persisted
// here, the caller drains ended sessions per connection first.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.engine.Stop()
	}
}

// resolve performs the external lookup, through the cache when configured.
// Every failure mode collapses to a nil record here; only the wire-level
// handler above us decides what to send, and it never sends an error for a
// lookup problem.
func (r *Registry) resolve(ctx context.Context, tag, scopeID string) *scan.Record {
	if r.cache != nil && r.cachePool != "" {
		v, err := r.cache.GetOrCompute(r.cachePool, cacheKey(scopeID, tag), func() (any, error) {
			rec, err := r.resolver.Resolve(ctx, tag, scopeID)
			if err != nil {
				if errors.Is(err, lookup.ErrNotFound) {
					return nil, nil // clean negative: never cached
				}
				return nil, err
			}
			if rec == nil {
				return nil, nil
			}
			return rec, nil
		}, cache.ComputeOptions{TTL: r.cacheTTL, FallbackOnError: true})
		if err != nil {
			r.logLookupFailure(tag, err)
			return nil
		}
		if v == nil {
			return nil
		}
		rec, _ := v.(*scan.Record)
		return rec
	}

	rec, err := r.resolver.Resolve(ctx, tag, scopeID)
	if err != nil {
		if !errors.Is(err, lookup.ErrNotFound) {
			r.logLookupFailure(tag, err)
		}
		return nil
	}
	return rec
}

// cacheKey scopes cache entries by identity so InvalidateByPrefix with
// "identity|" flushes one scanner's view of the catalog.
func cacheKey(scopeID, tag string) string {
	return scopeID + "|" + scan.FoldTag(tag)
}

func (r *Registry) logLookupFailure(tag string, err error) {
	if total, ok := r.lookupLog.Inc(); ok {
		log.Printf("Session: lookup for %q downgraded to not-found: %v (%d total)", tag, err, total)
	}
}
