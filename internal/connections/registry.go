// Package connections tracks one session per client address with playback
// telemetry and bandwidth estimates, bounded to a fixed number of entries.
package connections

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RagingGuard/video-share/internal/observability/metrics"
)

const (
	DefaultMaxConnections = 100
	DefaultEvictBatch     = 10
	DefaultTimeout        = 30 * time.Second
)

// EvictReason explains why sessions left the registry.
type EvictReason string

const (
	ReasonExpired  EvictReason = "expired"
	ReasonCapacity EvictReason = "capacity"
)

// Session is a point-in-time copy of one client's state. Bandwidth values are
// bytes per second.
type Session struct {
	ClientIP      string
	ClientPort    string
	ServerIP      string
	Interface     string
	Video         string
	Position      float64
	Duration      float64
	BandwidthDown float64
	BandwidthUp   float64
	LastSeen      time.Time
	ConnectedAt   time.Time
}

type entry struct {
	session Session
	down    rateEstimator
	up      rateEstimator
}

func (e *entry) snapshot(now time.Time) Session {
	s := e.session
	s.BandwidthDown = e.down.current(now)
	s.BandwidthUp = e.up.current(now)
	return s
}

// Resolver labels a server bind address with its interface name.
type Resolver interface {
	Resolve(address string) string
}

// EvictFunc observes sessions removed from the registry. It is called after
// the registry lock has been released.
type EvictFunc func(reason EvictReason, sessions []Session)

// Config configures a Registry.
type Config struct {
	MaxConnections int
	EvictBatch     int
	Timeout        time.Duration
	Resolver       Resolver
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Registry holds the live client sessions. All map access happens under one
// mutex; interface resolution, eviction callbacks and sorting run outside it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	created  int64

	max      int
	batch    int
	timeout  time.Duration
	resolver Resolver
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Recorder

	hookMu  sync.RWMutex
	onEvict []EvictFunc
}

// NewRegistry constructs a registry from cfg, applying defaults for zero values.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		max:      cfg.MaxConnections,
		batch:    cfg.EvictBatch,
		timeout:  cfg.Timeout,
		resolver: cfg.Resolver,
		now:      cfg.Now,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	if r.max <= 0 {
		r.max = DefaultMaxConnections
	}
	if r.batch <= 0 {
		r.batch = DefaultEvictBatch
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.resolver == nil {
		r.resolver = NewInterfaceResolver(DefaultInterfaceTTL, nil)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = metrics.Default()
	}
	return r
}

// Max reports the configured capacity.
func (r *Registry) Max() int {
	return r.max
}

// OnEvict registers fn to receive evicted sessions.
func (r *Registry) OnEvict(fn EvictFunc) {
	if fn == nil {
		return
	}
	r.hookMu.Lock()
	r.onEvict = append(r.onEvict, fn)
	r.hookMu.Unlock()
}

// Track records a request from address. Unknown addresses create a session,
// evicting the oldest sessions first when the registry is full; known ones
// refresh their last-seen time and client port.
func (r *Registry) Track(address, serverAddress, port string) {
	if address == "" {
		return
	}
	if r.touch(address, port) {
		return
	}

	label := r.resolver.Resolve(serverAddress)

	now := r.now()
	r.mu.Lock()
	if e, ok := r.sessions[address]; ok {
		e.session.LastSeen = now
		e.session.ClientPort = port
		r.mu.Unlock()
		return
	}
	var evicted []Session
	if len(r.sessions) >= r.max {
		evicted = r.evictOldestLocked(now)
	}
	r.sessions[address] = &entry{session: Session{
		ClientIP:    address,
		ClientPort:  port,
		ServerIP:    serverAddress,
		Interface:   label,
		LastSeen:    now,
		ConnectedAt: now,
	}}
	r.created++
	size := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetTrackedSessions(size)
	if len(evicted) > 0 {
		r.logger.Info("connection registry full, evicted oldest sessions", "evicted", len(evicted), "size", size)
		r.notify(ReasonCapacity, evicted)
	}
}

func (r *Registry) touch(address, port string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[address]
	if !ok {
		return false
	}
	e.session.LastSeen = now
	e.session.ClientPort = port
	return true
}

// evictOldestLocked removes the batch of sessions with the oldest LastSeen,
// and at least enough to make room for one insertion.
func (r *Registry) evictOldestLocked(now time.Time) []Session {
	n := r.batch
	if need := len(r.sessions) - r.max + 1; need > n {
		n = need
	}
	if n > len(r.sessions) {
		n = len(r.sessions)
	}
	ordered := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].session.LastSeen.Before(ordered[j].session.LastSeen)
	})
	evicted := make([]Session, 0, n)
	for _, e := range ordered[:n] {
		delete(r.sessions, e.session.ClientIP)
		evicted = append(evicted, e.snapshot(now))
	}
	return evicted
}

// UpdateStatus merges client-reported playback state. Reports for unknown
// addresses are dropped and false is returned.
func (r *Registry) UpdateStatus(address, video string, position, duration float64) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[address]
	if !ok {
		return false
	}
	e.session.Video = video
	e.session.Position = position
	e.session.Duration = duration
	e.session.LastSeen = now
	return true
}

// RecordTransfer adds bytes sent to (down) and received from (up) address to
// its bandwidth estimate.
func (r *Registry) RecordTransfer(address string, down, up int64) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[address]
	if !ok {
		return
	}
	if down > 0 {
		e.down.add(now, down)
	}
	if up > 0 {
		e.up.add(now, up)
	}
}

// Snapshot copies every session, ordered by connection time then address.
func (r *Registry) Snapshot() []Session {
	now := r.now()
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot(now))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ClientIP < out[j].ClientIP
	})
	return out
}

// Get returns a copy of the session for address.
func (r *Registry) Get(address string) (Session, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[address]
	if !ok {
		return Session{}, false
	}
	return e.snapshot(now), true
}

// EvictExpired removes sessions idle for longer than the timeout at now and
// returns how many were removed.
func (r *Registry) EvictExpired(now time.Time) int {
	r.mu.Lock()
	var evicted []Session
	for address, e := range r.sessions {
		if now.Sub(e.session.LastSeen) > r.timeout {
			evicted = append(evicted, e.snapshot(now))
			delete(r.sessions, address)
		}
	}
	size := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetTrackedSessions(size)
	if len(evicted) > 0 {
		r.notify(ReasonExpired, evicted)
	}
	return len(evicted)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TotalTracked reports how many sessions have been created since start.
func (r *Registry) TotalTracked() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

func (r *Registry) notify(reason EvictReason, sessions []Session) {
	r.metrics.SessionsEvicted(string(reason), len(sessions))
	r.hookMu.RLock()
	hooks := append([]EvictFunc(nil), r.onEvict...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(reason, sessions)
	}
}
