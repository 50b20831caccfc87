package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type pointKey struct {
	subject    string
	permission string
}

type pointEntry struct {
	allowed   bool
	expiresAt time.Time
}

type setEntry struct {
	perms     map[string]struct{}
	expiresAt time.Time
}

// Memory is the process-local cache backend. Reads take the read lock;
// expiry is lazy on access plus a periodic janitor sweep.
type Memory struct {
	mu     sync.RWMutex
	points map[pointKey]pointEntry
	sets   map[string]setEntry

	hits   atomic.Int64
	misses atomic.Int64

	pointTTL time.Duration
	setTTL   time.Duration
	maxTTL   time.Duration

	clock func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// MemoryOption customizes a Memory cache.
type MemoryOption func(*Memory)

// WithTTLs overrides the default point and set TTLs.
func WithTTLs(point, set time.Duration) MemoryOption {
	return func(m *Memory) {
		if point > 0 {
			m.pointTTL = point
		}
		if set > 0 {
			m.setTTL = set
		}
	}
}

// WithMaxTTL sets the staleness bound; every Set is clamped to it.
func WithMaxTTL(max time.Duration) MemoryOption {
	return func(m *Memory) {
		if max > 0 {
			m.maxTTL = max
		}
	}
}

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// NewMemory creates a memory cache and starts its janitor.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		points:   make(map[pointKey]pointEntry),
		sets:     make(map[string]setEntry),
		pointTTL: DefaultPointTTL,
		setTTL:   DefaultSetTTL,
		maxTTL:   DefaultSetTTL,
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Close stops the janitor.
func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.points {
		if !e.expiresAt.After(now) {
			delete(m.points, k)
		}
	}
	for s, e := range m.sets {
		if !e.expiresAt.After(now) {
			delete(m.sets, s)
		}
	}
}

func (m *Memory) clamp(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = def
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	return ttl
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, subject, permission string) (bool, bool) {
	now := m.clock()
	m.mu.RLock()
	e, ok := m.points[pointKey{subject, permission}]
	m.mu.RUnlock()
	if !ok || !e.expiresAt.After(now) {
		m.misses.Add(1)
		return false, false
	}
	m.hits.Add(1)
	return e.allowed, true
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, subject, permission string, allowed bool, ttl time.Duration) {
	if subject == "" || permission == "" {
		return
	}
	expires := m.clock().Add(m.clamp(ttl, m.pointTTL))
	m.mu.Lock()
	m.points[pointKey{subject, permission}] = pointEntry{allowed: allowed, expiresAt: expires}
	m.mu.Unlock()
}

// GetUserSet implements Cache.
func (m *Memory) GetUserSet(_ context.Context, subject string) (map[string]struct{}, bool) {
	now := m.clock()
	m.mu.RLock()
	e, ok := m.sets[subject]
	m.mu.RUnlock()
	if !ok || !e.expiresAt.After(now) {
		m.misses.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	out := make(map[string]struct{}, len(e.perms))
	for p := range e.perms {
		out[p] = struct{}{}
	}
	return out, true
}

// SetUserSet implements Cache.
func (m *Memory) SetUserSet(_ context.Context, subject string, perms map[string]struct{}, ttl time.Duration) {
	if subject == "" {
		return
	}
	cp := make(map[string]struct{}, len(perms))
	for p := range perms {
		cp[p] = struct{}{}
	}
	expires := m.clock().Add(m.clamp(ttl, m.setTTL))
	m.mu.Lock()
	m.sets[subject] = setEntry{perms: cp, expiresAt: expires}
	m.mu.Unlock()
}

// Invalidate implements Cache.
func (m *Memory) Invalidate(_ context.Context, subject string, permissions ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, subject)
	if len(permissions) == 0 {
		for k := range m.points {
			if k.subject == subject {
				delete(m.points, k)
			}
		}
		return
	}
	for _, p := range permissions {
		delete(m.points, pointKey{subject, p})
	}
}

// InvalidatePattern implements Cache.
func (m *Memory) InvalidatePattern(_ context.Context, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.points {
		if strings.HasPrefix(k.subject, prefix) {
			delete(m.points, k)
		}
	}
	for s := range m.sets {
		if strings.HasPrefix(s, prefix) {
			delete(m.sets, s)
		}
	}
}

// Stats implements Cache.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	entries := int64(len(m.points) + len(m.sets))
	m.mu.RUnlock()
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Entries: entries,
	}
}
