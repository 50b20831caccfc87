// Package cache provides the TTL result cache consulted before every
// permission-store lookup. Two granularities are kept: point entries
// for a single (subject, permission) pair and coarser per-subject
// permission sets that let the coalescer answer many pairs for one
// subject from a single store round-trip.
//
// The cache does not subscribe to upstream change events. The store's
// mutation path is contractually required to call Invalidate when a
// subject's roles change; TTL expiry is the hard staleness bound
// otherwise.
package cache

import (
	"context"
	"time"
)

// Default TTLs. Set calls may pass zero to use these; non-zero TTLs are
// clamped to the backend's configured staleness bound.
const (
	DefaultPointTTL = 300 * time.Second
	DefaultSetTTL   = 600 * time.Second
)

// Stats exposes hit/miss counters to the health monitor.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int64
}

// HitRate returns hits/(hits+misses), or 1.0 with no traffic so an
// idle cache never trips a low-hit-rate alert.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 1.0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is the result cache contract. The process-local backend is the
// default; the interface is context-threaded so a distributed backend
// (see Redis) can swap in without touching callers.
type Cache interface {
	// Get returns the cached boolean for a pair and whether it was
	// present and unexpired. Every call increments a hit or miss.
	Get(ctx context.Context, subject, permission string) (allowed bool, ok bool)

	// Set stores a point entry. ttl <= 0 selects the default.
	Set(ctx context.Context, subject, permission string, allowed bool, ttl time.Duration)

	// GetUserSet returns the cached permission set for a subject.
	GetUserSet(ctx context.Context, subject string) (perms map[string]struct{}, ok bool)

	// SetUserSet stores a per-subject permission set. ttl <= 0 selects
	// the default.
	SetUserSet(ctx context.Context, subject string, perms map[string]struct{}, ttl time.Duration)

	// Invalidate drops entries for a subject. With no permission codes
	// it drops the subject's set entry and all of its point entries;
	// with codes it drops only those point entries (and the set entry,
	// which can no longer be trusted).
	Invalidate(ctx context.Context, subject string, permissions ...string)

	// InvalidatePattern drops every entry whose subject has the given
	// prefix. An empty prefix flushes the cache.
	InvalidatePattern(ctx context.Context, prefix string)

	// Stats returns current counters.
	Stats() Stats
}
