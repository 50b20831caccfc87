// Package store defines the client contract for the authoritative
// permission store and its implementations. The store is consumed
// only: both operations are idempotent, side-effect-free reads. The
// store's own mutation path is responsible for calling the cache
// invalidation hooks when a subject's roles or permissions change.
package store

import "context"

// PermissionStore is the authoritative lookup contract.
type PermissionStore interface {
	// GetPermissions returns every permission code granted to a
	// subject. One bulk call per subject is the coalescer's unit of
	// work.
	GetPermissions(ctx context.Context, subjectID string) (map[string]struct{}, error)

	// Check is the point lookup used by the single-check path.
	Check(ctx context.Context, subjectID, permissionCode string) (bool, error)
}

// Optimizer is implemented by store clients that can re-prime their
// query plans. The health monitor invokes it when latency degrades.
type Optimizer interface {
	OptimizeQueryPatterns(ctx context.Context) error
}
