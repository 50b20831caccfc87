package permission

import "errors"

// Error taxonomy. Everything a caller can observe wraps one of these
// sentinels, so call sites branch with errors.Is rather than string
// matching.
var (
	// ErrInvalidInput marks requests rejected synchronously at
	// submission time (empty subject/permission, bad priority,
	// non-positive timeout, empty pair list).
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable marks a transient permission-store failure.
	// The single-check path retries it; the batch path falls back to
	// individual resubmission.
	ErrStoreUnavailable = errors.New("permission store unavailable")

	// ErrTaskTimeout marks a task abandoned because it aged past its
	// timeout before a worker could service it.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrAwaitTimeout is the sentinel returned by a result wait that
	// elapsed before the task resolved. The underlying task keeps
	// running and still populates the cache.
	ErrAwaitTimeout = errors.New("await timed out")

	// ErrNotFound marks an unknown or already-purged task id.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull marks a rejected enqueue when the scheduler queue
	// is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrShuttingDown marks submissions after intake has stopped.
	ErrShuttingDown = errors.New("shutting down")
)
