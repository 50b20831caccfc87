// Package permission defines the core vocabulary of the check pipeline:
// subjects, permission codes, check tasks, priorities, and the tri-state
// decision that every resolution path produces.
package permission

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the scheduler queue. Higher values are
// serviced first; within a tier, tasks are FIFO by enqueue sequence.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Valid reports whether p is one of the defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority parses a tier name (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, s)
	}
}

// Decision is the tri-state outcome of a check. A legitimate policy
// denial is distinguishable from a deny that was only the fail-closed
// default after the system could not obtain an authoritative answer.
type Decision int

const (
	// DecisionDenied means the authoritative store answered "no".
	DecisionDenied Decision = iota
	// DecisionAllowed means the authoritative store answered "yes".
	DecisionAllowed
	// DecisionUnknownDefaultDenied means no authoritative answer could be
	// obtained in time; callers must treat it as a deny.
	DecisionUnknownDefaultDenied
)

// Allowed maps the decision to the fail-closed boolean contract.
func (d Decision) Allowed() bool { return d == DecisionAllowed }

func (d Decision) String() string {
	switch d {
	case DecisionDenied:
		return "DENIED"
	case DecisionAllowed:
		return "ALLOWED"
	case DecisionUnknownDefaultDenied:
		return "UNKNOWN_DEFAULT_DENIED"
	default:
		return fmt.Sprintf("DECISION(%d)", int(d))
	}
}

// Result is delivered to callers for every resolved task. Degraded is
// set when the pipeline fell back to the deny default (retries
// exhausted, task timed out) rather than answering from the store.
type Result struct {
	Decision Decision
	Degraded bool
}

// Pair is one (subject, permission) check unit.
type Pair struct {
	Subject    string
	Permission string
}

// CheckTask is a single-pair check owned by the scheduler from enqueue
// until it is resolved or abandoned.
type CheckTask struct {
	ID         string
	Subject    string
	Permission string
	Priority   Priority
	EnqueuedAt time.Time
	Timeout    time.Duration
	RetryCount int
	MaxRetries int

	// Seq is assigned by the scheduler at enqueue time and breaks
	// priority ties FIFO. It is not meaningful outside the queue.
	Seq uint64
}

// DefaultMaxRetries bounds transient-store retries per task.
const DefaultMaxRetries = 3

// NewCheckTask validates inputs and builds a task. Empty subject or
// permission and non-positive timeouts are rejected synchronously.
func NewCheckTask(subject, permission string, priority Priority, timeout time.Duration) (*CheckTask, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidInput)
	}
	if permission == "" {
		return nil, fmt.Errorf("%w: empty permission code", ErrInvalidInput)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive timeout %v", ErrInvalidInput, timeout)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", ErrInvalidInput, int(priority))
	}
	return &CheckTask{
		ID:         uuid.NewString(),
		Subject:    subject,
		Permission: permission,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
		Timeout:    timeout,
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// Expired reports whether the task aged past its timeout before a
// worker picked it up.
func (t *CheckTask) Expired(now time.Time) bool {
	return now.Sub(t.EnqueuedAt) > t.Timeout
}

// BatchCheckTask is an ordered multi-pair check owned by the coalescer
// for the duration of one or more coalescing cycles. Duplicate pairs
// are allowed and each receives its own result slot.
type BatchCheckTask struct {
	ID        string
	Pairs     []Pair
	CreatedAt time.Time
	Timeout   time.Duration
}

// NewBatchCheckTask validates the pair list and builds a batch.
func NewBatchCheckTask(pairs []Pair, timeout time.Duration) (*BatchCheckTask, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: empty pair list", ErrInvalidInput)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive timeout %v", ErrInvalidInput, timeout)
	}
	for i, p := range pairs {
		if p.Subject == "" || p.Permission == "" {
			return nil, fmt.Errorf("%w: empty subject or permission at index %d", ErrInvalidInput, i)
		}
	}
	return &BatchCheckTask{
		ID:        uuid.NewString(),
		Pairs:     append([]Pair(nil), pairs...),
		CreatedAt: time.Now().UTC(),
		Timeout:   timeout,
	}, nil
}
