// Package correlator maps task identifiers to pending completions so
// asynchronous callers can wait for, or poll, a result produced by the
// scheduler or coalescer. Each task gets one single-writer completion
// signal; resolved values are retained for late pollers and purged by
// a periodic sweep.
package correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewire/permcore/pkg/permission"
)

// Status is the poll-side view of a task.
type Status int

const (
	StatusPending Status = iota
	StatusCompleted
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCompleted:
		return "completed"
	default:
		return "not_found"
	}
}

// DefaultRetention is how long completed results stay pollable.
const DefaultRetention = time.Hour

type entry struct {
	done chan struct{}
	res  permission.Result
}

type completed struct {
	res permission.Result
	at  time.Time
}

// Correlator tracks pending and completed tasks.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*entry
	completed map[string]completed

	retention  time.Duration
	sweepEvery time.Duration
	clock      func() time.Time
	logger     *slog.Logger

	stop chan struct{}
	once sync.Once
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithRetention overrides the completed-result retention window.
func WithRetention(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithSweepInterval overrides the sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Correlator) { c.clock = clock }
}

// New creates a correlator and starts its retention sweep.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending:    make(map[string]*entry),
		completed:  make(map[string]completed),
		retention:  DefaultRetention,
		sweepEvery: time.Minute,
		clock:      time.Now,
		logger:     slog.Default().With("component", "correlator"),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Close stops the retention sweep.
func (c *Correlator) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Register creates the pending completion signal for a task. It must
// be called before the task is handed to a worker.
func (c *Correlator) Register(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[taskID]; ok {
		return fmt.Errorf("%w: task %s already registered", permission.ErrInvalidInput, taskID)
	}
	if _, ok := c.completed[taskID]; ok {
		return fmt.Errorf("%w: task %s already completed", permission.ErrInvalidInput, taskID)
	}
	c.pending[taskID] = &entry{done: make(chan struct{})}
	return nil
}

// Resolve delivers the result for a task exactly once. The first call
// wins; later calls are ignored and report false. Every waiter blocked
// in Await wakes, and the value stays pollable until the retention
// window elapses.
func (c *Correlator) Resolve(taskID string, res permission.Result) bool {
	c.mu.Lock()
	e, ok := c.pending[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, taskID)
	e.res = res
	c.completed[taskID] = completed{res: res, at: c.clock()}
	c.mu.Unlock()

	close(e.done)
	return true
}

// Await blocks until the task resolves, the timeout elapses, or ctx is
// cancelled. A timed-out caller gets ErrAwaitTimeout; the underlying
// task is not cancelled and its result remains pollable.
func (c *Correlator) Await(ctx context.Context, taskID string, timeout time.Duration) (permission.Result, error) {
	if timeout <= 0 {
		return permission.Result{}, fmt.Errorf("%w: non-positive await timeout %v", permission.ErrInvalidInput, timeout)
	}

	c.mu.Lock()
	if done, ok := c.completed[taskID]; ok {
		c.mu.Unlock()
		return done.res, nil
	}
	e, ok := c.pending[taskID]
	c.mu.Unlock()
	if !ok {
		return permission.Result{}, fmt.Errorf("%w: task %s", permission.ErrNotFound, taskID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		return e.res, nil
	case <-timer.C:
		return permission.Result{}, permission.ErrAwaitTimeout
	case <-ctx.Done():
		return permission.Result{}, fmt.Errorf("%w: %v", permission.ErrAwaitTimeout, ctx.Err())
	}
}

// Status reports whether a task is pending, completed, or unknown
// (never registered, or already purged by the retention sweep).
func (c *Correlator) Status(taskID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[taskID]; ok {
		return StatusPending
	}
	if _, ok := c.completed[taskID]; ok {
		return StatusCompleted
	}
	return StatusNotFound
}

// Counts returns current pending and retained-completed totals.
func (c *Correlator) Counts() (pending, retained int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending), len(c.completed)
}

func (c *Correlator) sweepLoop() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("purged completed tasks", "count", n)
			}
		}
	}
}

// Sweep purges completed results older than the retention window and
// returns how many were removed.
func (c *Correlator) Sweep() int {
	cutoff := c.clock().Add(-c.retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, done := range c.completed {
		if done.at.Before(cutoff) {
			delete(c.completed, id)
			removed++
		}
	}
	return removed
}
