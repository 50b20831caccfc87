// Package scheduler owns the single-pair check path: a bounded worker
// pool drains a priority queue, resolving each task from the cache
// when possible and from the permission store otherwise. Transient
// store failures are retried with exponential backoff up to the task's
// retry budget; exhaustion resolves the task to the fail-closed
// default with a degraded marker.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/correlator"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/store"
)

// Config tunes the worker pool.
type Config struct {
	Workers       int           // fixed pool size
	QueueCapacity int           // enqueue rejected beyond this depth
	LookupTimeout time.Duration // per store attempt
	PollInterval  time.Duration // bounded queue poll while idle
	GracePeriod   time.Duration // shutdown drain budget
	PointTTL      time.Duration // cache TTL for written results; 0 = cache default
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		QueueCapacity: 4096,
		LookupTimeout: 2 * time.Second,
		PollInterval:  100 * time.Millisecond,
		GracePeriod:   5 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Counters is the scheduler's cumulative view, sampled by the health
// monitor which diffs successive reads.
type Counters struct {
	Processed     int64
	CacheHits     int64
	Timeouts      int64
	StoreErrors   int64
	Retries       int64
	Degraded      int64
	LatencyMicros int64 // cumulative enqueue-to-resolve latency
}

// Observer is invoked after every resolution (telemetry hook).
type Observer func(task *permission.CheckTask, res permission.Result, latency time.Duration)

// Scheduler drains the priority queue with a fixed worker pool.
type Scheduler struct {
	cfg      Config
	cache    cache.Cache
	store    store.PermissionStore
	corr     *correlator.Correlator
	logger   *slog.Logger
	observer Observer
	clock    func() time.Time

	mu     sync.Mutex
	queue  taskQueue
	seq    uint64
	closed bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	processed     atomic.Int64
	cacheHits     atomic.Int64
	timeouts      atomic.Int64
	storeErrors   atomic.Int64
	retries       atomic.Int64
	degraded      atomic.Int64
	latencyMicros atomic.Int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithObserver installs a resolution hook.
func WithObserver(obs Observer) Option {
	return func(s *Scheduler) { s.observer = obs }
}

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a scheduler. Workers do not run until Start.
func New(cfg Config, c cache.Cache, st store.PermissionStore, corr *correlator.Correlator, opts ...Option) *Scheduler {
	cfg.normalize()
	s := &Scheduler{
		cfg:    cfg,
		cache:  c,
		store:  st,
		corr:   corr,
		logger: slog.Default().With("component", "scheduler"),
		clock:  time.Now,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "queue_capacity", s.cfg.QueueCapacity)
}

// Enqueue validates and queues a single check, returning its task id.
func (s *Scheduler) Enqueue(subject, perm string, priority permission.Priority, timeout time.Duration) (string, error) {
	task, err := permission.NewCheckTask(subject, perm, priority, timeout)
	if err != nil {
		return "", err
	}
	if err := s.EnqueueTask(task); err != nil {
		return "", err
	}
	return task.ID, nil
}

// EnqueueTask queues a pre-built task. The coalescer uses this for its
// store-failure fallback. The task id must already be unique.
func (s *Scheduler) EnqueueTask(task *permission.CheckTask) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return permission.ErrShuttingDown
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return permission.ErrQueueFull
	}
	if err := s.corr.Register(task.ID); err != nil {
		s.mu.Unlock()
		return err
	}
	s.seq++
	task.Seq = s.seq
	heap.Push(&s.queue, task)
	s.mu.Unlock()

	s.signal()
	return nil
}

// Depth returns the current queue depth.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Counters returns a snapshot of the cumulative counters.
func (s *Scheduler) Counters() Counters {
	return Counters{
		Processed:     s.processed.Load(),
		CacheHits:     s.cacheHits.Load(),
		Timeouts:      s.timeouts.Load(),
		StoreErrors:   s.storeErrors.Load(),
		Retries:       s.retries.Load(),
		Degraded:      s.degraded.Load(),
		LatencyMicros: s.latencyMicros.Load(),
	}
}

// Shutdown stops intake, lets in-flight workers drain within the grace
// period, then resolves whatever is still queued to the fail-closed
// default so no waiter is left hanging.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.stop) })

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()

	var err error
	select {
	case <-drained:
	case <-grace.C:
		err = errors.New("scheduler shutdown: grace period elapsed with workers still busy")
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.failRemaining()
	return err
}

func (s *Scheduler) failRemaining() {
	s.mu.Lock()
	remaining := make([]*permission.CheckTask, len(s.queue))
	copy(remaining, s.queue)
	s.queue = s.queue[:0]
	s.mu.Unlock()

	for _, t := range remaining {
		s.resolve(t, permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true})
	}
	if len(remaining) > 0 {
		s.logger.Warn("resolved queued tasks as degraded during shutdown", "count", len(remaining))
	}
}

func (s *Scheduler) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) pop() *permission.CheckTask {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			t := heap.Pop(&s.queue).(*permission.CheckTask)
			s.mu.Unlock()
			return t
		}
		s.mu.Unlock()

		// Bounded poll: wake on signal, stop, or the poll interval so a
		// missed notification can never strand a worker.
		select {
		case <-s.stop:
			return nil
		case <-s.notify:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		task := s.pop()
		if task == nil {
			return
		}
		s.process(task)
	}
}

func (s *Scheduler) process(task *permission.CheckTask) {
	now := s.clock()
	if task.Expired(now) {
		s.timeouts.Add(1)
		s.resolve(task, permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true})
		return
	}

	ctx := context.Background()
	if allowed, ok := s.cache.Get(ctx, task.Subject, task.Permission); ok {
		s.cacheHits.Add(1)
		s.resolve(task, resultFor(allowed))
		return
	}

	// Cap the store attempt by both the lookup budget and what is left
	// of the task's own timeout.
	attemptBudget := s.cfg.LookupTimeout
	if remaining := task.Timeout - now.Sub(task.EnqueuedAt); remaining < attemptBudget {
		attemptBudget = remaining
	}
	lookupCtx, cancel := context.WithTimeout(ctx, attemptBudget)
	allowed, err := s.store.Check(lookupCtx, task.Subject, task.Permission)
	cancel()

	if err != nil {
		s.storeErrors.Add(1)
		if errors.Is(err, permission.ErrStoreUnavailable) && task.RetryCount < task.MaxRetries {
			task.RetryCount++
			s.retries.Add(1)
			delay := retryDelay(task.RetryCount)
			s.logger.Debug("requeueing after transient store failure",
				"task_id", task.ID, "attempt", task.RetryCount, "delay", delay)
			time.AfterFunc(delay, func() { s.requeue(task) })
			return
		}
		s.logger.Warn("check degraded to default deny",
			"task_id", task.ID, "subject", task.Subject, "permission", task.Permission,
			"retries", task.RetryCount, "error", err)
		s.resolve(task, permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true})
		return
	}

	s.cache.Set(ctx, task.Subject, task.Permission, allowed, s.cfg.PointTTL)
	s.resolve(task, resultFor(allowed))
}

func (s *Scheduler) requeue(task *permission.CheckTask) {
	s.mu.Lock()
	if s.closed || len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		s.resolve(task, permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true})
		return
	}
	s.seq++
	task.Seq = s.seq
	heap.Push(&s.queue, task)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) resolve(task *permission.CheckTask, res permission.Result) {
	latency := s.clock().Sub(task.EnqueuedAt)
	s.processed.Add(1)
	s.latencyMicros.Add(latency.Microseconds())
	if res.Degraded {
		s.degraded.Add(1)
	}
	s.corr.Resolve(task.ID, res)
	if s.observer != nil {
		s.observer(task, res, latency)
	}
}

func resultFor(allowed bool) permission.Result {
	if allowed {
		return permission.Result{Decision: permission.DecisionAllowed}
	}
	return permission.Result{Decision: permission.DecisionDenied}
}

// retryDelay computes the backoff before the given attempt (1-based).
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.RandomizationFactor = 0.2
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
