// Package coalescer merges near-simultaneous multi-pair checks into
// fewer permission-store round-trips. A fixed tick bounds the added
// latency; within each tick, identical pairs are deduplicated and the
// remaining cache misses are grouped so the store sees one bulk
// per-subject fetch instead of one query per pair. Results fan back to
// every submission in original pair order, duplicates included.
package coalescer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/correlator"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/scheduler"
	"github.com/gatewire/permcore/pkg/store"
)

// Config tunes the coalescing loop.
type Config struct {
	Tick             time.Duration // coalescing window
	MaxPairsPerTick  int           // bounds worst-case tick cost
	PointTTL         time.Duration // cache TTL for fanned-out pairs; 0 = cache default
	SetTTL           time.Duration // cache TTL for per-subject sets; 0 = cache default
	FallbackPriority permission.Priority
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Tick:             100 * time.Millisecond,
		MaxPairsPerTick:  512,
		FallbackPriority: permission.PriorityHigh,
	}
}

func (c *Config) normalize() {
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.MaxPairsPerTick <= 0 {
		c.MaxPairsPerTick = 512
	}
	if !c.FallbackPriority.Valid() {
		c.FallbackPriority = permission.PriorityHigh
	}
}

// Callback receives the completed batch: one result per submitted
// pair, in submission order. It is invoked exactly once, from a
// goroutine owned by the coalescer.
type Callback func(batchID string, results []permission.Result)

// Counters is the coalescer's cumulative view for the health monitor.
type Counters struct {
	Batches        int64
	StoreFallbacks int64
	Expired        int64
}

type batchState struct {
	task     *permission.BatchCheckTask
	results  []permission.Result
	resolved []bool
	remain   int
	next     int // first slot not yet picked up by a cycle
	callback Callback
	done     bool
}

type slotRef struct {
	batch *batchState
	idx   int
}

// Coalescer accumulates batch submissions and drains them on a tick.
type Coalescer struct {
	cfg    Config
	cache  cache.Cache
	store  store.PermissionStore
	sched  *scheduler.Scheduler
	corr   *correlator.Correlator
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	pending []*batchState
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	batches        atomic.Int64
	storeFallbacks atomic.Int64
	expired        atomic.Int64
}

// Option customizes a Coalescer.
type Option func(*Coalescer)

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coalescer) { c.clock = clock }
}

// New creates a coalescer. The loop does not run until Start.
func New(cfg Config, ca cache.Cache, st store.PermissionStore, sched *scheduler.Scheduler, corr *correlator.Correlator, opts ...Option) *Coalescer {
	cfg.normalize()
	c := &Coalescer{
		cfg:    cfg,
		cache:  ca,
		store:  st,
		sched:  sched,
		corr:   corr,
		logger: slog.Default().With("component", "coalescer"),
		clock:  time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the coalescing loop.
func (c *Coalescer) Start() {
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("coalescer started", "tick", c.cfg.Tick, "max_pairs_per_tick", c.cfg.MaxPairsPerTick)
}

// Submit queues a batch of pairs and returns its id. The callback is
// invoked once every pair has a result.
func (c *Coalescer) Submit(pairs []permission.Pair, timeout time.Duration, cb Callback) (string, error) {
	task, err := permission.NewBatchCheckTask(pairs, timeout)
	if err != nil {
		return "", err
	}

	state := &batchState{
		task:     task,
		results:  make([]permission.Result, len(task.Pairs)),
		resolved: make([]bool, len(task.Pairs)),
		remain:   len(task.Pairs),
		callback: cb,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", permission.ErrShuttingDown
	}
	c.pending = append(c.pending, state)
	c.mu.Unlock()
	return task.ID, nil
}

// PendingPairs returns how many submitted pairs have no result yet.
func (c *Coalescer) PendingPairs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, b := range c.pending {
		total += b.remain
	}
	return total
}

// Counters returns a snapshot of the cumulative counters.
func (c *Coalescer) Counters() Counters {
	return Counters{
		Batches:        c.batches.Load(),
		StoreFallbacks: c.storeFallbacks.Load(),
		Expired:        c.expired.Load(),
	}
}

// Shutdown stops the loop and resolves any unfinished batch slots to
// the fail-closed default.
func (c *Coalescer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.once.Do(func() { close(c.stop) })

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	leftover := c.pending
	c.pending = nil
	c.mu.Unlock()

	degraded := permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true}
	for _, b := range leftover {
		var fills []slotRef
		for i := range b.task.Pairs {
			fills = append(fills, slotRef{batch: b, idx: i})
		}
		c.fill(fills, degraded)
	}
	return nil
}

func (c *Coalescer) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.runCycle()
		}
	}
}

// runCycle drains up to MaxPairsPerTick unprocessed slots.
func (c *Coalescer) runCycle() {
	now := c.clock()
	budget := c.cfg.MaxPairsPerTick

	c.mu.Lock()
	var work []slotRef
	var expiredBatches []*batchState
	live := c.pending[:0]
	for _, b := range c.pending {
		if b.done {
			continue
		}
		if now.Sub(b.task.CreatedAt) > b.task.Timeout {
			expiredBatches = append(expiredBatches, b)
			continue
		}
		for budget > 0 && b.next < len(b.task.Pairs) {
			work = append(work, slotRef{batch: b, idx: b.next})
			b.next++
			budget--
		}
		live = append(live, b)
	}
	c.pending = live
	c.mu.Unlock()

	for _, b := range expiredBatches {
		c.expireBatch(b)
	}
	if len(work) == 0 {
		return
	}
	c.processSlots(work)
}

func (c *Coalescer) expireBatch(b *batchState) {
	c.expired.Add(1)
	degraded := permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true}
	var fills []slotRef
	for i := range b.task.Pairs {
		fills = append(fills, slotRef{batch: b, idx: i})
	}
	c.logger.Warn("batch expired before completion", "batch_id", b.task.ID, "pairs", len(b.task.Pairs))
	c.fill(fills, degraded)
}

// processSlots answers a set of slots: dedupe identical pairs, consult
// the cache, then fetch one permission set per distinct missed subject.
func (c *Coalescer) processSlots(work []slotRef) {
	ctx := context.Background()

	// Dedupe: one lookup per distinct pair, fanned to all its slots.
	slotsByPair := make(map[permission.Pair][]slotRef)
	var distinct []permission.Pair
	for _, ref := range work {
		p := ref.batch.task.Pairs[ref.idx]
		if _, seen := slotsByPair[p]; !seen {
			distinct = append(distinct, p)
		}
		slotsByPair[p] = append(slotsByPair[p], ref)
	}

	// Cache pass.
	missesBySubject := make(map[string][]permission.Pair)
	var missedSubjects []string
	for _, p := range distinct {
		if allowed, ok := c.cache.Get(ctx, p.Subject, p.Permission); ok {
			c.fill(slotsByPair[p], resultFor(allowed))
			continue
		}
		if perms, ok := c.cache.GetUserSet(ctx, p.Subject); ok {
			_, allowed := perms[p.Permission]
			c.cache.Set(ctx, p.Subject, p.Permission, allowed, c.cfg.PointTTL)
			c.fill(slotsByPair[p], resultFor(allowed))
			continue
		}
		if _, seen := missesBySubject[p.Subject]; !seen {
			missedSubjects = append(missedSubjects, p.Subject)
		}
		missesBySubject[p.Subject] = append(missesBySubject[p.Subject], p)
	}

	// One bulk fetch per distinct subject with misses.
	for _, subject := range missedSubjects {
		pairs := missesBySubject[subject]
		perms, err := c.store.GetPermissions(ctx, subject)
		if err != nil {
			c.logger.Warn("bulk fetch failed, falling back to individual checks",
				"subject", subject, "pairs", len(pairs), "error", err)
			c.fallback(pairs, slotsByPair)
			continue
		}
		c.cache.SetUserSet(ctx, subject, perms, c.cfg.SetTTL)
		for _, p := range pairs {
			_, allowed := perms[p.Permission]
			c.cache.Set(ctx, p.Subject, p.Permission, allowed, c.cfg.PointTTL)
			c.fill(slotsByPair[p], resultFor(allowed))
		}
	}
}

// fallback reroutes pairs through the scheduler one by one so a store
// hiccup on the bulk path degrades a few pairs instead of failing the
// whole batch.
func (c *Coalescer) fallback(pairs []permission.Pair, slotsByPair map[permission.Pair][]slotRef) {
	c.storeFallbacks.Add(1)
	for _, p := range pairs {
		slots := slotsByPair[p]
		timeout := c.remainingTimeout(slots)
		task, err := permission.NewCheckTask(p.Subject, p.Permission, c.cfg.FallbackPriority, timeout)
		if err == nil {
			err = c.sched.EnqueueTask(task)
		}
		if err != nil {
			c.fill(slots, permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true})
			continue
		}

		c.wg.Add(1)
		go func(taskID string, slots []slotRef, timeout time.Duration) {
			defer c.wg.Done()
			res, err := c.corr.Await(context.Background(), taskID, timeout)
			if err != nil {
				res = permission.Result{Decision: permission.DecisionUnknownDefaultDenied, Degraded: true}
			}
			c.fill(slots, res)
		}(task.ID, slots, timeout)
	}
}

// remainingTimeout picks the largest remaining budget among the slots'
// batches so the fallback task gets as much time as any waiter has.
func (c *Coalescer) remainingTimeout(slots []slotRef) time.Duration {
	now := c.clock()
	var budget time.Duration
	for _, ref := range slots {
		b := ref.batch.task
		if remaining := b.Timeout - now.Sub(b.CreatedAt); remaining > budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		budget = 50 * time.Millisecond
	}
	return budget
}

// fill records a result into every given slot and completes batches
// whose last slot just resolved.
func (c *Coalescer) fill(slots []slotRef, res permission.Result) {
	type finished struct {
		id      string
		results []permission.Result
		cb      Callback
	}
	var completed []finished

	c.mu.Lock()
	for _, ref := range slots {
		b := ref.batch
		if b.resolved[ref.idx] {
			continue
		}
		b.resolved[ref.idx] = true
		b.results[ref.idx] = res
		b.remain--
		if b.remain == 0 && !b.done {
			b.done = true
			out := make([]permission.Result, len(b.results))
			copy(out, b.results)
			completed = append(completed, finished{id: b.task.ID, results: out, cb: b.callback})
		}
	}
	c.mu.Unlock()

	for _, f := range completed {
		c.batches.Add(1)
		if f.cb != nil {
			go f.cb(f.id, f.results)
		}
	}
}

func resultFor(allowed bool) permission.Result {
	if allowed {
		return permission.Result{Decision: permission.DecisionAllowed}
	}
	return permission.Result{Decision: permission.DecisionDenied}
}
