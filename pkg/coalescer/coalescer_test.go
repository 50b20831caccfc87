package coalescer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/correlator"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/scheduler"
	"github.com/gatewire/permcore/pkg/store"
)

type fixture struct {
	coal  *Coalescer
	sched *scheduler.Scheduler
	cache *cache.Memory
	store *store.Memory
	corr  *correlator.Correlator
}

type batchResult struct {
	id      string
	results []permission.Result
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	c := cache.NewMemory()
	t.Cleanup(c.Close)
	st := store.NewMemory()
	corr := correlator.New()
	t.Cleanup(corr.Close)

	sched := scheduler.New(scheduler.DefaultConfig(), c, st, corr)
	sched.Start()
	coal := New(cfg, c, st, sched, corr)
	coal.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coal.Shutdown(ctx)
		_ = sched.Shutdown(ctx)
	})
	return &fixture{coal: coal, sched: sched, cache: c, store: st, corr: corr}
}

// collector gathers callback invocations.
func collector() (Callback, func(t *testing.T, timeout time.Duration) batchResult) {
	ch := make(chan batchResult, 4)
	cb := func(id string, results []permission.Result) {
		ch <- batchResult{id: id, results: results}
	}
	wait := func(t *testing.T, timeout time.Duration) batchResult {
		t.Helper()
		select {
		case r := <-ch:
			return r
		case <-time.After(timeout):
			t.Fatal("batch callback not invoked in time")
			return batchResult{}
		}
	}
	return cb, wait
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.coal.Submit(nil, time.Second, nil)
	assert.ErrorIs(t, err, permission.ErrInvalidInput)

	_, err = f.coal.Submit([]permission.Pair{{Subject: "a", Permission: "p"}}, 0, nil)
	assert.ErrorIs(t, err, permission.ErrInvalidInput)
}

func TestBatchDedupeAndOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	f := newFixture(t, cfg)

	f.store.Grant("A", "p1")
	// B has nothing granted: its pair resolves to a policy deny.

	cb, wait := collector()
	pairs := []permission.Pair{
		{Subject: "A", Permission: "p1"},
		{Subject: "A", Permission: "p1"}, // duplicate keeps its own slot
		{Subject: "B", Permission: "p2"},
	}
	id, err := f.coal.Submit(pairs, 2*time.Second, cb)
	require.NoError(t, err)

	got := wait(t, 2*time.Second)
	assert.Equal(t, id, got.id)
	require.Len(t, got.results, 3)
	assert.Equal(t, permission.DecisionAllowed, got.results[0].Decision)
	assert.Equal(t, permission.DecisionAllowed, got.results[1].Decision)
	assert.Equal(t, permission.DecisionDenied, got.results[2].Decision)

	// One bulk lookup per distinct subject, none per pair.
	assert.Equal(t, 1, f.store.BulkCalls("A"))
	assert.Equal(t, 1, f.store.BulkCalls("B"))
	assert.Equal(t, 0, f.store.PointCalls())
}

func TestBatchPopulatesBothCacheGranularities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.Grant("A", "p1", "p2")

	cb, wait := collector()
	_, err := f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p1"}}, 2*time.Second, cb)
	require.NoError(t, err)
	wait(t, 2*time.Second)

	ctx := context.Background()
	allowed, ok := f.cache.Get(ctx, "A", "p1")
	require.True(t, ok)
	assert.True(t, allowed)

	perms, ok := f.cache.GetUserSet(ctx, "A")
	require.True(t, ok)
	assert.Contains(t, perms, "p2")
}

func TestSecondBatchAnsweredFromSubjectSet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.Grant("A", "p1", "p2")

	cb1, wait1 := collector()
	_, err := f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p1"}}, 2*time.Second, cb1)
	require.NoError(t, err)
	wait1(t, 2*time.Second)

	// A different permission for the same subject: the cached subject
	// set answers it without another store round-trip.
	cb2, wait2 := collector()
	_, err = f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p2"}}, 2*time.Second, cb2)
	require.NoError(t, err)
	got := wait2(t, 2*time.Second)
	assert.Equal(t, permission.DecisionAllowed, got.results[0].Decision)
	assert.Equal(t, 1, f.store.BulkCalls("A"))
}

func TestStoreFailureFallsBackToScheduler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.Grant("A", "p1")
	// First call (the coalescer's bulk fetch) fails; the scheduler's
	// point lookups then succeed.
	f.store.FailNext(1)

	cb, wait := collector()
	_, err := f.coal.Submit([]permission.Pair{
		{Subject: "A", Permission: "p1"},
		{Subject: "A", Permission: "nope"},
	}, 5*time.Second, cb)
	require.NoError(t, err)

	got := wait(t, 5*time.Second)
	require.Len(t, got.results, 2)
	assert.Equal(t, permission.DecisionAllowed, got.results[0].Decision)
	assert.Equal(t, permission.DecisionDenied, got.results[1].Decision)
	assert.Equal(t, int64(1), f.coal.Counters().StoreFallbacks)
	assert.GreaterOrEqual(t, f.store.PointCalls(), 1)
}

func TestBatchTimeoutFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	f := newFixture(t, cfg)
	f.store.Grant("A", "p1")
	f.store.SetLatency(30 * time.Millisecond)

	cb, wait := collector()
	// Timeout far below one tick: the batch expires before any cycle
	// picks it up.
	_, err := f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p1"}}, time.Millisecond, cb)
	require.NoError(t, err)

	got := wait(t, 2*time.Second)
	require.Len(t, got.results, 1)
	assert.Equal(t, permission.DecisionUnknownDefaultDenied, got.results[0].Decision)
	assert.True(t, got.results[0].Degraded)
	assert.Equal(t, int64(1), f.coal.Counters().Expired)
}

func TestLargeBatchSpansMultipleTicks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = 10 * time.Millisecond
	cfg.MaxPairsPerTick = 2
	f := newFixture(t, cfg)
	f.store.Grant("A", "p0", "p1", "p2", "p3", "p4")

	var pairs []permission.Pair
	for _, p := range []string{"p0", "p1", "p2", "p3", "p4"} {
		pairs = append(pairs, permission.Pair{Subject: "A", Permission: p})
	}

	cb, wait := collector()
	_, err := f.coal.Submit(pairs, 5*time.Second, cb)
	require.NoError(t, err)

	got := wait(t, 5*time.Second)
	require.Len(t, got.results, 5)
	for i, r := range got.results {
		assert.Equal(t, permission.DecisionAllowed, r.Decision, "pair %d", i)
	}
}

func TestShutdownFailsPendingBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tick = time.Hour // never ticks
	f := newFixture(t, cfg)

	var mu sync.Mutex
	var results []permission.Result
	cb := func(_ string, r []permission.Result) {
		mu.Lock()
		results = r
		mu.Unlock()
	}

	_, err := f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p1"}}, time.Minute, cb)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.coal.Shutdown(ctx))

	// Callback runs on its own goroutine; give it a beat.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, permission.DecisionUnknownDefaultDenied, results[0].Decision)
	assert.True(t, results[0].Degraded)

	_, err = f.coal.Submit([]permission.Pair{{Subject: "A", Permission: "p1"}}, time.Second, nil)
	assert.ErrorIs(t, err, permission.ErrShuttingDown)
}
