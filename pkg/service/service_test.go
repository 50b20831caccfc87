package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/config"
	"github.com/gatewire/permcore/pkg/correlator"
	"github.com/gatewire/permcore/pkg/monitor"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/store"
)

type fixture struct {
	svc   *Service
	store *store.Memory
	now   *time.Time
	mu    sync.Mutex
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	*f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.now
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory()}
	now := time.Now()
	f.now = &now

	cfg := config.Default()
	cfg.Scheduler.Workers = 2

	mem := cache.NewMemory(
		cache.WithTTLs(cfg.Cache.PointTTL.Std(), cfg.Cache.SetTTL.Std()),
		cache.WithClock(f.clock),
	)
	t.Cleanup(mem.Close)

	svc, err := New(context.Background(), cfg,
		WithCache(mem),
		WithStore(f.store),
		WithProbe(monitor.StaticProbe{CPU: 5, Mem: 10}),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	f.svc = svc
	return f
}

func TestCheckLifecycle(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("42", "API_ACCESS")

	id, err := f.svc.SubmitCheck("42", "API_ACCESS", permission.PriorityNormal, 5*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, permission.DecisionAllowed, res.Decision)
	assert.False(t, res.Degraded)
	assert.Equal(t, correlator.StatusCompleted, f.svc.CheckStatus(id))
}

func TestDeniedIsAuthoritative(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("42", "API_ACCESS")

	id, err := f.svc.SubmitCheck("42", "ADMIN_PANEL", permission.PriorityHigh, 5*time.Second)
	require.NoError(t, err)

	res, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, permission.DecisionDenied, res.Decision)
	assert.False(t, res.Degraded, "a real policy denial is not a degraded answer")
}

func TestRepeatCheckServedFromCacheUntilExpiry(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("42", "API_ACCESS")

	check := func() permission.Result {
		id, err := f.svc.SubmitCheck("42", "API_ACCESS", permission.PriorityNormal, 5*time.Second)
		require.NoError(t, err)
		res, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
		return res
	}

	assert.True(t, check().Decision.Allowed())
	require.Equal(t, 1, f.store.PointCalls())

	assert.True(t, check().Decision.Allowed())
	assert.Equal(t, 1, f.store.PointCalls(), "second check is a cache hit")

	f.advance(301 * time.Second)
	assert.True(t, check().Decision.Allowed())
	assert.Equal(t, 2, f.store.PointCalls(), "expired entry goes back to the store")
}

func TestInvalidateForcesStoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("7", "EXPORT")

	id, _ := f.svc.SubmitCheck("7", "EXPORT", permission.PriorityNormal, 5*time.Second)
	_, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.PointCalls())

	f.svc.Invalidate(context.Background(), "7")

	id, _ = f.svc.SubmitCheck("7", "EXPORT", permission.PriorityNormal, 5*time.Second)
	_, err = f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.PointCalls())
}

func TestBatchDeliversOrderedResults(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("alice", "READ", "WRITE")
	f.store.Grant("bob", "READ")

	pairs := []permission.Pair{
		{Subject: "alice", Permission: "READ"},
		{Subject: "bob", Permission: "WRITE"},
		{Subject: "alice", Permission: "WRITE"},
	}

	done := make(chan []permission.Result, 1)
	_, err := f.svc.SubmitBatch(pairs, 5*time.Second, func(_ string, results []permission.Result) {
		done <- results
	})
	require.NoError(t, err)

	select {
	case results := <-done:
		require.Len(t, results, 3)
		assert.True(t, results[0].Decision.Allowed())
		assert.False(t, results[1].Decision.Allowed())
		assert.True(t, results[2].Decision.Allowed())
	case <-time.After(5 * time.Second):
		t.Fatal("batch callback never fired")
	}
}

func TestWarmUpRecentPrimesCache(t *testing.T) {
	f := newFixture(t)
	f.store.Grant("42", "API_ACCESS", "EXPORT")

	// A submitted check marks the subject as recent.
	id, _ := f.svc.SubmitCheck("42", "API_ACCESS", permission.PriorityNormal, 5*time.Second)
	_, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	require.NoError(t, f.svc.WarmUpRecent(context.Background()))
	require.Equal(t, 1, f.store.BulkCalls("42"))

	// The warmed point entry answers without another store call.
	calls := f.store.PointCalls()
	id, _ = f.svc.SubmitCheck("42", "EXPORT", permission.PriorityNormal, 5*time.Second)
	res, err := f.svc.AwaitResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Decision.Allowed())
	assert.Equal(t, calls, f.store.PointCalls())
}

func TestOptimizeQueryPatternsWithoutOptimizer(t *testing.T) {
	f := newFixture(t)
	// The in-memory store has no optimizer surface; remediation is a no-op.
	assert.NoError(t, f.svc.OptimizeQueryPatterns(context.Background()))
}

func TestDefaultAlertRulesRegistered(t *testing.T) {
	f := newFixture(t)
	names := make(map[string]bool)
	for _, r := range f.svc.AlertRules() {
		names[r.Name] = true
	}
	for _, want := range []string{"low-cache-hit-rate", "high-check-latency", "high-cpu", "high-memory"} {
		assert.True(t, names[want], want)
	}
}

func TestUpdateAlertRuleThroughService(t *testing.T) {
	f := newFixture(t)
	disabled := false
	require.NoError(t, f.svc.UpdateAlertRule("high-cpu", monitor.RuleUpdate{Enabled: &disabled}))

	for _, r := range f.svc.AlertRules() {
		if r.Name == "high-cpu" {
			assert.False(t, r.Enabled)
			return
		}
	}
	t.Fatal("high-cpu rule missing")
}

func TestDoubleStartRejected(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Start()
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
}

func TestSubmitAfterShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))
	require.NoError(t, f.svc.Shutdown(ctx), "shutdown is idempotent")

	_, err := f.svc.SubmitCheck("42", "API_ACCESS", permission.PriorityNormal, time.Second)
	assert.True(t, errors.Is(err, permission.ErrShuttingDown))

	_, err = f.svc.SubmitBatch([]permission.Pair{{Subject: "42", Permission: "API_ACCESS"}}, time.Second, nil)
	assert.True(t, errors.Is(err, permission.ErrShuttingDown))
}

func TestRecentSubjectsBound(t *testing.T) {
	r := newRecentSubjects(3)
	r.touch("a")
	r.touch("b")
	r.touch("c")
	r.touch("a") // refresh, not duplicate
	r.touch("d") // evicts b

	assert.Equal(t, []string{"c", "a", "d"}, r.snapshot())
}
