package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewire/permcore/pkg/permission"
)

func newTestCorrelator(t *testing.T, opts ...Option) *Correlator {
	t.Helper()
	c := New(opts...)
	t.Cleanup(c.Close)
	return c
}

func TestAwaitDeliversResolvedValue(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("t1", permission.Result{Decision: permission.DecisionAllowed})
	}()

	res, err := c.Await(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, permission.DecisionAllowed, res.Decision)
	assert.False(t, res.Degraded)
}

func TestAwaitTimesOutWithoutBlockingSignal(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))

	start := time.Now()
	_, err := c.Await(context.Background(), "t1", 30*time.Millisecond)
	assert.True(t, errors.Is(err, permission.ErrAwaitTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Late resolution still lands; the timed-out wait leaked nothing.
	assert.True(t, c.Resolve("t1", permission.Result{Decision: permission.DecisionDenied}))
	res, err := c.Await(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, permission.DecisionDenied, res.Decision)
}

func TestResolveExactlyOnce(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))

	assert.True(t, c.Resolve("t1", permission.Result{Decision: permission.DecisionAllowed}))
	assert.False(t, c.Resolve("t1", permission.Result{Decision: permission.DecisionDenied}))

	// Repeated reads return the first value.
	for i := 0; i < 3; i++ {
		res, err := c.Await(context.Background(), "t1", time.Second)
		require.NoError(t, err)
		assert.Equal(t, permission.DecisionAllowed, res.Decision)
	}
}

func TestConcurrentAwaitersAllWake(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]permission.Result, waiters)
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Await(context.Background(), "t1", time.Second)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	c.Resolve("t1", permission.Result{Decision: permission.DecisionAllowed})
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, permission.DecisionAllowed, results[i].Decision)
	}
}

func TestStatusTransitions(t *testing.T) {
	now := time.Now()
	c := newTestCorrelator(t, WithClock(func() time.Time { return now }))

	assert.Equal(t, StatusNotFound, c.Status("t1"))

	require.NoError(t, c.Register("t1"))
	assert.Equal(t, StatusPending, c.Status("t1"))

	c.Resolve("t1", permission.Result{Decision: permission.DecisionAllowed})
	assert.Equal(t, StatusCompleted, c.Status("t1"))

	// After the retention window the sweep forgets the task.
	now = now.Add(DefaultRetention + time.Minute)
	c.Sweep()
	assert.Equal(t, StatusNotFound, c.Status("t1"))
}

func TestRegisterDuplicate(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))
	err := c.Register("t1")
	assert.True(t, errors.Is(err, permission.ErrInvalidInput))
}

func TestAwaitUnknownTask(t *testing.T) {
	c := newTestCorrelator(t)
	_, err := c.Await(context.Background(), "nope", time.Second)
	assert.True(t, errors.Is(err, permission.ErrNotFound))
}

func TestAwaitCancelledContext(t *testing.T) {
	c := newTestCorrelator(t)
	require.NoError(t, c.Register("t1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Await(ctx, "t1", time.Second)
	assert.True(t, errors.Is(err, permission.ErrAwaitTimeout))
}
