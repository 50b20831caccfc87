package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatewire/permcore/pkg/permission"
)

// Memory is an in-process store used by tests and the demo daemon. It
// supports latency and failure injection so degraded paths can be
// exercised deterministically.
type Memory struct {
	mu       sync.Mutex
	grants   map[string]map[string]struct{}
	latency  time.Duration
	failures int

	bulkCalls  map[string]int
	pointCalls int
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		grants:    make(map[string]map[string]struct{}),
		bulkCalls: make(map[string]int),
	}
}

// Grant adds permission codes for a subject.
func (m *Memory) Grant(subjectID string, codes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.grants[subjectID]
	if !ok {
		set = make(map[string]struct{})
		m.grants[subjectID] = set
	}
	for _, c := range codes {
		set[c] = struct{}{}
	}
}

// Revoke removes permission codes for a subject; with no codes the
// subject is dropped entirely.
func (m *Memory) Revoke(subjectID string, codes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(codes) == 0 {
		delete(m.grants, subjectID)
		return
	}
	for _, c := range codes {
		delete(m.grants[subjectID], c)
	}
}

// SetLatency injects a fixed delay per lookup.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// FailNext makes the next n lookups fail with ErrStoreUnavailable.
func (m *Memory) FailNext(n int) {
	m.mu.Lock()
	m.failures = n
	m.mu.Unlock()
}

// BulkCalls returns how many GetPermissions calls a subject received.
func (m *Memory) BulkCalls(subjectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bulkCalls[subjectID]
}

// PointCalls returns the total number of Check calls.
func (m *Memory) PointCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pointCalls
}

func (m *Memory) simulate(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	fail := m.failures > 0
	if fail {
		m.failures--
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", permission.ErrStoreUnavailable, ctx.Err())
		}
	}
	if fail {
		return fmt.Errorf("%w: injected failure", permission.ErrStoreUnavailable)
	}
	return nil
}

// GetPermissions implements PermissionStore.
func (m *Memory) GetPermissions(ctx context.Context, subjectID string) (map[string]struct{}, error) {
	m.mu.Lock()
	m.bulkCalls[subjectID]++
	m.mu.Unlock()

	if err := m.simulate(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.grants[subjectID]))
	for c := range m.grants[subjectID] {
		out[c] = struct{}{}
	}
	return out, nil
}

// Check implements PermissionStore.
func (m *Memory) Check(ctx context.Context, subjectID, permissionCode string) (bool, error) {
	m.mu.Lock()
	m.pointCalls++
	m.mu.Unlock()

	if err := m.simulate(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.grants[subjectID][permissionCode]
	return ok, nil
}
