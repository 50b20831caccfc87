package monitor

import "time"

// PerformanceSnapshot is one immutable sample of the pipeline's
// health, appended to a bounded ring buffer (oldest evicted first).
type PerformanceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	CacheHitRate  float64   `json:"cache_hit_rate"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	QueueDepth    int       `json:"queue_depth"`
	ErrorRate     float64   `json:"error_rate"`
}

// Value extracts the named metric from the snapshot.
func (s PerformanceSnapshot) Value(m Metric) float64 {
	switch m {
	case MetricCPUPercent:
		return s.CPUPercent
	case MetricMemoryPercent:
		return s.MemoryPercent
	case MetricCacheHitRate:
		return s.CacheHitRate
	case MetricAvgLatencyMS:
		return s.AvgLatencyMS
	case MetricQueueDepth:
		return float64(s.QueueDepth)
	case MetricErrorRate:
		return s.ErrorRate
	default:
		return 0
	}
}

// snapshotRing is a fixed-capacity FIFO of snapshots.
type snapshotRing struct {
	buf  []PerformanceSnapshot
	head int // index of the oldest entry
	size int
}

func newSnapshotRing(capacity int) *snapshotRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &snapshotRing{buf: make([]PerformanceSnapshot, capacity)}
}

// append adds a snapshot, evicting the oldest when full.
func (r *snapshotRing) append(s PerformanceSnapshot) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th snapshot, oldest first.
func (r *snapshotRing) at(i int) PerformanceSnapshot {
	return r.buf[(r.head+i)%len(r.buf)]
}

// latest returns the newest snapshot, if any.
func (r *snapshotRing) latest() (PerformanceSnapshot, bool) {
	if r.size == 0 {
		return PerformanceSnapshot{}, false
	}
	return r.at(r.size - 1), true
}

// oldest returns the oldest snapshot, if any.
func (r *snapshotRing) oldest() (PerformanceSnapshot, bool) {
	if r.size == 0 {
		return PerformanceSnapshot{}, false
	}
	return r.at(0), true
}

// since returns snapshots with Timestamp >= cutoff, oldest first.
func (r *snapshotRing) since(cutoff time.Time) []PerformanceSnapshot {
	var out []PerformanceSnapshot
	for i := 0; i < r.size; i++ {
		if s := r.at(i); !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// dropOlderThan evicts snapshots older than the cutoff and returns how
// many were removed.
func (r *snapshotRing) dropOlderThan(cutoff time.Time) int {
	removed := 0
	for r.size > 0 {
		if s := r.at(0); s.Timestamp.Before(cutoff) {
			r.head = (r.head + 1) % len(r.buf)
			r.size--
			removed++
			continue
		}
		break
	}
	return removed
}
