package monitor

import (
	"fmt"
	"time"

	"github.com/gatewire/permcore/pkg/permission"
)

// Metric is the closed set of samplable metrics. Rules referencing
// anything else are rejected at registration time, not at evaluation
// time.
type Metric string

const (
	MetricCPUPercent    Metric = "cpu_percent"
	MetricMemoryPercent Metric = "memory_percent"
	MetricCacheHitRate  Metric = "cache_hit_rate"
	MetricAvgLatencyMS  Metric = "avg_latency_ms"
	MetricQueueDepth    Metric = "queue_depth"
	MetricErrorRate     Metric = "error_rate"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricCPUPercent, MetricMemoryPercent, MetricCacheHitRate,
		MetricAvgLatencyMS, MetricQueueDepth, MetricErrorRate:
		return true
	}
	return false
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown metric %q", permission.ErrInvalidInput, s)
	}
	return m, nil
}

// Comparator is the closed set of threshold comparisons.
type Comparator string

const (
	ComparatorGT Comparator = ">"
	ComparatorGE Comparator = ">="
	ComparatorLT Comparator = "<"
	ComparatorLE Comparator = "<="
)

// Valid reports whether c is a known comparator.
func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGT, ComparatorGE, ComparatorLT, ComparatorLE:
		return true
	}
	return false
}

// Compare applies the comparator to (value, threshold).
func (c Comparator) Compare(value, threshold float64) bool {
	switch c {
	case ComparatorGT:
		return value > threshold
	case ComparatorGE:
		return value >= threshold
	case ComparatorLT:
		return value < threshold
	case ComparatorLE:
		return value <= threshold
	default:
		return false
	}
}

// AlertRule fires when the mean of its metric over the MinDuration
// window satisfies the comparator against the threshold. Cooldown is
// the minimum interval between firings even while the condition
// persists.
type AlertRule struct {
	Name        string        `json:"name" yaml:"name"`
	Metric      Metric        `json:"metric" yaml:"metric"`
	Comparator  Comparator    `json:"comparator" yaml:"comparator"`
	Threshold   float64       `json:"threshold" yaml:"threshold"`
	MinDuration time.Duration `json:"min_duration" yaml:"min_duration"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	LastFiredAt time.Time     `json:"last_fired_at,omitempty" yaml:"-"`
	FireCount   int64         `json:"fire_count" yaml:"-"`
}

// Validate enforces the closed enums and positive durations so a
// misconfigured rule fails at registration, never mid-evaluation.
func (r AlertRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name required", permission.ErrInvalidInput)
	}
	if !r.Metric.Valid() {
		return fmt.Errorf("%w: rule %q: unknown metric %q", permission.ErrInvalidInput, r.Name, r.Metric)
	}
	if !r.Comparator.Valid() {
		return fmt.Errorf("%w: rule %q: unknown comparator %q", permission.ErrInvalidInput, r.Name, r.Comparator)
	}
	if r.MinDuration <= 0 {
		return fmt.Errorf("%w: rule %q: non-positive min_duration", permission.ErrInvalidInput, r.Name)
	}
	if r.Cooldown <= 0 {
		return fmt.Errorf("%w: rule %q: non-positive cooldown", permission.ErrInvalidInput, r.Name)
	}
	return nil
}

// RuleUpdate is a partial update applied by the operator interface;
// nil fields are left unchanged.
type RuleUpdate struct {
	Threshold   *float64
	Comparator  *Comparator
	MinDuration *time.Duration
	Cooldown    *time.Duration
	Enabled     *bool
}

// Alert is one fired event, appended to a bounded history.
type Alert struct {
	RuleName  string    `json:"rule_name"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}
