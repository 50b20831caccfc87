// Package monitor samples pipeline health on an interval, evaluates
// duration-windowed alert rules over the samples, and triggers
// matched remediation. Monitoring is strictly best-effort: a probe or
// rule failure is logged and isolated, never allowed to block
// permission evaluation.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/coalescer"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/scheduler"
)

// Config tunes the monitor loops.
type Config struct {
	SampleInterval    time.Duration // snapshot cadence
	EvaluateInterval  time.Duration // rule-evaluation cadence
	RetentionInterval time.Duration // retention-sweep cadence
	SnapshotRetention time.Duration // max snapshot age
	RingSize          int           // snapshot ring capacity
	MaxAlerts         int           // alert history bound
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:    10 * time.Second,
		EvaluateInterval:  30 * time.Second,
		RetentionInterval: time.Hour,
		SnapshotRetention: 24 * time.Hour,
		RingSize:          4096,
		MaxAlerts:         256,
	}
}

func (c *Config) normalize() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 10 * time.Second
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = 30 * time.Second
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = 24 * time.Hour
	}
	if c.RingSize <= 0 {
		c.RingSize = 4096
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = 256
	}
}

// CacheStats is the monitor's view of the cache layer.
type CacheStats interface {
	Stats() cache.Stats
}

// SchedulerStats is the monitor's view of the task scheduler.
type SchedulerStats interface {
	Depth() int
	Counters() scheduler.Counters
}

// CoalescerStats is the monitor's view of the batch coalescer.
type CoalescerStats interface {
	PendingPairs() int
	Counters() coalescer.Counters
}

// Remediator is invoked when a fired rule has a matched remediation.
type Remediator interface {
	// WarmUpRecent re-primes the cache for recently-active subjects.
	WarmUpRecent(ctx context.Context) error
	// OptimizeQueryPatterns re-primes the store client's query plans.
	OptimizeQueryPatterns(ctx context.Context) error
}

// NotificationSink receives every fired alert.
type NotificationSink func(Alert)

type ruleState struct {
	rule   AlertRule
	firing bool
}

// Monitor owns the sampling, evaluation, and retention loops.
type Monitor struct {
	cfg        Config
	probe      ResourceProbe
	cacheStats CacheStats
	schedStats SchedulerStats
	coalStats  CoalescerStats
	remediator Remediator
	logger     *slog.Logger
	clock      func() time.Time

	mu     sync.Mutex
	ring   *snapshotRing
	rules  map[string]*ruleState
	alerts []Alert
	sink   NotificationSink

	// previous cumulative counters, for per-interval deltas
	lastSched scheduler.Counters
	lastCoal  coalescer.Counters
	lastCache cache.Stats

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock overrides the clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithProbe overrides the OS resource probe.
func WithProbe(p ResourceProbe) Option {
	return func(m *Monitor) { m.probe = p }
}

// WithRemediator installs the remediation target.
func WithRemediator(r Remediator) Option {
	return func(m *Monitor) { m.remediator = r }
}

// New creates a monitor. Loops do not run until Start.
func New(cfg Config, cs CacheStats, ss SchedulerStats, co CoalescerStats, opts ...Option) *Monitor {
	cfg.normalize()
	m := &Monitor{
		cfg:        cfg,
		probe:      SystemProbe{},
		cacheStats: cs,
		schedStats: ss,
		coalStats:  co,
		logger:     slog.Default().With("component", "monitor"),
		clock:      time.Now,
		ring:       newSnapshotRing(cfg.RingSize),
		rules:      make(map[string]*ruleState),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling, evaluation, and retention loops.
func (m *Monitor) Start() {
	m.wg.Add(3)
	go m.runLoop(m.cfg.SampleInterval, m.Sample)
	go m.runLoop(m.cfg.EvaluateInterval, m.Evaluate)
	go m.runLoop(m.cfg.RetentionInterval, m.SweepRetention)
	m.logger.Info("monitor started",
		"sample_interval", m.cfg.SampleInterval,
		"evaluate_interval", m.cfg.EvaluateInterval)
}

// Shutdown stops the loops.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.once.Do(func() { close(m.stop) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) runLoop(every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Sample takes one PerformanceSnapshot and appends it to the ring.
func (m *Monitor) Sample() {
	now := m.clock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	cpuPct, memPct, err := m.probe.Sample(ctx)
	cancel()
	if err != nil {
		// Best-effort: a probe failure degrades the snapshot, never
		// the pipeline.
		m.logger.Warn("resource probe failed", "error", err)
	}

	sched := m.schedStats.Counters()
	coal := m.coalStats.Counters()
	cacheNow := m.cacheStats.Stats()
	depth := m.schedStats.Depth() + m.coalStats.PendingPairs()

	m.mu.Lock()
	defer m.mu.Unlock()

	dProcessed := sched.Processed - m.lastSched.Processed
	dLatency := sched.LatencyMicros - m.lastSched.LatencyMicros
	// Degraded subsumes timeouts and exhausted retries; counting the
	// timeout counter separately would double-book them.
	dExpired := coal.Expired - m.lastCoal.Expired
	dFailures := (sched.Degraded - m.lastSched.Degraded) + dExpired
	dOps := dProcessed + dExpired
	dHits := cacheNow.Hits - m.lastCache.Hits
	dMisses := cacheNow.Misses - m.lastCache.Misses

	snap := PerformanceSnapshot{
		Timestamp:     now,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		QueueDepth:    depth,
		CacheHitRate:  ratio(float64(dHits), float64(dHits+dMisses), 1.0),
		AvgLatencyMS:  ratio(float64(dLatency)/1000.0, float64(dProcessed), 0),
		ErrorRate:     ratio(float64(dFailures), float64(dOps), 0),
	}

	m.lastSched = sched
	m.lastCoal = coal
	m.lastCache = cacheNow
	m.ring.append(snap)
}

func ratio(num, den, idle float64) float64 {
	if den <= 0 {
		return idle
	}
	return num / den
}

// Evaluate walks the enabled rules against the snapshot window. Rule
// failures are isolated; one bad rule never halts the loop.
func (m *Monitor) Evaluate() {
	now := m.clock()

	m.mu.Lock()
	names := make([]string, 0, len(m.rules))
	for name := range m.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	m.mu.Unlock()

	for _, name := range names {
		m.evaluateRule(name, now)
	}
}

func (m *Monitor) evaluateRule(name string, now time.Time) {
	m.mu.Lock()
	st, ok := m.rules[name]
	if !ok || !st.rule.Enabled {
		m.mu.Unlock()
		return
	}
	rule := st.rule

	window := m.ring.since(now.Add(-rule.MinDuration))
	oldest, hasAny := m.ring.oldest()
	m.mu.Unlock()

	if len(window) == 0 || !hasAny {
		return
	}
	// The condition must have had the whole window to develop: don't
	// fire off a ring that doesn't span the rule's duration yet.
	if oldest.Timestamp.After(now.Add(-rule.MinDuration)) {
		return
	}

	var sum float64
	for _, s := range window {
		sum += s.Value(rule.Metric)
	}
	mean := sum / float64(len(window))
	violating := rule.Comparator.Compare(mean, rule.Threshold)

	m.mu.Lock()
	st, ok = m.rules[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !violating {
		st.firing = false
		m.mu.Unlock()
		return
	}
	if !st.rule.LastFiredAt.IsZero() && now.Sub(st.rule.LastFiredAt) < st.rule.Cooldown {
		// Condition persists inside the cooldown: stay FIRING silently.
		st.firing = true
		m.mu.Unlock()
		return
	}
	st.firing = true
	st.rule.LastFiredAt = now
	st.rule.FireCount++

	alert := Alert{
		RuleName:  st.rule.Name,
		Metric:    st.rule.Metric,
		Value:     mean,
		Threshold: st.rule.Threshold,
		FiredAt:   now,
	}
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}
	sink := m.sink
	m.mu.Unlock()

	m.logger.Warn("alert fired",
		"rule", alert.RuleName, "metric", alert.Metric,
		"value", alert.Value, "threshold", alert.Threshold)

	if sink != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("notification sink panicked", "rule", alert.RuleName, "panic", r)
				}
			}()
			sink(alert)
		}()
	}
	m.remediate(alert)
}

// remediate maps a fired alert to its corrective action. Resource
// pressure gets a logged recommendation only: automatic scaling
// decisions oscillate, so a human makes that call.
func (m *Monitor) remediate(alert Alert) {
	switch alert.Metric {
	case MetricCacheHitRate:
		m.runRemediation(alert, "cache warm-up", func(ctx context.Context) error {
			return m.remediator.WarmUpRecent(ctx)
		})
	case MetricAvgLatencyMS:
		m.runRemediation(alert, "query-pattern optimization", func(ctx context.Context) error {
			return m.remediator.OptimizeQueryPatterns(ctx)
		})
	case MetricCPUPercent, MetricMemoryPercent:
		m.logger.Warn("resource pressure detected; consider scaling the worker pool or host",
			"rule", alert.RuleName, "metric", alert.Metric, "value", alert.Value)
	default:
		m.logger.Info("no remediation mapped", "rule", alert.RuleName, "metric", alert.Metric)
	}
}

func (m *Monitor) runRemediation(alert Alert, action string, fn func(context.Context) error) {
	if m.remediator == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Error("remediation failed", "action", action, "rule", alert.RuleName, "error", err)
			return
		}
		m.logger.Info("remediation completed", "action", action, "rule", alert.RuleName)
	}()
}

// SweepRetention purges old snapshots and trims alert history.
func (m *Monitor) SweepRetention() {
	cutoff := m.clock().Add(-m.cfg.SnapshotRetention)
	m.mu.Lock()
	removed := m.ring.dropOlderThan(cutoff)
	if len(m.alerts) > m.cfg.MaxAlerts {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.MaxAlerts:]
	}
	m.mu.Unlock()
	if removed > 0 {
		m.logger.Debug("purged old snapshots", "count", removed)
	}
}

// AddRule validates and registers an alert rule.
func (m *Monitor) AddRule(rule AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[rule.Name]; exists {
		return fmt.Errorf("%w: rule %q already registered", permission.ErrInvalidInput, rule.Name)
	}
	rule.LastFiredAt = time.Time{}
	rule.FireCount = 0
	m.rules[rule.Name] = &ruleState{rule: rule}
	return nil
}

// UpdateRule applies a partial update to an existing rule. The merged
// rule is re-validated before it replaces the old one.
func (m *Monitor) UpdateRule(name string, upd RuleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rules[name]
	if !ok {
		return fmt.Errorf("%w: rule %q", permission.ErrNotFound, name)
	}
	merged := st.rule
	if upd.Threshold != nil {
		merged.Threshold = *upd.Threshold
	}
	if upd.Comparator != nil {
		merged.Comparator = *upd.Comparator
	}
	if upd.MinDuration != nil {
		merged.MinDuration = *upd.MinDuration
	}
	if upd.Cooldown != nil {
		merged.Cooldown = *upd.Cooldown
	}
	if upd.Enabled != nil {
		merged.Enabled = *upd.Enabled
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	st.rule = merged
	return nil
}

// Rules returns a copy of the registered rules.
func (m *Monitor) Rules() []AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertRule, 0, len(m.rules))
	for _, st := range m.rules {
		out = append(out, st.rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetNotificationSink installs the alert callback.
func (m *Monitor) SetNotificationSink(sink NotificationSink) {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
}

// CurrentMetrics returns the most recent snapshot.
func (m *Monitor) CurrentMetrics() (PerformanceSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.latest()
}

// MetricPoint is one (timestamp, value) sample of a metric.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricsHistory returns the metric's samples within the window,
// oldest first.
func (m *Monitor) MetricsHistory(metric Metric, window time.Duration) ([]MetricPoint, error) {
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", permission.ErrInvalidInput, metric)
	}
	cutoff := m.clock().Add(-window)
	m.mu.Lock()
	snaps := m.ring.since(cutoff)
	m.mu.Unlock()

	out := make([]MetricPoint, len(snaps))
	for i, s := range snaps {
		out[i] = MetricPoint{Timestamp: s.Timestamp, Value: s.Value(metric)}
	}
	return out, nil
}

// RecentAlerts returns alerts fired within the window, oldest first.
func (m *Monitor) RecentAlerts(window time.Duration) []Alert {
	cutoff := m.clock().Add(-window)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if !a.FiredAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}
