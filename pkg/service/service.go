// Package service assembles the permission pipeline into one object
// with an explicit lifecycle. Nothing here is a singleton: a process
// can run several Services side by side, each with its own cache,
// store client, and worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewire/permcore/pkg/cache"
	"github.com/gatewire/permcore/pkg/coalescer"
	"github.com/gatewire/permcore/pkg/config"
	"github.com/gatewire/permcore/pkg/correlator"
	"github.com/gatewire/permcore/pkg/monitor"
	"github.com/gatewire/permcore/pkg/observability"
	"github.com/gatewire/permcore/pkg/permission"
	"github.com/gatewire/permcore/pkg/scheduler"
	"github.com/gatewire/permcore/pkg/store"
)

// recentSubjects is a bounded LRU of subjects seen by recent checks,
// consumed by cache warm-up remediation.
type recentSubjects struct {
	mu    sync.Mutex
	cap   int
	order []string
	seen  map[string]struct{}
}

func newRecentSubjects(capacity int) *recentSubjects {
	return &recentSubjects{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
}

func (r *recentSubjects) touch(subject string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[subject]; ok {
		for i, s := range r.order {
			if s == subject {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	} else if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.order = append(r.order, subject)
	r.seen[subject] = struct{}{}
}

func (r *recentSubjects) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Service owns every pipeline component and their lifecycles.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	cache    cache.Cache
	store    store.PermissionStore
	corr     *correlator.Correlator
	sched    *scheduler.Scheduler
	coal     *coalescer.Coalescer
	monitor  *monitor.Monitor
	provider *observability.Provider
	recent   *recentSubjects

	closeCache func()

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option customizes construction, mainly for tests.
type Option func(*options)

type options struct {
	cache cache.Cache
	store store.PermissionStore
	probe monitor.ResourceProbe
}

// WithCache injects a pre-built cache instead of the configured backend.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithStore injects a pre-built store instead of the configured backend.
func WithStore(s store.PermissionStore) Option {
	return func(o *options) { o.store = s }
}

// WithProbe overrides the monitor's OS resource probe.
func WithProbe(p monitor.ResourceProbe) Option {
	return func(o *options) { o.probe = p }
}

// New builds a Service from configuration. Components are constructed
// and connected but no goroutine runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:    cfg,
		logger: slog.Default().With("component", "service"),
		recent: newRecentSubjects(1024),
	}

	if err := s.buildCache(o.cache); err != nil {
		return nil, err
	}
	if err := s.buildStore(o.store); err != nil {
		return nil, err
	}

	s.corr = correlator.New()

	s.sched = scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		LookupTimeout: cfg.Scheduler.LookupTimeout.Std(),
		GracePeriod:   cfg.Scheduler.GracePeriod.Std(),
		PointTTL:      cfg.Cache.PointTTL.Std(),
	}, s.cache, s.store, s.corr, scheduler.WithObserver(s.observe))

	s.coal = coalescer.New(coalescer.Config{
		Tick:             cfg.Coalescer.Tick.Std(),
		MaxPairsPerTick:  cfg.Coalescer.MaxPairsPerTick,
		PointTTL:         cfg.Cache.PointTTL.Std(),
		SetTTL:           cfg.Cache.SetTTL.Std(),
		FallbackPriority: cfg.Coalescer.FallbackPriority,
	}, s.cache, s.store, s.sched, s.corr)

	monOpts := []monitor.Option{monitor.WithRemediator(s)}
	if o.probe != nil {
		monOpts = append(monOpts, monitor.WithProbe(o.probe))
	}
	monCfg := monitor.DefaultConfig()
	monCfg.SampleInterval = cfg.Monitor.SampleInterval.Std()
	monCfg.EvaluateInterval = cfg.Monitor.EvaluateInterval.Std()
	monCfg.SnapshotRetention = cfg.Monitor.SnapshotRetention.Std()
	s.monitor = monitor.New(monCfg, s.cache, s.sched, s.coal, monOpts...)

	provider, err := observability.New(ctx, observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: "1.0.0",
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	}, func() int { return s.sched.Depth() + s.coal.PendingPairs() })
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.provider = provider

	if err := s.registerDefaultRules(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) buildCache(injected cache.Cache) error {
	if injected != nil {
		s.cache = injected
		return nil
	}
	switch s.cfg.Cache.Backend {
	case "redis":
		r := cache.NewRedis(cache.RedisConfig{
			Addr:     s.cfg.Cache.RedisAddr,
			Password: s.cfg.Cache.RedisPassword,
			DB:       s.cfg.Cache.RedisDB,
			PointTTL: s.cfg.Cache.PointTTL.Std(),
			SetTTL:   s.cfg.Cache.SetTTL.Std(),
			MaxTTL:   s.cfg.Cache.MaxTTL.Std(),
		})
		s.cache = r
		s.closeCache = func() { _ = r.Close() }
	default:
		m := cache.NewMemory(
			cache.WithTTLs(s.cfg.Cache.PointTTL.Std(), s.cfg.Cache.SetTTL.Std()),
			cache.WithMaxTTL(s.cfg.Cache.MaxTTL.Std()),
		)
		s.cache = m
		s.closeCache = m.Close
	}
	return nil
}

func (s *Service) buildStore(injected store.PermissionStore) error {
	if injected != nil {
		s.store = injected
		return nil
	}
	switch s.cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(store.PostgresConfig{
			DSN:          s.cfg.Store.DatabaseURL,
			QueriesPerS:  s.cfg.Store.MaxQPS,
			MaxOpenConns: s.cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		s.store = pg
	default:
		s.store = store.NewMemory()
	}
	return nil
}

// registerDefaultRules installs the stock health rules. Operators can
// disable or retune them through UpdateAlertRule.
func (s *Service) registerDefaultRules() error {
	rules := []monitor.AlertRule{
		{
			Name:        "low-cache-hit-rate",
			Metric:      monitor.MetricCacheHitRate,
			Comparator:  monitor.ComparatorLT,
			Threshold:   0.5,
			MinDuration: 2 * time.Minute,
			Cooldown:    10 * time.Minute,
			Enabled:     true,
		},
		{
			Name:        "high-check-latency",
			Metric:      monitor.MetricAvgLatencyMS,
			Comparator:  monitor.ComparatorGT,
			Threshold:   250,
			MinDuration: 2 * time.Minute,
			Cooldown:    10 * time.Minute,
			Enabled:     true,
		},
		{
			Name:        "high-cpu",
			Metric:      monitor.MetricCPUPercent,
			Comparator:  monitor.ComparatorGT,
			Threshold:   85,
			MinDuration: 5 * time.Minute,
			Cooldown:    15 * time.Minute,
			Enabled:     true,
		},
		{
			Name:        "high-memory",
			Metric:      monitor.MetricMemoryPercent,
			Comparator:  monitor.ComparatorGT,
			Threshold:   90,
			MinDuration: 5 * time.Minute,
			Cooldown:    15 * time.Minute,
			Enabled:     true,
		},
	}
	for _, r := range rules {
		if err := s.monitor.AddRule(r); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the worker pool, the coalescer loop, and the monitor.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: service already started", permission.ErrInvalidInput)
	}
	s.started = true
	s.sched.Start()
	s.coal.Start()
	s.monitor.Start()
	s.logger.Info("service started",
		"cache_backend", s.cfg.Cache.Backend,
		"store_backend", s.cfg.Store.Backend,
		"workers", s.cfg.Scheduler.Workers)
	return nil
}

// Shutdown stops intake and drains the pipeline. The coalescer goes
// first because its store-failure fallback needs a live scheduler.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	var errs []error
	if err := s.coal.Shutdown(ctx); err != nil && !errors.Is(err, permission.ErrShuttingDown) {
		errs = append(errs, fmt.Errorf("coalescer: %w", err))
	}
	if err := s.sched.Shutdown(ctx); err != nil && !errors.Is(err, permission.ErrShuttingDown) {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := s.monitor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	s.corr.Close()
	if s.closeCache != nil {
		s.closeCache()
	}
	if closer, ok := s.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if err := s.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	s.logger.Info("service stopped")
	return errors.Join(errs...)
}

// observe feeds each resolved check into telemetry.
func (s *Service) observe(task *permission.CheckTask, res permission.Result, latency time.Duration) {
	s.provider.RecordCheck(context.Background(), task, res, latency)
}

// SubmitCheck queues one permission check and returns its task ID.
func (s *Service) SubmitCheck(subject, perm string, priority permission.Priority, timeout time.Duration) (string, error) {
	id, err := s.sched.Enqueue(subject, perm, priority, timeout)
	if err != nil {
		return "", err
	}
	s.recent.touch(subject)
	return id, nil
}

// AwaitResult blocks until the task resolves, the timeout lapses, or
// ctx is cancelled.
func (s *Service) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (permission.Result, error) {
	return s.corr.Await(ctx, taskID, timeout)
}

// CheckStatus reports the task's correlator state without blocking.
func (s *Service) CheckStatus(taskID string) correlator.Status {
	return s.corr.Status(taskID)
}

// SubmitBatch queues a coalesced batch of pairs. The callback fires
// once with results in submission order.
func (s *Service) SubmitBatch(pairs []permission.Pair, timeout time.Duration, cb coalescer.Callback) (string, error) {
	id, err := s.coal.Submit(pairs, timeout, func(batchID string, results []permission.Result) {
		s.provider.RecordBatch(context.Background(), len(results))
		if cb != nil {
			cb(batchID, results)
		}
	})
	if err != nil {
		return "", err
	}
	for _, p := range pairs {
		s.recent.touch(p.Subject)
	}
	return id, nil
}

// WarmUp primes both cache granularities for the given subjects.
func (s *Service) WarmUp(ctx context.Context, subjects []string) error {
	var errs []error
	for _, subject := range subjects {
		perms, err := s.store.GetPermissions(ctx, subject)
		if err != nil {
			errs = append(errs, fmt.Errorf("warm up %q: %w", subject, err))
			continue
		}
		s.cache.SetUserSet(ctx, subject, perms, s.cfg.Cache.SetTTL.Std())
		for code := range perms {
			s.cache.Set(ctx, subject, code, true, s.cfg.Cache.PointTTL.Std())
		}
	}
	return errors.Join(errs...)
}

// WarmUpRecent implements monitor.Remediator: it re-primes the cache
// for the subjects active most recently.
func (s *Service) WarmUpRecent(ctx context.Context) error {
	subjects := s.recent.snapshot()
	if len(subjects) == 0 {
		return nil
	}
	s.logger.Info("warming cache for recent subjects", "count", len(subjects))
	return s.WarmUp(ctx, subjects)
}

// OptimizeQueryPatterns implements monitor.Remediator. Stores without
// an optimizer surface make this a logged no-op.
func (s *Service) OptimizeQueryPatterns(ctx context.Context) error {
	opt, ok := s.store.(store.Optimizer)
	if !ok {
		s.logger.Info("store has no query optimizer, skipping")
		return nil
	}
	return opt.OptimizeQueryPatterns(ctx)
}

// Invalidate removes cached entries for a subject. With no permissions
// listed the subject's whole footprint goes.
func (s *Service) Invalidate(ctx context.Context, subject string, permissions ...string) {
	s.cache.Invalidate(ctx, subject, permissions...)
}

// InvalidatePattern removes cached entries for every subject whose ID
// starts with prefix.
func (s *Service) InvalidatePattern(ctx context.Context, prefix string) {
	s.cache.InvalidatePattern(ctx, prefix)
}

// ClearCache drops every cached decision.
func (s *Service) ClearCache(ctx context.Context) {
	s.cache.InvalidatePattern(ctx, "")
}

// CacheStats exposes cache hit counters.
func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

// QueueDepth reports checks queued across the scheduler and coalescer.
func (s *Service) QueueDepth() int {
	return s.sched.Depth() + s.coal.PendingPairs()
}

// CurrentMetrics returns the latest health snapshot.
func (s *Service) CurrentMetrics() (monitor.PerformanceSnapshot, bool) {
	return s.monitor.CurrentMetrics()
}

// MetricsHistory returns a metric's samples within the window.
func (s *Service) MetricsHistory(metric monitor.Metric, window time.Duration) ([]monitor.MetricPoint, error) {
	return s.monitor.MetricsHistory(metric, window)
}

// RecentAlerts returns alerts fired within the window.
func (s *Service) RecentAlerts(window time.Duration) []monitor.Alert {
	return s.monitor.RecentAlerts(window)
}

// AddAlertRule registers an operator-defined health rule.
func (s *Service) AddAlertRule(rule monitor.AlertRule) error {
	return s.monitor.AddRule(rule)
}

// UpdateAlertRule applies a partial update to a registered rule.
func (s *Service) UpdateAlertRule(name string, upd monitor.RuleUpdate) error {
	return s.monitor.UpdateRule(name, upd)
}

// AlertRules lists the registered rules.
func (s *Service) AlertRules() []monitor.AlertRule {
	return s.monitor.Rules()
}

// SetNotificationSink installs the alert callback.
func (s *Service) SetNotificationSink(sink monitor.NotificationSink) {
	s.monitor.SetNotificationSink(sink)
}
