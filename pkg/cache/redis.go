package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPointPrefix = "permcore:point:"
	redisSetPrefix   = "permcore:set:"
)

// Redis is a distributed cache backend. Hit/miss counters are local to
// the process; each node reports what it observed.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64

	pointTTL time.Duration
	setTTL   time.Duration
	maxTTL   time.Duration
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PointTTL time.Duration
	SetTTL   time.Duration
	MaxTTL   time.Duration
}

// NewRedis creates a redis-backed cache.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.PointTTL <= 0 {
		cfg.PointTTL = DefaultPointTTL
	}
	if cfg.SetTTL <= 0 {
		cfg.SetTTL = DefaultSetTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultSetTTL
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger:   slog.Default().With("component", "cache.redis"),
		pointTTL: cfg.PointTTL,
		setTTL:   cfg.SetTTL,
		maxTTL:   cfg.MaxTTL,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) clamp(ttl, def time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = def
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	return ttl
}

func pointRedisKey(subject, permission string) string {
	return fmt.Sprintf("%s%s:%s", redisPointPrefix, subject, permission)
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, subject, permission string) (bool, bool) {
	val, err := r.client.Get(ctx, pointRedisKey(subject, permission)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.WarnContext(ctx, "redis get failed", "error", err)
		}
		r.misses.Add(1)
		return false, false
	}
	r.hits.Add(1)
	return val == "1", true
}

// Set implements Cache.
func (r *Redis) Set(ctx context.Context, subject, permission string, allowed bool, ttl time.Duration) {
	if subject == "" || permission == "" {
		return
	}
	val := "0"
	if allowed {
		val = "1"
	}
	if err := r.client.Set(ctx, pointRedisKey(subject, permission), val, r.clamp(ttl, r.pointTTL)).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis set failed", "error", err)
	}
}

// GetUserSet implements Cache.
func (r *Redis) GetUserSet(ctx context.Context, subject string) (map[string]struct{}, bool) {
	raw, err := r.client.Get(ctx, redisSetPrefix+subject).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.WarnContext(ctx, "redis get user set failed", "error", err)
		}
		r.misses.Add(1)
		return nil, false
	}
	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		r.logger.WarnContext(ctx, "corrupt user set entry dropped", "subject", subject, "error", err)
		r.client.Del(ctx, redisSetPrefix+subject)
		r.misses.Add(1)
		return nil, false
	}
	r.hits.Add(1)
	perms := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		perms[c] = struct{}{}
	}
	return perms, true
}

// SetUserSet implements Cache.
func (r *Redis) SetUserSet(ctx context.Context, subject string, perms map[string]struct{}, ttl time.Duration) {
	if subject == "" {
		return
	}
	codes := make([]string, 0, len(perms))
	for p := range perms {
		codes = append(codes, p)
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, redisSetPrefix+subject, raw, r.clamp(ttl, r.setTTL)).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis set user set failed", "error", err)
	}
}

// Invalidate implements Cache.
func (r *Redis) Invalidate(ctx context.Context, subject string, permissions ...string) {
	keys := []string{redisSetPrefix + subject}
	if len(permissions) == 0 {
		r.deleteScan(ctx, redisPointPrefix+subject+":*")
	} else {
		for _, p := range permissions {
			keys = append(keys, pointRedisKey(subject, p))
		}
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.WarnContext(ctx, "redis invalidate failed", "subject", subject, "error", err)
	}
}

// InvalidatePattern implements Cache.
func (r *Redis) InvalidatePattern(ctx context.Context, prefix string) {
	r.deleteScan(ctx, redisPointPrefix+prefix+"*")
	r.deleteScan(ctx, redisSetPrefix+prefix+"*")
}

func (r *Redis) deleteScan(ctx context.Context, match string) {
	iter := r.client.Scan(ctx, 0, match, 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			r.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.WarnContext(ctx, "redis scan failed", "match", match, "error", err)
	}
	if len(keys) > 0 {
		r.client.Del(ctx, keys...)
	}
}

// Stats implements Cache. Entry counts require a keyspace scan on
// redis, so only process-local hit/miss counters are reported.
func (r *Redis) Stats() Stats {
	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
	}
}
