package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wolfinch/internal/config"
	"wolfinch/pkg/types"
)

// Cache is the hot candle tier: a bounded per-instrument list of the most
// recent candles, upserted by time. It is advisory; callers never fail on a
// cache miss or a cache error.
type Cache interface {
	// Upsert appends candles, replacing any cached candle with the same time.
	Upsert(ctx context.Context, key string, candles ...types.Candle)
	// Tail returns the last n cached candles ascending; n <= 0 returns all.
	Tail(ctx context.Context, key string, n int) []types.Candle
	// Replace swaps the whole cached series for the key.
	Replace(ctx context.Context, key string, candles []types.Candle)
	// Close releases any connection the cache holds.
	Close()
}

// cacheKey mirrors the list key layout: candles:{venue}:{product}.
func cacheKey(instrument types.Instrument) string {
	return fmt.Sprintf("candles:%s:%s", instrument.Venue, instrument.ProductID)
}

// ————————————————————————————————————————————————————————————————————————
// In-process cache
// ————————————————————————————————————————————————————————————————————————

type memoryCache struct {
	mu     sync.RWMutex
	max    int
	series map[string][]types.Candle
}

// NewMemoryCache returns a process-local cache. Used when redis is disabled
// or unreachable, and by backtests.
func NewMemoryCache(max int) Cache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &memoryCache{max: max, series: make(map[string][]types.Candle)}
}

func (m *memoryCache) Upsert(_ context.Context, key string, candles ...types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := m.series[key]
	for _, c := range candles {
		series = upsertByTime(series, c)
	}
	if len(series) > m.max {
		series = series[len(series)-m.max:]
	}
	m.series[key] = series
}

func (m *memoryCache) Tail(_ context.Context, key string, n int) []types.Candle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.series[key]
	if n > 0 && len(series) > n {
		series = series[len(series)-n:]
	}
	out := make([]types.Candle, len(series))
	copy(out, series)
	return out
}

func (m *memoryCache) Replace(_ context.Context, key string, candles []types.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	series := make([]types.Candle, len(candles))
	copy(series, candles)
	if len(series) > m.max {
		series = series[len(series)-m.max:]
	}
	m.series[key] = series
}

func (m *memoryCache) Close() {}

// upsertByTime inserts c into the ascending series, replacing an existing
// candle with the same time.
func upsertByTime(series []types.Candle, c types.Candle) []types.Candle {
	n := len(series)
	if n == 0 || c.Time > series[n-1].Time {
		return append(series, c)
	}
	idx := sort.Search(n, func(i int) bool { return series[i].Time >= c.Time })
	if idx < n && series[idx].Time == c.Time {
		series[idx] = c
		return series
	}
	series = append(series, types.Candle{})
	copy(series[idx+1:], series[idx:])
	series[idx] = c
	return series
}

// ————————————————————————————————————————————————————————————————————————
// Redis cache
// ————————————————————————————————————————————————————————————————————————

type redisCache struct {
	client *redis.Client
	max    int
	logger *slog.Logger
}

// NewRedisCache connects to redis and verifies it with a ping. On error the
// caller should fall back to NewMemoryCache.
func NewRedisCache(cfg config.RedisConfig, max int, logger *slog.Logger) (Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if max <= 0 {
		max = defaultCacheSize
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr(),
		DB:   cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr(), err)
	}

	logger = logger.With("component", "redis")
	logger.Info("redis connected", "addr", cfg.Addr(), "db", cfg.DB)
	return &redisCache{client: client, max: max, logger: logger}, nil
}

func (r *redisCache) Upsert(ctx context.Context, key string, candles ...types.Candle) {
	for _, c := range candles {
		if err := r.upsertOne(ctx, key, c); err != nil {
			r.logger.Warn("cache upsert failed", "key", key, "error", err)
			return
		}
	}
	if err := r.client.LTrim(ctx, key, int64(-r.max), -1).Err(); err != nil {
		r.logger.Warn("cache trim failed", "key", key, "error", err)
	}
}

func (r *redisCache) upsertOne(ctx context.Context, key string, c types.Candle) error {
	enc, err := json.Marshal(c)
	if err != nil {
		return err
	}

	lastRaw, err := r.client.LIndex(ctx, key, -1).Result()
	if err == redis.Nil {
		return r.client.RPush(ctx, key, enc).Err()
	}
	if err != nil {
		return err
	}

	var last types.Candle
	if err := json.Unmarshal([]byte(lastRaw), &last); err != nil || c.Time > last.Time {
		return r.client.RPush(ctx, key, enc).Err()
	}
	if c.Time == last.Time {
		return r.client.LSet(ctx, key, -1, enc).Err()
	}

	// Out-of-order write into the middle of the series: merge in memory and
	// rewrite the list. Rare; only reconciliation paths hit it.
	series := r.Tail(ctx, key, 0)
	r.Replace(ctx, key, upsertByTime(series, c))
	return nil
}

func (r *redisCache) Tail(ctx context.Context, key string, n int) []types.Candle {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := r.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("cache read failed", "key", key, "error", err)
		}
		return nil
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, item := range raw {
		var c types.Candle
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			continue
		}
		candles = append(candles, c)
	}
	return candles
}

func (r *redisCache) Replace(ctx context.Context, key string, candles []types.Candle) {
	if len(candles) > r.max {
		candles = candles[len(candles)-r.max:]
	}
	vals := make([]interface{}, 0, len(candles))
	for _, c := range candles {
		enc, err := json.Marshal(c)
		if err != nil {
			continue
		}
		vals = append(vals, enc)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(vals) > 0 {
		pipe.RPush(ctx, key, vals...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("cache replace failed", "key", key, "error", err)
	}
}

func (r *redisCache) Close() {
	if err := r.client.Close(); err != nil {
		r.logger.Warn("redis close failed", "error", err)
	}
}
