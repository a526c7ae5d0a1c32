// Package store persists per-instrument candle series across two tiers: a
// time-series back-end (cold, authoritative) and a bounded recent-candle
// cache (hot). Writes go through to both; reads prefer the cache. When the
// back-end is offline the store degrades explicitly: writes surface
// ErrUnavailable and increment the error counter, recent reads keep serving
// from the cache, and the hot path is never blocked.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"wolfinch/internal/config"
	"wolfinch/internal/sink"
	"wolfinch/pkg/types"
)

const (
	defaultCacheSize = 1000
	maxQueryLimit    = 10000
)

// ErrUnavailable marks reads and writes that could not reach the
// authoritative back-end. The cache alone is not authoritative.
var ErrUnavailable = errors.New("storage unavailable")

// Backend is the cold tier. *Influx is the production implementation.
type Backend interface {
	WriteCandle(ctx context.Context, instrument types.Instrument, c types.Candle) error
	WriteCandleBatch(ctx context.Context, instrument types.Instrument, candles []types.Candle) error
	QueryRange(ctx context.Context, instrument types.Instrument, start, stop int64, limit int) ([]types.Candle, error)
	QueryRecent(ctx context.Context, instrument types.Instrument, n int) ([]types.Candle, error)
	Close()
}

// Store is the two-tier candle store. Each instrument's series is mutated
// only by its owning market worker; concurrent readers are safe.
type Store struct {
	backend Backend // nil when the cold tier is disabled by config
	cache   Cache
	metrics *sink.Metrics
	logger  *slog.Logger
}

// NewStore wires an explicit backend and cache. Backtests pass a nil backend
// and a memory cache.
func NewStore(backend Backend, cache Cache, metrics *sink.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewMemoryCache(defaultCacheSize)
	}
	return &Store{
		backend: backend,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With("component", "store"),
	}
}

// Open builds the store from configuration. A reachable redis is preferred
// for the hot tier; otherwise an in-process cache serves. An unreachable
// back-end is reported and the store runs degraded rather than failing the
// whole bot.
func Open(cfg config.CacheDBConfig, metrics *sink.Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	var cache Cache
	if cfg.Redis.Enabled {
		c, err := NewRedisCache(cfg.Redis, defaultCacheSize, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-process candle cache", "error", err)
		} else {
			cache = c
		}
	}
	if cache == nil {
		cache = NewMemoryCache(defaultCacheSize)
	}

	var backend Backend
	if cfg.InfluxDB.Enabled {
		db, err := NewInflux(cfg.InfluxDB, logger)
		if err != nil {
			logger.Error("influxdb config rejected, candle store degraded to cache-only reads", "error", err)
		} else {
			backend = db
		}
	}

	return NewStore(backend, cache, metrics, logger)
}

// Save upserts one candle by (instrument, time). The cache is updated first
// so recent reads keep working even when the back-end write fails.
func (s *Store) Save(ctx context.Context, instrument types.Instrument, c types.Candle) error {
	key := cacheKey(instrument)
	s.cache.Upsert(ctx, key, c)

	if s.backend == nil {
		return nil
	}
	if err := s.backend.WriteCandle(ctx, instrument, c); err != nil {
		s.countError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.countWrite()
	return nil
}

// SaveBatch upserts a batch in a single back-end round trip and merges the
// tail into the cache.
func (s *Store) SaveBatch(ctx context.Context, instrument types.Instrument, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	key := cacheKey(instrument)
	merged := s.cache.Tail(ctx, key, 0)
	for _, c := range candles {
		merged = upsertByTime(merged, c)
	}
	s.cache.Replace(ctx, key, merged)

	if s.backend == nil {
		return nil
	}
	if err := s.backend.WriteCandleBatch(ctx, instrument, candles); err != nil {
		s.countError()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.countWrite()
	return nil
}

// GetAll returns the instrument's series: the cached series when present,
// otherwise a bounded back-end read that also repopulates the cache.
func (s *Store) GetAll(ctx context.Context, instrument types.Instrument) ([]types.Candle, error) {
	key := cacheKey(instrument)
	if cached := s.cache.Tail(ctx, key, 0); len(cached) > 0 {
		return cached, nil
	}

	if s.backend == nil {
		return nil, ErrUnavailable
	}
	series, err := s.backend.QueryRange(ctx, instrument, 0, 0, maxQueryLimit)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(series) > 0 {
		s.cache.Replace(ctx, key, series)
	}
	return series, nil
}

// GetSince returns candles with time ≥ t, ascending.
func (s *Store) GetSince(ctx context.Context, instrument types.Instrument, t int64) ([]types.Candle, error) {
	if s.backend == nil {
		return nil, ErrUnavailable
	}
	series, err := s.backend.QueryRange(ctx, instrument, t, 0, maxQueryLimit)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return series, nil
}

// GetRange returns candles with t0 ≤ time ≤ t1, ascending.
func (s *Store) GetRange(ctx context.Context, instrument types.Instrument, t0, t1 int64) ([]types.Candle, error) {
	if s.backend == nil {
		return nil, ErrUnavailable
	}
	series, err := s.backend.QueryRange(ctx, instrument, t0, t1, maxQueryLimit)
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return series, nil
}

// GetRecent returns the latest n candles ascending, cache-first. When the
// back-end is unreachable it serves whatever the cache holds.
func (s *Store) GetRecent(ctx context.Context, instrument types.Instrument, n int) ([]types.Candle, error) {
	key := cacheKey(instrument)
	cached := s.cache.Tail(ctx, key, n)
	if len(cached) >= n {
		return cached, nil
	}

	if s.backend == nil {
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, ErrUnavailable
	}

	series, err := s.backend.QueryRecent(ctx, instrument, n)
	if err != nil {
		s.countError()
		if len(cached) > 0 {
			s.logger.Warn("back-end read failed, serving recent candles from cache",
				"instrument", instrument.Key(), "cached", len(cached), "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(series) > len(cached) {
		s.cache.Replace(ctx, key, series)
	}
	return series, nil
}

// PointWriter exposes the cold tier as a raw point writer when it supports
// one, so the time-series event sink can share the same server connection.
// Returns nil when the back-end is disabled or write-only for candles.
func (s *Store) PointWriter() sink.PointWriter {
	if pw, ok := s.backend.(sink.PointWriter); ok {
		return pw
	}
	return nil
}

// Close releases the cache connection and the back-end client.
func (s *Store) Close() {
	s.cache.Close()
	if s.backend != nil {
		s.backend.Close()
	}
}

func (s *Store) countWrite() {
	if s.metrics != nil {
		s.metrics.InfluxWritesTotal.Inc()
	}
}

func (s *Store) countError() {
	if s.metrics != nil {
		s.metrics.InfluxErrorsTotal.Inc()
	}
}
