package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Fetcher loads a value from the source of truth on a full cache miss.
type Fetcher func(ctx context.Context) ([]byte, error)

// Stats are the per-tier hit counters, queryable for observability. They are
// advisory: correctness never depends on them.
type Stats struct {
	L1Hits int64 `json:"l1_hits"`
	L2Hits int64 `json:"l2_hits"`
	L3Hits int64 `json:"l3_hits"`
	Misses int64 `json:"misses"`
}

// StrategyConfig tunes the tier TTLs.
type StrategyConfig struct {
	// L1TTL is the short in-process TTL.
	L1TTL time.Duration
	// L2TTL is the longer shared-cache TTL.
	L2TTL time.Duration
}

// DefaultStrategyConfig returns the TTLs used for bar series caching.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		L1TTL: 5 * time.Minute,
		L2TTL: time.Hour,
	}
}

// Strategy is the cache-aside coordinator over the tiers. Lookup order is
// L1, L2, then the caller-supplied fetcher; hits on a slower tier backfill
// every faster tier traversed. L2 being unreachable degrades to the next
// tier rather than failing the read.
type Strategy struct {
	l1     *L1Cache
	l2     DistributedCache
	config StrategyConfig
	logger *slog.Logger

	l1Hits int64
	l2Hits int64
	l3Hits int64
	misses int64
}

// NewStrategy builds the tiered cache. l2 may be nil when no shared cache is
// deployed; lookups then go straight from L1 to the fetcher.
func NewStrategy(l1 *L1Cache, l2 DistributedCache, config StrategyConfig, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{
		l1:     l1,
		l2:     l2,
		config: config,
		logger: logger.With("component", "cache"),
	}
}

// Get looks key up through the hierarchy. With a nil fetcher a full miss
// returns (nil, false, nil); with a fetcher the fetched value is populated
// into L1 and L2 before returning.
func (s *Strategy) Get(ctx context.Context, key string, fetcher Fetcher) ([]byte, bool, error) {
	if value, ok := s.l1.Get(key); ok {
		atomic.AddInt64(&s.l1Hits, 1)
		return value, true, nil
	}

	if s.l2 != nil {
		value, ok, err := s.l2.Get(ctx, key)
		if err != nil {
			s.logger.Warn("l2 cache unavailable, falling through", "key", key, "error", err)
		} else if ok {
			atomic.AddInt64(&s.l2Hits, 1)
			s.l1.Set(key, value, s.config.L1TTL)
			return value, true, nil
		}
	}

	if fetcher == nil {
		atomic.AddInt64(&s.misses, 1)
		return nil, false, nil
	}

	value, err := fetcher(ctx)
	if err != nil {
		atomic.AddInt64(&s.misses, 1)
		return nil, false, fmt.Errorf("cache fetch for %s: %w", key, err)
	}

	atomic.AddInt64(&s.l3Hits, 1)
	// A fetcher may cache the key itself with a TTL of its choosing;
	// backfilling again would overwrite that entry with the defaults.
	if _, ok := s.l1.Get(key); !ok {
		s.Set(ctx, key, value, 0)
	}
	return value, true, nil
}

// Set writes through L1 and L2 synchronously. A zero ttl applies the
// configured per-tier defaults. An L2 write failure is logged, not
// returned: the source of truth is the repository, and a stale shared tier
// heals on TTL expiry.
func (s *Strategy) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	l1TTL, l2TTL := ttl, ttl
	if ttl <= 0 {
		l1TTL, l2TTL = s.config.L1TTL, s.config.L2TTL
	}

	s.l1.Set(key, value, l1TTL)
	if s.l2 != nil {
		if err := s.l2.Set(ctx, key, value, l2TTL); err != nil {
			s.logger.Warn("l2 cache write failed", "key", key, "error", err)
		}
	}
}

// Invalidate removes key from L1 and L2.
func (s *Strategy) Invalidate(ctx context.Context, key string) error {
	s.l1.Delete(key)
	if s.l2 != nil {
		if err := s.l2.Delete(ctx, key); err != nil {
			return fmt.Errorf("invalidate %s: %w", key, err)
		}
	}
	return nil
}

// Stats returns a snapshot of the per-tier counters.
func (s *Strategy) Stats() Stats {
	return Stats{
		L1Hits: atomic.LoadInt64(&s.l1Hits),
		L2Hits: atomic.LoadInt64(&s.l2Hits),
		L3Hits: atomic.LoadInt64(&s.l3Hits),
		Misses: atomic.LoadInt64(&s.misses),
	}
}
