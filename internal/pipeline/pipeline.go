// Package pipeline is the facade over collection, cleaning, caching, and
// storage. Consumers ask it for bars; it decides whether the answer comes
// from cache, the persistent store, or a fresh, rate-limited vendor pull.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe/marketdata/internal/cache"
	"github.com/quantpipe/marketdata/internal/models"
	"github.com/quantpipe/marketdata/internal/quality"
	"github.com/quantpipe/marketdata/internal/resilience"
	"github.com/quantpipe/marketdata/internal/storage"
)

const (
	defaultCollectTimeout = 60 * time.Second
	defaultStoreTimeout   = 30 * time.Second
)

// BarCollector is the upstream fetch stage. The concrete collector carries
// the rate limiter; the pipeline adds retry and circuit breaking on top.
type BarCollector interface {
	Fetch(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) ([]models.MarketDataPoint, []models.ValidationIssue, error)
	HealthCheck(ctx context.Context) error
}

// Options tunes pipeline behavior.
type Options struct {
	// FillStrategy selects how missing grid timestamps are synthesized
	// during normalization.
	FillStrategy models.FillStrategy

	// CollectTimeout bounds one vendor collection attempt.
	CollectTimeout time.Duration

	// StoreTimeout bounds one repository call.
	StoreTimeout time.Duration

	// CacheTTL overrides the cache tiers' default TTLs when positive.
	CacheTTL time.Duration
}

// Deps are the collaborators the pipeline orchestrates. All of them are
// injected once at construction; the pipeline holds no hidden global state.
type Deps struct {
	Collector  BarCollector
	Repository storage.Repository
	Cache      *cache.Strategy
	Validator  *quality.Validator
	Normalizer *quality.Normalizer
	Controller *quality.Controller
	Retry      *resilience.RetryPolicy
	Breaker    *resilience.CircuitBreaker
	Logger     *slog.Logger
}

// Pipeline orchestrates the full ingest and query path.
type Pipeline struct {
	collector  BarCollector
	repo       storage.Repository
	cache      *cache.Strategy
	validator  *quality.Validator
	normalizer *quality.Normalizer
	controller *quality.Controller
	retry      *resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker
	logger     *slog.Logger

	fillStrategy   models.FillStrategy
	collectTimeout time.Duration
	storeTimeout   time.Duration
	cacheTTL       time.Duration
}

// New wires a pipeline from its dependencies.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("cache strategy is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pipeline")

	validator := deps.Validator
	if validator == nil {
		validator = quality.NewValidator(quality.DefaultValidatorConfig(), logger)
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = quality.NewNormalizer()
	}
	controller := deps.Controller
	if controller == nil {
		controller = quality.NewController(logger)
	}
	retry := deps.Retry
	if retry == nil {
		retry = resilience.DefaultRetryPolicy(logger)
	}
	breaker := deps.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("collector", resilience.DefaultBreakerConfig(), logger)
	}

	fill := opts.FillStrategy
	if fill == "" {
		fill = models.FillForward
	}
	if _, err := models.ParseFillStrategy(string(fill)); err != nil {
		return nil, err
	}

	collectTimeout := opts.CollectTimeout
	if collectTimeout <= 0 {
		collectTimeout = defaultCollectTimeout
	}
	storeTimeout := opts.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	return &Pipeline{
		collector:      deps.Collector,
		repo:           deps.Repository,
		cache:          deps.Cache,
		validator:      validator,
		normalizer:     normalizer,
		controller:     controller,
		retry:          retry,
		breaker:        breaker,
		logger:         logger,
		fillStrategy:   fill,
		collectTimeout: collectTimeout,
		storeTimeout:   storeTimeout,
		cacheTTL:       opts.CacheTTL,
	}, nil
}

// Query returns bars for the range, newest first. The cache tiers are
// consulted before the store; an empty store triggers one collection pass.
func (p *Pipeline) Query(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.MarketDataPoint, error) {
	symbol = canonicalSymbol(symbol)
	if err := validateSeriesArgs(symbol, exchange, timeframe, start, end); err != nil {
		return nil, err
	}

	key := quality.CanonicalCacheKey(symbol, exchange, timeframe, start, end)

	fetcher := func(ctx context.Context) ([]byte, error) {
		points, err := p.queryStore(ctx, symbol, exchange, timeframe, start, end)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			if _, err := p.CollectAndStore(ctx, symbol, exchange, timeframe, start, end); err != nil {
				return nil, err
			}
			points, err = p.queryStore(ctx, symbol, exchange, timeframe, start, end)
			if err != nil {
				return nil, err
			}
		}
		payload, err := json.Marshal(points)
		if err != nil {
			return nil, err
		}
		// Cache here rather than relying on the strategy's backfill so the
		// configured series TTL applies instead of the tier defaults.
		p.cache.Set(ctx, key, payload, p.cacheTTL)
		return payload, nil
	}

	payload, found, err := p.cache.Get(ctx, key, fetcher)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var points []models.MarketDataPoint
	if err := json.Unmarshal(payload, &points); err != nil {
		// A corrupt cache entry must not poison the series; drop it and
		// read through again.
		p.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		if ierr := p.cache.Invalidate(ctx, key); ierr != nil {
			p.logger.Warn("cache invalidation failed", "key", key, "error", ierr)
		}
		return nil, fmt.Errorf("corrupt cache payload for %s: %w", key, err)
	}

	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

// CollectAndStore runs one full ingest pass: rate-limited vendor fetch with
// retry and circuit breaking, validation, normalization, quality grading,
// batch upsert, and cache population.
func (p *Pipeline) CollectAndStore(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) (*storage.SaveResult, error) {
	symbol = canonicalSymbol(symbol)
	if err := validateSeriesArgs(symbol, exchange, timeframe, start, end); err != nil {
		return nil, err
	}

	var (
		raw    []models.MarketDataPoint
		issues []models.ValidationIssue
	)
	collect := func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, p.collectTimeout)
		defer cancel()

		var err error
		raw, issues, err = p.collector.Fetch(fetchCtx, symbol, exchange, timeframe, start, end)
		return err
	}
	if err := p.retry.Execute(ctx, "collect", p.breaker.Wrap(collect)); err != nil {
		return nil, err
	}

	reports := p.validator.ValidateSeries(raw)
	valid := p.validator.Filter(reports)

	normalized, err := p.normalizer.Normalize(valid, timeframe, p.fillStrategy)
	if err != nil {
		return nil, err
	}

	metrics := p.controller.Evaluate(reports, timeframe)
	p.logger.Info("collection quality",
		"symbol", symbol,
		"timeframe", timeframe.String(),
		"raw", len(raw),
		"rejected_rows", len(issues),
		"normalized", len(normalized),
		"score", metrics.OverallScore,
		"grade", string(metrics.Grade))

	saveCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	result, err := p.repo.SaveBatch(saveCtx, normalized)
	if err != nil {
		return nil, err
	}

	// Vendor rows the collector rejected are part of the batch outcome, not
	// a silent drop.
	for _, issue := range issues {
		result.Errors = append(result.Errors, storage.BatchError{
			ID:      uuid.New().String(),
			Index:   -1,
			Type:    storage.BatchErrorValidation,
			Message: fmt.Sprintf("%s: %s", issue.Field, issue.Message),
		})
		result.ErrorCount++
	}

	p.populateCache(ctx, symbol, exchange, timeframe, start, end, normalized)
	return result, nil
}

// CacheStats exposes hit counters for observability consumers.
func (p *Pipeline) CacheStats() cache.Stats {
	return p.cache.Stats()
}

// BreakerState reports the collector circuit's current state.
func (p *Pipeline) BreakerState() resilience.CircuitState {
	return p.breaker.State()
}

// Purge removes bars for the key range from the store and drops the matching
// cache entry.
func (p *Pipeline) Purge(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) (int64, error) {
	symbol = canonicalSymbol(symbol)

	deleted, err := p.repo.PurgeRange(ctx, symbol, exchange, timeframe, start, end)
	if err != nil {
		return 0, err
	}

	key := quality.CanonicalCacheKey(symbol, exchange, timeframe, start, end)
	if err := p.cache.Invalidate(ctx, key); err != nil {
		p.logger.Warn("cache invalidation failed after purge", "key", key, "error", err)
	}
	return deleted, nil
}

// HealthCheck verifies the store and the upstream are reachable.
func (p *Pipeline) HealthCheck(ctx context.Context) error {
	if err := p.repo.HealthCheck(ctx); err != nil {
		return fmt.Errorf("repository unhealthy: %w", err)
	}
	if err := p.collector.HealthCheck(ctx); err != nil {
		return fmt.Errorf("collector unhealthy: %w", err)
	}
	return nil
}

// queryStore reads the range from the repository, newest first.
func (p *Pipeline) queryStore(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) ([]models.MarketDataPoint, error) {
	queryCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	return p.repo.Query(queryCtx, storage.QueryRequest{
		Symbol:    symbol,
		Exchange:  exchange,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
	})
}

// populateCache writes the cleaned series into L1 and L2 in the same
// newest-first order Query serves.
func (p *Pipeline) populateCache(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time, points []models.MarketDataPoint) {
	descending := make([]models.MarketDataPoint, len(points))
	copy(descending, points)
	sort.SliceStable(descending, func(i, j int) bool {
		return descending[i].Timestamp.After(descending[j].Timestamp)
	})

	payload, err := json.Marshal(descending)
	if err != nil {
		p.logger.Warn("cache payload marshal failed", "symbol", symbol, "error", err)
		return
	}

	key := quality.CanonicalCacheKey(symbol, exchange, timeframe, start, end)
	p.cache.Set(ctx, key, payload, p.cacheTTL)
}

func canonicalSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

func validateSeriesArgs(symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) error {
	if symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !exchange.Valid() {
		return fmt.Errorf("unknown exchange %q", exchange)
	}
	if !timeframe.Valid() {
		return fmt.Errorf("unknown timeframe %q", timeframe)
	}
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("start and end are required")
	}
	if !end.After(start) {
		return fmt.Errorf("end must be after start")
	}
	return nil
}
