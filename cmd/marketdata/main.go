// Market data pipeline CLI.
//
// Usage:
//
//	marketdata collect --symbol rb2501 --exchange SHFE --timeframe 1d --start 2024-01-01 --end 2024-01-31
//	marketdata query --symbol rb2501 --exchange SHFE --timeframe 1d --start 2024-01-01 --end 2024-01-31 --limit 10
//	marketdata stats
//	marketdata health
//
// Configuration is read from CONFIG_PATH (JSON) with environment overrides.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/quantpipe/marketdata/internal/cache"
	"github.com/quantpipe/marketdata/internal/collector"
	"github.com/quantpipe/marketdata/internal/config"
	"github.com/quantpipe/marketdata/internal/logger"
	"github.com/quantpipe/marketdata/internal/models"
	"github.com/quantpipe/marketdata/internal/pipeline"
	"github.com/quantpipe/marketdata/internal/ratelimit"
	"github.com/quantpipe/marketdata/internal/resilience"
	"github.com/quantpipe/marketdata/internal/storage"
	"github.com/quantpipe/marketdata/internal/vendorapi"
)

const (
	appName = "marketdata"
	version = "1.0.0"
)

const (
	exitSuccess     = 0
	exitUsageError  = 1
	exitConfigError = 2
	exitDataError   = 4
)

type app struct {
	config *config.AppConfig
	logs   *logger.Manager
	logger *slog.Logger
	repo   storage.Repository
	pipe   *pipeline.Pipeline
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", appName, version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	}

	a, err := newApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer a.close()

	var runErr error
	switch command {
	case "collect":
		runErr = a.runCollect(ctx, args)
	case "query":
		runErr = a.runQuery(ctx, args)
	case "purge":
		runErr = a.runPurge(ctx, args)
	case "stats":
		runErr = a.runStats(ctx)
	case "health":
		runErr = a.runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(exitUsageError)
	}

	if runErr != nil {
		a.logger.Error("command failed", "command", command, "error", runErr)
		os.Exit(exitDataError)
	}
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewManager(os.Getenv("CONFIG_PATH"), nil).Load()
	if err != nil {
		return nil, err
	}

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log := logs.Logger()

	repo, err := buildRepository(ctx, cfg, log)
	if err != nil {
		logs.Close()
		return nil, err
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit.CallsPerWindow, cfg.RateLimitWindow())
	client := vendorapi.NewClient(cfg.Vendor.BaseURL, cfg.Vendor.APIKey, log)
	col := collector.New(client, limiter, log)

	strategy, err := buildCache(cfg, log)
	if err != nil {
		repo.Close()
		logs.Close()
		return nil, err
	}

	fill, err := models.ParseFillStrategy(cfg.Quality.FillStrategy)
	if err != nil {
		repo.Close()
		logs.Close()
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Collector:  col,
		Repository: repo,
		Cache:      strategy,
		Retry:      buildRetry(cfg, log),
		Breaker:    buildBreaker(cfg, log),
		Logger:     log,
	}, pipeline.Options{FillStrategy: fill})
	if err != nil {
		repo.Close()
		logs.Close()
		return nil, err
	}

	return &app{config: cfg, logs: logs, logger: log, repo: repo, pipe: pipe}, nil
}

func (a *app) close() {
	if a.repo != nil {
		a.repo.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

func buildRepository(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (storage.Repository, error) {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryRepository(log), nil
	default:
		repo, err := storage.NewDuckDBRepository(cfg.Storage.DatabasePath, log)
		if err != nil {
			return nil, err
		}
		if err := repo.Initialize(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	}
}

func buildCache(cfg *config.AppConfig, log *slog.Logger) (*cache.Strategy, error) {
	strategyConfig := cache.DefaultStrategyConfig()
	if ttl, err := time.ParseDuration(cfg.Cache.L1TTL); err == nil {
		strategyConfig.L1TTL = ttl
	}
	if ttl, err := time.ParseDuration(cfg.Cache.L2TTL); err == nil {
		strategyConfig.L2TTL = ttl
	}

	l1 := cache.NewL1Cache(cfg.Cache.L1Capacity, strategyConfig.L1TTL)

	var l2 cache.DistributedCache
	if cfg.Cache.L2Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.L2Addr,
			Password: cfg.Cache.L2Password,
			DB:       cfg.Cache.L2DB,
		})
		l2 = cache.NewRedisCache(client, strategyConfig.L2TTL)
	}

	return cache.NewStrategy(l1, l2, strategyConfig, log), nil
}

func buildRetry(cfg *config.AppConfig, log *slog.Logger) *resilience.RetryPolicy {
	retry := resilience.DefaultRetryPolicy(log)
	retry.MaxAttempts = cfg.Resilience.MaxAttempts
	if d, err := time.ParseDuration(cfg.Resilience.BaseDelay); err == nil {
		retry.BaseDelay = d
	}
	if d, err := time.ParseDuration(cfg.Resilience.MaxDelay); err == nil {
		retry.MaxDelay = d
	}
	if cfg.Resilience.BackoffMultiplier > 0 {
		retry.BackoffMultiplier = cfg.Resilience.BackoffMultiplier
	}
	retry.Jitter = cfg.Resilience.Jitter
	return retry
}

func buildBreaker(cfg *config.AppConfig, log *slog.Logger) *resilience.CircuitBreaker {
	breakerConfig := resilience.DefaultBreakerConfig()
	breakerConfig.FailureThreshold = cfg.Resilience.FailureThreshold
	breakerConfig.SuccessThreshold = cfg.Resilience.SuccessThreshold
	if d, err := time.ParseDuration(cfg.Resilience.BreakerTimeout); err == nil {
		breakerConfig.Timeout = d
	}
	if cfg.Resilience.HalfOpenMaxProbes > 0 {
		breakerConfig.HalfOpenMaxProbes = cfg.Resilience.HalfOpenMaxProbes
	}
	return resilience.NewCircuitBreaker("collector", breakerConfig, log)
}

type seriesFlags struct {
	symbol    string
	exchange  string
	timeframe string
	start     string
	end       string
}

func addSeriesFlags(fs *flag.FlagSet) *seriesFlags {
	f := &seriesFlags{}
	fs.StringVar(&f.symbol, "symbol", "", "contract symbol (e.g. rb2501)")
	fs.StringVar(&f.exchange, "exchange", "", "exchange code (e.g. SHFE)")
	fs.StringVar(&f.timeframe, "timeframe", "1d", "bar timeframe (e.g. 1m, 1d)")
	fs.StringVar(&f.start, "start", "", "range start (YYYY-MM-DD)")
	fs.StringVar(&f.end, "end", "", "range end (YYYY-MM-DD)")
	return f
}

func (f *seriesFlags) resolve() (string, models.Exchange, models.Timeframe, time.Time, time.Time, error) {
	var zero time.Time
	if f.symbol == "" {
		return "", "", "", zero, zero, fmt.Errorf("--symbol is required")
	}

	exchange, err := models.ParseExchange(f.exchange)
	if err != nil {
		return "", "", "", zero, zero, err
	}

	timeframe := models.Timeframe(f.timeframe)
	if !timeframe.Valid() {
		return "", "", "", zero, zero, fmt.Errorf("unknown timeframe %q", f.timeframe)
	}

	start, err := time.Parse("2006-01-02", f.start)
	if err != nil {
		return "", "", "", zero, zero, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse("2006-01-02", f.end)
	if err != nil {
		return "", "", "", zero, zero, fmt.Errorf("invalid --end: %w", err)
	}

	return f.symbol, exchange, timeframe, start, end, nil
}

func (a *app) runCollect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("collect", flag.ExitOnError)
	series := addSeriesFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	symbol, exchange, timeframe, start, end, err := series.resolve()
	if err != nil {
		return err
	}

	result, err := a.pipe.CollectAndStore(ctx, symbol, exchange, timeframe, start, end)
	if err != nil {
		return err
	}

	fmt.Printf("collected %s %s %s: inserted=%d modified=%d errors=%d in %s\n",
		symbol, exchange, timeframe,
		result.Inserted, result.Modified, result.ErrorCount,
		result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	for _, batchErr := range result.Errors {
		fmt.Printf("  [%s] %s\n", batchErr.Type, batchErr.Message)
	}
	return nil
}

func (a *app) runQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	series := addSeriesFlags(fs)
	limit := fs.Int("limit", 0, "maximum bars to return (0 = all)")
	asJSON := fs.Bool("json", false, "print bars as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	symbol, exchange, timeframe, start, end, err := series.resolve()
	if err != nil {
		return err
	}

	points, err := a.pipe.Query(ctx, symbol, exchange, timeframe, start, end, *limit)
	if err != nil {
		return err
	}

	if *asJSON {
		data, err := json.MarshalIndent(points, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-12s %-20s %10s %10s %10s %10s %12s\n",
		"SYMBOL", "TIMESTAMP", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
	for _, p := range points {
		fmt.Printf("%-12s %-20s %10s %10s %10s %10s %12d\n",
			p.Symbol,
			p.Timestamp.Format("2006-01-02 15:04:05"),
			p.Open.StringFixed(2),
			p.High.StringFixed(2),
			p.Low.StringFixed(2),
			p.Close.StringFixed(2),
			p.Volume)
	}
	fmt.Printf("%d bars\n", len(points))
	return nil
}

func (a *app) runPurge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	series := addSeriesFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	symbol, exchange, timeframe, start, end, err := series.resolve()
	if err != nil {
		return err
	}

	deleted, err := a.pipe.Purge(ctx, symbol, exchange, timeframe, start, end)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d bars\n", deleted)
	return nil
}

func (a *app) runStats(ctx context.Context) error {
	stats, err := a.repo.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("total rows: %d\n", stats.TotalRows)
	if !stats.EarliestBar.IsZero() {
		fmt.Printf("range: %s to %s\n",
			stats.EarliestBar.Format("2006-01-02"),
			stats.LatestBar.Format("2006-01-02"))
	}
	for tf, count := range stats.RowsPerTimeframe {
		if count > 0 {
			fmt.Printf("  %-6s %d\n", tf.String(), count)
		}
	}

	cacheStats := a.pipe.CacheStats()
	fmt.Printf("cache: l1=%d l2=%d l3=%d misses=%d\n",
		cacheStats.L1Hits, cacheStats.L2Hits, cacheStats.L3Hits, cacheStats.Misses)
	fmt.Printf("collector circuit: %s\n", a.pipe.BreakerState())
	return nil
}

func (a *app) runHealth(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.pipe.HealthCheck(checkCtx); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func printUsage() {
	fmt.Printf(`%s - market bar collection and query pipeline

Usage:
  %s <command> [flags]

Commands:
  collect   Pull bars from the vendor and persist them
  query     Read bars from cache/store, collecting on a cold store
  purge     Delete bars for a symbol and range
  stats     Show repository row counts and cache hit counters
  health    Check store and vendor reachability

Common flags:
  --symbol     contract symbol (e.g. rb2501)
  --exchange   exchange code (SHFE, DCE, CZCE, CFFEX, INE, GFEX)
  --timeframe  bar timeframe (tick, 1m, 5m, 15m, 30m, 1h, 4h, 1d, 1w, 1M)
  --start      range start, YYYY-MM-DD
  --end        range end, YYYY-MM-DD

Environment:
  CONFIG_PATH  path to a JSON config file (optional)
`, appName, appName)
}
