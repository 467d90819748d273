package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/quantpipe/marketdata/internal/models"
)

// DuckDBRepository implements Repository on DuckDB. One table per timeframe
// keeps index size bounded and lets retention treat tick and daily data
// separately. DuckDB favors a single writer, so the pool is pinned to one
// connection.
type DuckDBRepository struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger

	mu          sync.RWMutex
	initialized bool
}

var _ Repository = (*DuckDBRepository)(nil)

// NewDuckDBRepository opens (or creates) the store at dbPath. ":memory:"
// gives an ephemeral store.
func NewDuckDBRepository(dbPath string, logger *slog.Logger) (*DuckDBRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open duckdb at %s: %w", dbPath, err))
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBRepository{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb_repository"),
	}, nil
}

// Initialize creates one bar table per timeframe plus the mandatory compound
// index on (symbol, exchange, timestamp).
func (r *DuckDBRepository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info("initializing duckdb repository", "db_path", r.dbPath)

	for tf, table := range tableNames {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			symbol VARCHAR NOT NULL,
			exchange VARCHAR NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			open DECIMAL(18,4) NOT NULL,
			high DECIMAL(18,4) NOT NULL,
			low DECIMAL(18,4) NOT NULL,
			close DECIMAL(18,4) NOT NULL,
			volume BIGINT NOT NULL,
			open_interest BIGINT,
			turnover DECIMAL(20,4),
			source VARCHAR NOT NULL,
			collected_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT %s_pk PRIMARY KEY (symbol, exchange, timestamp),
			CONSTRAINT %s_volume_non_negative CHECK (volume >= 0)
		)`, table, table, table)
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return NewStorageError("initialize", table, fmt.Errorf("create table for %s: %w", tf, err))
		}

		index := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_key ON %s (symbol, exchange, timestamp)",
			table, table)
		if _, err := r.db.ExecContext(ctx, index); err != nil {
			return NewStorageError("initialize", table, fmt.Errorf("create index: %w", err))
		}
	}

	r.initialized = true
	r.logger.Info("duckdb repository initialized", "tables", len(tableNames))
	return nil
}

// SaveBatch upserts points by natural key, one timeframe table at a time.
// Row-level failures are recorded in the result; the batch keeps going.
func (r *DuckDBRepository) SaveBatch(ctx context.Context, points []models.MarketDataPoint) (*SaveResult, error) {
	result := &SaveResult{StartedAt: time.Now().UTC()}
	defer func() { result.EndedAt = time.Now().UTC() }()

	if len(points) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("save_batch", "", err)
	}

	existing, err := r.loadExistingKeys(ctx, points)
	if err != nil {
		return nil, err
	}

	for i := range points {
		point := points[i]
		if err := point.Validate(); err != nil {
			result.addError(i, BatchErrorValidation, err)
			continue
		}

		table, err := TableFor(point.Timeframe)
		if err != nil {
			result.addError(i, BatchErrorValidation, err)
			continue
		}

		if err := r.upsert(ctx, table, point); err != nil {
			result.addError(i, BatchErrorStorage, err)
			continue
		}

		if existing[point.Key()] {
			result.Modified++
		} else {
			result.Inserted++
			existing[point.Key()] = true
		}
	}

	r.logger.Debug("batch saved",
		"points", len(points),
		"inserted", result.Inserted,
		"modified", result.Modified,
		"errors", result.ErrorCount,
		"duration", result.EndedAt.Sub(result.StartedAt))

	return result, nil
}

// upsert writes one bar; a natural-key collision updates the stored row.
func (r *DuckDBRepository) upsert(ctx context.Context, table string, p models.MarketDataPoint) error {
	query := fmt.Sprintf(`
	INSERT INTO %s (symbol, exchange, timestamp, open, high, low, close,
		volume, open_interest, turnover, source, collected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (symbol, exchange, timestamp) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume,
		open_interest = excluded.open_interest,
		turnover = excluded.turnover,
		source = excluded.source,
		collected_at = excluded.collected_at`, table)

	var openInterest sql.NullInt64
	if p.OpenInterest != nil {
		openInterest = sql.NullInt64{Int64: *p.OpenInterest, Valid: true}
	}
	var turnover sql.NullString
	if p.Turnover != nil {
		turnover = sql.NullString{String: p.Turnover.String(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		p.Symbol,
		p.Exchange.String(),
		p.Timestamp.UTC(),
		p.Open.String(),
		p.High.String(),
		p.Low.String(),
		p.Close.String(),
		p.Volume,
		openInterest,
		turnover,
		string(p.Source),
		p.CollectedAt.UTC(),
	)
	if err != nil {
		return NewInsertError(table, err)
	}
	return nil
}

// loadExistingKeys fetches the timestamps already stored for each
// (timeframe, symbol, exchange) group in the batch, so SaveBatch can report
// inserted and modified counts separately.
func (r *DuckDBRepository) loadExistingKeys(ctx context.Context, points []models.MarketDataPoint) (map[models.NaturalKey]bool, error) {
	type group struct {
		timeframe models.Timeframe
		symbol    string
		exchange  models.Exchange
	}
	ranges := make(map[group][2]time.Time)
	for i := range points {
		g := group{points[i].Timeframe, points[i].Symbol, points[i].Exchange}
		ts := points[i].Timestamp.UTC()
		bounds, ok := ranges[g]
		if !ok {
			ranges[g] = [2]time.Time{ts, ts}
			continue
		}
		if ts.Before(bounds[0]) {
			bounds[0] = ts
		}
		if ts.After(bounds[1]) {
			bounds[1] = ts
		}
		ranges[g] = bounds
	}

	existing := make(map[models.NaturalKey]bool)
	for g, bounds := range ranges {
		table, err := TableFor(g.timeframe)
		if err != nil {
			continue // reported per-row during the upsert pass
		}

		query := fmt.Sprintf(
			"SELECT timestamp FROM %s WHERE symbol = ? AND exchange = ? AND timestamp >= ? AND timestamp <= ?",
			table)
		rows, err := r.db.QueryContext(ctx, query, g.symbol, g.exchange.String(), bounds[0], bounds[1])
		if err != nil {
			return nil, NewQueryError(table, fmt.Errorf("load existing keys: %w", err))
		}

		for rows.Next() {
			var ts time.Time
			if err := rows.Scan(&ts); err != nil {
				rows.Close()
				return nil, NewQueryError(table, fmt.Errorf("scan existing key: %w", err))
			}
			existing[models.NaturalKey{
				Symbol:    g.symbol,
				Exchange:  g.exchange,
				Timeframe: g.timeframe,
				Timestamp: ts.UTC(),
			}] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, NewQueryError(table, err)
		}
		rows.Close()
	}

	return existing, nil
}

// Query returns bars for one series, newest first unless Ascending is set.
func (r *DuckDBRepository) Query(ctx context.Context, req QueryRequest) ([]models.MarketDataPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	table, err := TableFor(req.Timeframe)
	if err != nil {
		return nil, NewQueryError("", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT symbol, exchange, timestamp, open, high, low, close,
		volume, open_interest, turnover, source, collected_at
		FROM %s WHERE symbol = ? AND exchange = ?`, table)
	args := []any{req.Symbol, req.Exchange.String()}

	if !req.Start.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, req.Start.UTC())
	}
	if !req.End.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, req.End.UTC())
	}

	if req.Ascending {
		sb.WriteString(" ORDER BY timestamp ASC")
	} else {
		sb.WriteString(" ORDER BY timestamp DESC")
	}
	if req.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, req.Limit)
	}

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, NewQueryError(table, err)
	}
	defer rows.Close()

	points := make([]models.MarketDataPoint, 0, req.Limit)
	for rows.Next() {
		point, err := scanPoint(rows, req.Timeframe)
		if err != nil {
			return nil, NewQueryError(table, err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(table, err)
	}

	return points, nil
}

// scanPoint reconstructs a MarketDataPoint from a result row. Enums are
// rebuilt from their stored string values through the Parse functions.
func scanPoint(rows *sql.Rows, timeframe models.Timeframe) (models.MarketDataPoint, error) {
	var (
		point        models.MarketDataPoint
		exchange     string
		source       string
		open         any
		high         any
		low          any
		closePrice   any
		openInterest sql.NullInt64
		turnover     sql.NullString
	)

	if err := rows.Scan(
		&point.Symbol,
		&exchange,
		&point.Timestamp,
		&open,
		&high,
		&low,
		&closePrice,
		&point.Volume,
		&openInterest,
		&turnover,
		&source,
		&point.CollectedAt,
	); err != nil {
		return point, fmt.Errorf("scan row: %w", err)
	}

	ex, err := models.ParseExchange(exchange)
	if err != nil {
		return point, fmt.Errorf("stored exchange: %w", err)
	}
	point.Exchange = ex

	src, err := models.ParseDataSource(source)
	if err != nil {
		return point, fmt.Errorf("stored source: %w", err)
	}
	point.Source = src
	point.Timeframe = timeframe
	point.Timestamp = point.Timestamp.UTC()
	point.CollectedAt = point.CollectedAt.UTC()

	if point.Open, err = toDecimal(open); err != nil {
		return point, fmt.Errorf("stored open: %w", err)
	}
	if point.High, err = toDecimal(high); err != nil {
		return point, fmt.Errorf("stored high: %w", err)
	}
	if point.Low, err = toDecimal(low); err != nil {
		return point, fmt.Errorf("stored low: %w", err)
	}
	if point.Close, err = toDecimal(closePrice); err != nil {
		return point, fmt.Errorf("stored close: %w", err)
	}

	if openInterest.Valid {
		oi := openInterest.Int64
		point.OpenInterest = &oi
	}
	if turnover.Valid {
		t, err := decimal.NewFromString(turnover.String)
		if err != nil {
			return point, fmt.Errorf("stored turnover: %w", err)
		}
		point.Turnover = &t
	}

	return point, nil
}

// toDecimal converts the driver's representation of a DECIMAL column. The
// duckdb driver may surface decimals as native types depending on version.
func toDecimal(value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		return decimal.NewFromString(v)
	case []byte:
		return decimal.NewFromString(string(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case fmt.Stringer:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal representation %T", value)
	}
}

// PurgeRange deletes bars for the key within [start, end].
func (r *DuckDBRepository) PurgeRange(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) (int64, error) {
	table, err := TableFor(timeframe)
	if err != nil {
		return 0, NewStorageError("purge", "", err)
	}

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE symbol = ? AND exchange = ? AND timestamp >= ? AND timestamp <= ?",
		table)
	res, err := r.db.ExecContext(ctx, query, symbol, exchange.String(), start.UTC(), end.UTC())
	if err != nil {
		return 0, NewStorageError("purge", table, err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("purge", table, err)
	}

	r.logger.Info("purged bars",
		"symbol", symbol,
		"exchange", exchange.String(),
		"timeframe", timeframe.String(),
		"deleted", deleted)
	return deleted, nil
}

// Stats reports row counts per timeframe and the overall time bounds.
func (r *DuckDBRepository) Stats(ctx context.Context) (*RepositoryStats, error) {
	stats := &RepositoryStats{RowsPerTimeframe: make(map[models.Timeframe]int64, len(tableNames))}

	for tf, table := range tableNames {
		var count int64
		var earliest, latest sql.NullTime
		query := fmt.Sprintf("SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM %s", table)
		if err := r.db.QueryRowContext(ctx, query).Scan(&count, &earliest, &latest); err != nil {
			return nil, NewQueryError(table, err)
		}
		stats.RowsPerTimeframe[tf] = count
		stats.TotalRows += count
		if earliest.Valid && (stats.EarliestBar.IsZero() || earliest.Time.Before(stats.EarliestBar)) {
			stats.EarliestBar = earliest.Time.UTC()
		}
		if latest.Valid && latest.Time.After(stats.LatestBar) {
			stats.LatestBar = latest.Time.UTC()
		}
	}

	return stats, nil
}

// HealthCheck pings the store.
func (r *DuckDBRepository) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	initialized := r.initialized
	r.mu.RUnlock()

	if !initialized {
		return NewStorageError("health", "", fmt.Errorf("repository is not initialized"))
	}
	return r.db.PingContext(ctx)
}

// Close shuts the database down.
func (r *DuckDBRepository) Close() error {
	return r.db.Close()
}
