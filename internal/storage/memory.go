package storage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantpipe/marketdata/internal/models"
)

// MemoryRepository implements Repository on in-process maps. It mirrors the
// DuckDB repository's semantics so tests and embedded callers can swap it in
// without behavior changes.
type MemoryRepository struct {
	mu     sync.RWMutex
	bars   map[models.NaturalKey]models.MarketDataPoint
	closed bool
	logger *slog.Logger
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository(logger *slog.Logger) *MemoryRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRepository{
		bars:   make(map[models.NaturalKey]models.MarketDataPoint),
		logger: logger.With("component", "memory_repository"),
	}
}

// SaveBatch upserts points by natural key with row-level error collection.
func (r *MemoryRepository) SaveBatch(ctx context.Context, points []models.MarketDataPoint) (*SaveResult, error) {
	result := &SaveResult{StartedAt: time.Now().UTC()}
	defer func() { result.EndedAt = time.Now().UTC() }()

	if len(points) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("save_batch", "", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, NewStorageError("save_batch", "", errRepositoryClosed)
	}

	for i := range points {
		point := points[i]
		if err := point.Validate(); err != nil {
			result.addError(i, BatchErrorValidation, err)
			continue
		}
		if _, err := TableFor(point.Timeframe); err != nil {
			result.addError(i, BatchErrorValidation, err)
			continue
		}

		point.Timestamp = point.Timestamp.UTC()
		point.CollectedAt = point.CollectedAt.UTC()

		key := point.Key()
		if _, ok := r.bars[key]; ok {
			result.Modified++
		} else {
			result.Inserted++
		}
		r.bars[key] = point
	}

	return result, nil
}

// Query returns bars for one series, newest first unless Ascending is set.
func (r *MemoryRepository) Query(ctx context.Context, req QueryRequest) ([]models.MarketDataPoint, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError("", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, NewQueryError("", errRepositoryClosed)
	}

	var points []models.MarketDataPoint
	for key, point := range r.bars {
		if key.Symbol != req.Symbol || key.Exchange != req.Exchange || key.Timeframe != req.Timeframe {
			continue
		}
		if !req.Start.IsZero() && key.Timestamp.Before(req.Start.UTC()) {
			continue
		}
		if !req.End.IsZero() && key.Timestamp.After(req.End.UTC()) {
			continue
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		if req.Ascending {
			return points[i].Timestamp.Before(points[j].Timestamp)
		}
		return points[i].Timestamp.After(points[j].Timestamp)
	})

	if req.Limit > 0 && len(points) > req.Limit {
		points = points[:req.Limit]
	}
	return points, nil
}

// PurgeRange deletes bars for the key within [start, end].
func (r *MemoryRepository) PurgeRange(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) (int64, error) {
	if _, err := TableFor(timeframe); err != nil {
		return 0, NewStorageError("purge", "", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("purge", "", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for key := range r.bars {
		if key.Symbol != symbol || key.Exchange != exchange || key.Timeframe != timeframe {
			continue
		}
		if key.Timestamp.Before(start.UTC()) || key.Timestamp.After(end.UTC()) {
			continue
		}
		delete(r.bars, key)
		deleted++
	}
	return deleted, nil
}

// Stats reports row counts per timeframe and the overall time bounds.
func (r *MemoryRepository) Stats(ctx context.Context) (*RepositoryStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("stats", "", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &RepositoryStats{RowsPerTimeframe: make(map[models.Timeframe]int64, len(tableNames))}
	for tf := range tableNames {
		stats.RowsPerTimeframe[tf] = 0
	}
	for key := range r.bars {
		stats.RowsPerTimeframe[key.Timeframe]++
		stats.TotalRows++
		if stats.EarliestBar.IsZero() || key.Timestamp.Before(stats.EarliestBar) {
			stats.EarliestBar = key.Timestamp
		}
		if key.Timestamp.After(stats.LatestBar) {
			stats.LatestBar = key.Timestamp
		}
	}
	return stats, nil
}

// HealthCheck reports whether the store is usable.
func (r *MemoryRepository) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return NewStorageError("health", "", errRepositoryClosed)
	}
	return ctx.Err()
}

// Close marks the store unusable and drops its contents.
func (r *MemoryRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.bars = nil
	return nil
}
