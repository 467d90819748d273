// Package storage provides the persistent time-series repository for market
// bars. Bars are partitioned into one table per timeframe so hot
// fine-grained data and cold coarse-grained data stay physically separate,
// with a compound unique key (symbol, exchange, timestamp) per table. Writes
// are idempotent batch upserts; a failure on one record never aborts the
// rest of an unordered batch.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantpipe/marketdata/internal/models"
)

// errRepositoryClosed is returned by operations on a closed repository.
var errRepositoryClosed = errors.New("repository is closed")

// Repository is the time-series store contract consumed by the pipeline.
type Repository interface {
	// SaveBatch upserts points by natural key. The batch is unordered:
	// per-item failures are collected into the result and the remaining
	// records still persist. The error return is reserved for whole-batch
	// failures (store unreachable, context canceled).
	SaveBatch(ctx context.Context, points []models.MarketDataPoint) (*SaveResult, error)

	// Query returns bars matching the request, ordered by timestamp
	// descending unless Ascending is set.
	Query(ctx context.Context, req QueryRequest) ([]models.MarketDataPoint, error)

	// PurgeRange deletes bars for the key range and returns how many rows
	// were removed.
	PurgeRange(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) (int64, error)

	// Stats reports per-timeframe row counts.
	Stats(ctx context.Context) (*RepositoryStats, error)

	// HealthCheck verifies the store is reachable and initialized.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// QueryRequest selects bars for one (symbol, exchange, timeframe) series.
// Zero Start/End leave that bound open; a zero Limit returns everything.
type QueryRequest struct {
	Symbol    string
	Exchange  models.Exchange
	Timeframe models.Timeframe
	Start     time.Time
	End       time.Time
	Limit     int
	Ascending bool
}

// Validate checks the request parameters.
func (r *QueryRequest) Validate() error {
	if r.Symbol == "" {
		return NewQueryError("", fmt.Errorf("symbol cannot be empty"))
	}
	if !r.Exchange.Valid() {
		return NewQueryError("", fmt.Errorf("unknown exchange %q", r.Exchange))
	}
	if !r.Timeframe.Valid() {
		return NewQueryError("", fmt.Errorf("unknown timeframe %q", r.Timeframe))
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.End.After(r.Start) {
		return NewQueryError("", fmt.Errorf("end must be after start"))
	}
	if r.Limit < 0 {
		return NewQueryError("", fmt.Errorf("limit cannot be negative"))
	}
	return nil
}

// BatchErrorType buckets a per-item batch failure.
type BatchErrorType string

const (
	BatchErrorValidation BatchErrorType = "validation"
	BatchErrorStorage    BatchErrorType = "storage"
)

// BatchError describes one failed record of an unordered batch.
type BatchError struct {
	ID      string         `json:"id"` // correlation id for log lookup
	Index   int            `json:"index"`
	Type    BatchErrorType `json:"type"`
	Message string         `json:"message"`
}

// SaveResult is the outcome of one batch upsert.
type SaveResult struct {
	Inserted   int          `json:"inserted_count"`
	Modified   int          `json:"modified_count"`
	ErrorCount int          `json:"error_count"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Errors     []BatchError `json:"errors,omitempty"`
}

// Saved returns the number of records actually persisted.
func (r *SaveResult) Saved() int { return r.Inserted + r.Modified }

// addError records a per-item failure.
func (r *SaveResult) addError(index int, errType BatchErrorType, err error) {
	r.ErrorCount++
	r.Errors = append(r.Errors, BatchError{
		ID:      uuid.NewString(),
		Index:   index,
		Type:    errType,
		Message: err.Error(),
	})
}

// RepositoryStats summarizes store contents.
type RepositoryStats struct {
	RowsPerTimeframe map[models.Timeframe]int64 `json:"rows_per_timeframe"`
	TotalRows        int64                      `json:"total_rows"`
	EarliestBar      time.Time                  `json:"earliest_bar"`
	LatestBar        time.Time                  `json:"latest_bar"`
}

// StorageError wraps a storage failure with the operation and table for
// context.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage %s on %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError creates a StorageError for an arbitrary operation.
func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err}
}

// NewQueryError creates a StorageError for a query failure.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Op: "query", Table: table, Err: err}
}

// NewInsertError creates a StorageError for an insert/upsert failure.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Op: "insert", Table: table, Err: err}
}

// tableNames maps each timeframe onto its physical table. Names avoid the
// 1m/1M case collision in case-insensitive SQL identifiers.
var tableNames = map[models.Timeframe]string{
	models.TimeframeTick: "bars_tick",
	models.Timeframe1m:   "bars_1min",
	models.Timeframe5m:   "bars_5min",
	models.Timeframe15m:  "bars_15min",
	models.Timeframe30m:  "bars_30min",
	models.Timeframe1h:   "bars_1hour",
	models.Timeframe4h:   "bars_4hour",
	models.Timeframe1d:   "bars_1day",
	models.Timeframe1w:   "bars_1week",
	models.Timeframe1M:   "bars_1month",
}

// TableFor returns the physical table for a timeframe.
func TableFor(timeframe models.Timeframe) (string, error) {
	name, ok := tableNames[timeframe]
	if !ok {
		return "", fmt.Errorf("no table mapping for timeframe %q", timeframe)
	}
	return name, nil
}
