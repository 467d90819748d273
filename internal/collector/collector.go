// Package collector pulls raw bars from the upstream vendor and maps them
// into the canonical MarketDataPoint shape. Every upstream call is gated by
// the per-minute rate limiter, and rejected rows surface as validation
// issues rather than silent drops.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpipe/marketdata/internal/models"
	"github.com/quantpipe/marketdata/internal/ratelimit"
	"github.com/quantpipe/marketdata/internal/resilience"
	"github.com/quantpipe/marketdata/internal/vendorapi"
)

// Vendor row timestamps arrive either as trading days or full datetimes.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// BarSource is the upstream the collector reads from.
type BarSource interface {
	FetchBars(ctx context.Context, req vendorapi.FetchRequest) ([]vendorapi.BarRow, error)
	HealthCheck(ctx context.Context) error
}

// Collector converts vendor rows into canonical points.
type Collector struct {
	source  BarSource
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	now func() time.Time
}

// New creates a collector. The limiter is mandatory: it carries the vendor
// contract's calls-per-minute budget.
func New(source BarSource, limiter *ratelimit.Limiter, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		source:  source,
		limiter: limiter,
		logger:  logger.With("component", "collector"),
		now:     time.Now,
	}
}

// Fetch pulls one series range. It blocks on the rate limiter before the
// upstream call. Rows missing symbol, timestamp, or close are rejected into
// the returned issues; the remaining rows still convert.
func (c *Collector) Fetch(ctx context.Context, symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) ([]models.MarketDataPoint, []models.ValidationIssue, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, nil, resilience.Transient("collect", fmt.Errorf("rate limit wait: %w", err))
	}

	rows, err := c.source.FetchBars(ctx, vendorapi.FetchRequest{
		Symbol:    symbol,
		Exchange:  exchange,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, nil, err
	}

	collectedAt := c.now().UTC()
	points := make([]models.MarketDataPoint, 0, len(rows))
	var issues []models.ValidationIssue

	for i, row := range rows {
		point, issue := c.convertRow(row, exchange, timeframe, collectedAt)
		if issue != nil {
			issue.Message = fmt.Sprintf("row %d: %s", i, issue.Message)
			issues = append(issues, *issue)
			continue
		}
		points = append(points, point)
	}

	if len(issues) > 0 {
		c.logger.Warn("rejected vendor rows",
			"symbol", symbol,
			"rejected", len(issues),
			"accepted", len(points))
	}
	c.logger.Debug("collected bars",
		"symbol", symbol,
		"timeframe", timeframe.String(),
		"points", len(points))

	return points, issues, nil
}

// convertRow maps one vendor row to a canonical point. A non-nil issue means
// the row is rejected.
func (c *Collector) convertRow(row vendorapi.BarRow, exchange models.Exchange, timeframe models.Timeframe, collectedAt time.Time) (models.MarketDataPoint, *models.ValidationIssue) {
	var point models.MarketDataPoint

	if row.Symbol == "" {
		return point, rejection("symbol", "vendor row is missing the symbol")
	}
	if row.Datetime == "" {
		return point, rejection("timestamp", "vendor row is missing the datetime")
	}
	if row.Close == "" {
		return point, rejection("close", "vendor row is missing the close price")
	}

	timestamp, err := parseDatetime(row.Datetime)
	if err != nil {
		return point, rejection("timestamp", fmt.Sprintf("unparseable datetime %q", row.Datetime))
	}

	closePrice, err := decimal.NewFromString(row.Close)
	if err != nil {
		return point, rejection("close", fmt.Sprintf("unparseable close %q", row.Close))
	}

	// Open/high/low may be absent on sparse vendor rows; a flat bar at the
	// close is still usable downstream.
	open, err := priceOrDefault(row.Open, closePrice)
	if err != nil {
		return point, rejection("open", fmt.Sprintf("unparseable open %q", row.Open))
	}
	high, err := priceOrDefault(row.High, closePrice)
	if err != nil {
		return point, rejection("high", fmt.Sprintf("unparseable high %q", row.High))
	}
	low, err := priceOrDefault(row.Low, closePrice)
	if err != nil {
		return point, rejection("low", fmt.Sprintf("unparseable low %q", row.Low))
	}

	point = models.MarketDataPoint{
		Symbol:       row.Symbol,
		Exchange:     exchange,
		Timeframe:    timeframe,
		Timestamp:    timestamp,
		Open:         open,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       row.Volume,
		OpenInterest: row.OpenInterest,
		Source:       models.SourceVendorAPI,
		CollectedAt:  collectedAt,
	}

	if row.Turnover != "" {
		turnover, err := decimal.NewFromString(row.Turnover)
		if err != nil {
			return models.MarketDataPoint{}, rejection("turnover", fmt.Sprintf("unparseable turnover %q", row.Turnover))
		}
		point.Turnover = &turnover
	}

	return point, nil
}

// HealthCheck verifies the upstream is reachable.
func (c *Collector) HealthCheck(ctx context.Context) error {
	return c.source.HealthCheck(ctx)
}

func rejection(field, message string) *models.ValidationIssue {
	return &models.ValidationIssue{
		Severity: models.SeverityError,
		Check:    models.CheckCompleteness,
		Field:    field,
		Message:  message,
	}
}

func parseDatetime(value string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", value)
}

func priceOrDefault(value string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if value == "" {
		return fallback, nil
	}
	return decimal.NewFromString(value)
}
