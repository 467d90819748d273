package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/marketdata/internal/models"
	"github.com/quantpipe/marketdata/internal/ratelimit"
	"github.com/quantpipe/marketdata/internal/resilience"
	"github.com/quantpipe/marketdata/internal/vendorapi"
)

type fakeSource struct {
	rows      []vendorapi.BarRow
	err       error
	calls     int
	lastReq   vendorapi.FetchRequest
	healthErr error
}

func (f *fakeSource) FetchBars(_ context.Context, req vendorapi.FetchRequest) ([]vendorapi.BarRow, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeSource) HealthCheck(context.Context) error { return f.healthErr }

func newTestCollector(source *fakeSource) *Collector {
	return New(source, ratelimit.NewLimiter(100, time.Minute), nil)
}

func TestCollector_Fetch(t *testing.T) {
	oi := int64(1950000)
	source := &fakeSource{rows: []vendorapi.BarRow{
		{Symbol: "rb2501", Datetime: "2024-01-02", Open: "3880", High: "3920",
			Low: "3860", Close: "3900", Volume: 182000, OpenInterest: &oi,
			Turnover: "709800000"},
		{Symbol: "rb2501", Datetime: "2024-01-03T00:00:00Z", Close: "3910", Volume: 174000},
	}}

	collector := newTestCollector(source)
	points, issues, err := collector.Fetch(context.Background(), "rb2501",
		models.ExchangeSHFE, models.Timeframe1d,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, issues)
	require.Len(t, points, 2)

	first := points[0]
	assert.Equal(t, "rb2501", first.Symbol)
	assert.Equal(t, models.ExchangeSHFE, first.Exchange)
	assert.Equal(t, models.Timeframe1d, first.Timeframe)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), first.Timestamp)
	assert.True(t, first.Close.Equal(decimal.NewFromInt(3900)))
	assert.Equal(t, models.SourceVendorAPI, first.Source)
	require.NotNil(t, first.OpenInterest)
	assert.Equal(t, oi, *first.OpenInterest)
	require.NotNil(t, first.Turnover)
	assert.False(t, first.CollectedAt.IsZero())

	// A sparse row without open/high/low converts to a flat bar at the close.
	second := points[1]
	assert.True(t, second.Open.Equal(second.Close))
	assert.True(t, second.High.Equal(second.Close))
	assert.Nil(t, second.OpenInterest)

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, "rb2501", source.lastReq.Symbol)
}

func TestCollector_Fetch_RejectsIncompleteRows(t *testing.T) {
	source := &fakeSource{rows: []vendorapi.BarRow{
		{Symbol: "rb2501", Datetime: "2024-01-02", Close: "3900", Volume: 1},
		{Symbol: "", Datetime: "2024-01-03", Close: "3910", Volume: 1},
		{Symbol: "rb2501", Datetime: "", Close: "3920", Volume: 1},
		{Symbol: "rb2501", Datetime: "2024-01-05", Close: "", Volume: 1},
		{Symbol: "rb2501", Datetime: "not-a-date", Close: "3940", Volume: 1},
		{Symbol: "rb2501", Datetime: "2024-01-07", Close: "abc", Volume: 1},
	}}

	collector := newTestCollector(source)
	points, issues, err := collector.Fetch(context.Background(), "rb2501",
		models.ExchangeSHFE, models.Timeframe1d,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Len(t, points, 1, "only the complete row converts")
	require.Len(t, issues, 5)

	fields := make([]string, 0, len(issues))
	for _, issue := range issues {
		assert.Equal(t, models.SeverityError, issue.Severity)
		assert.Equal(t, models.CheckCompleteness, issue.Check)
		fields = append(fields, issue.Field)
	}
	assert.Equal(t, []string{"symbol", "timestamp", "close", "timestamp", "close"}, fields)
}

func TestCollector_Fetch_SourceErrorPassesThrough(t *testing.T) {
	source := &fakeSource{err: resilience.Transient("vendor_request", errors.New("connection reset"))}

	collector := newTestCollector(source)
	_, _, err := collector.Fetch(context.Background(), "rb2501",
		models.ExchangeSHFE, models.Timeframe1d,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}

func TestCollector_Fetch_WaitsOnRateLimiter(t *testing.T) {
	source := &fakeSource{rows: nil}
	limiter := ratelimit.NewLimiter(1, time.Minute)
	collector := New(source, limiter, nil)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	_, _, err := collector.Fetch(context.Background(), "rb2501",
		models.ExchangeSHFE, models.Timeframe1d, start, end)
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)

	// The budget is spent; a canceled context surfaces from the limiter
	// without reaching the source.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = collector.Fetch(ctx, "rb2501", models.ExchangeSHFE, models.Timeframe1d, start, end)
	require.Error(t, err)
	assert.Equal(t, 1, source.calls)
}

func TestCollector_HealthCheck(t *testing.T) {
	healthy := &fakeSource{}
	assert.NoError(t, newTestCollector(healthy).HealthCheck(context.Background()))

	down := &fakeSource{healthErr: errors.New("vendor unreachable")}
	assert.Error(t, newTestCollector(down).HealthCheck(context.Background()))
}
