package quality

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpipe/marketdata/internal/models"
)

func barAt(t time.Time, close float64) models.MarketDataPoint {
	c := decimal.NewFromFloat(close)
	return models.MarketDataPoint{
		Symbol:      "rb2501",
		Exchange:    models.ExchangeSHFE,
		Timeframe:   models.Timeframe1d,
		Timestamp:   t,
		Open:        c,
		High:        c,
		Low:         c,
		Close:       c,
		Volume:      1000,
		Source:      models.SourceVendorAPI,
		CollectedAt: t,
	}
}

func dailySeries(closes ...float64) []models.MarketDataPoint {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.MarketDataPoint, 0, len(closes))
	for i, c := range closes {
		points = append(points, barAt(base.AddDate(0, 0, i), c))
	}
	return points
}

func TestValidator_IQROutlier(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	series := dailySeries(10, 20, 30, 40, 50, 200)

	reports := v.ValidateSeries(series)
	require.Len(t, reports, 6)

	for i := 0; i < 5; i++ {
		assert.False(t, reports[i].Result.HasIssue(models.CheckOutlier, models.SeverityWarning),
			"close=%v must not be flagged", series[i].Close)
	}

	last := reports[5].Result
	assert.True(t, last.HasIssue(models.CheckOutlier, models.SeverityWarning), "close=200 is an outlier")
	assert.True(t, last.IsValid, "outliers are warnings, not rejections")
}

func TestValidator_OutlierSkippedOnSmallContext(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	series := dailySeries(10, 10000)

	reports := v.ValidateSeries(series)
	for _, r := range reports {
		assert.False(t, r.Result.HasIssue(models.CheckOutlier, models.SeverityWarning))
	}
}

func TestValidator_Consistency(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)

	bad := barAt(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 100)
	bad.High = decimal.NewFromInt(90) // below close

	result := v.Validate(bad, nil, nil)
	assert.False(t, result.IsValid)
	assert.True(t, result.HasIssue(models.CheckConsistency, models.SeverityError))
}

func TestValidator_TimestampMustAdvance(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	prior := barAt(ts, 100)
	point := barAt(ts, 101) // same timestamp as prior

	result := v.Validate(point, nil, &prior)
	assert.False(t, result.IsValid)
	assert.True(t, result.HasIssue(models.CheckConsistency, models.SeverityError))
}

func TestValidator_Completeness(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)

	p := barAt(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), 100)
	p.Symbol = ""
	p.Close = decimal.Zero

	result := v.Validate(p, nil, nil)
	assert.False(t, result.IsValid)
	assert.True(t, result.HasIssue(models.CheckCompleteness, models.SeverityError))
	assert.GreaterOrEqual(t, result.ErrorCount(), 2)
}

func TestValidator_StrictFilter(t *testing.T) {
	strict := NewValidator(ValidatorConfig{Strict: true, OutlierDetection: true}, nil)
	lenient := NewValidator(ValidatorConfig{Strict: false, OutlierDetection: true}, nil)

	series := dailySeries(10, 20, 30, 40, 50)
	series[2].Low = decimal.NewFromInt(999) // low above open/close

	strictKept := strict.Filter(strict.ValidateSeries(series))
	assert.Len(t, strictKept, 4, "strict mode drops the inconsistent point")

	lenientKept := lenient.Filter(lenient.ValidateSeries(series))
	assert.Len(t, lenientKept, 5, "non-strict mode keeps everything and only reports")
}

func TestNormalizer_SortFillDedupe(t *testing.T) {
	n := NewNormalizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	d0 := barAt(base, 100)
	d1 := barAt(base.AddDate(0, 0, 1), 110)
	d3 := barAt(base.AddDate(0, 0, 3), 130)
	d1dup := barAt(base.AddDate(0, 0, 1), 115) // same key, later in input

	// Shuffled input with a duplicate key and a one-day hole at Jan 3.
	out, err := n.Normalize(
		[]models.MarketDataPoint{d3, d0, d1, d1dup},
		models.Timeframe1d, models.FillForward)
	require.NoError(t, err)
	require.Len(t, out, 4, "d0, d1, filled Jan 2, d3")

	assert.Equal(t, base, out[0].Timestamp)
	assert.Equal(t, base.AddDate(0, 0, 1), out[1].Timestamp)
	assert.Equal(t, base.AddDate(0, 0, 2), out[2].Timestamp)
	assert.Equal(t, base.AddDate(0, 0, 3), out[3].Timestamp)

	assert.True(t, out[1].Close.Equal(decimal.NewFromInt(115)), "last write wins on duplicate key")

	filled := out[2]
	assert.Equal(t, models.SourceBackfill, filled.Source)
	assert.True(t, filled.Close.Equal(decimal.NewFromInt(115)), "forward fill carries prior close")
	assert.EqualValues(t, 0, filled.Volume)
}

func TestNormalizer_FillStrategies(t *testing.T) {
	n := NewNormalizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	prev := barAt(base, 100)
	next := barAt(base.AddDate(0, 0, 2), 200)
	next.Open = decimal.NewFromInt(180)

	tests := []struct {
		strategy models.FillStrategy
		want     decimal.Decimal
	}{
		{models.FillForward, decimal.NewFromInt(100)},
		{models.FillBackward, decimal.NewFromInt(180)},
		{models.FillInterpolate, decimal.NewFromInt(140)}, // halfway between 100 and 180
		{models.FillZero, decimal.Zero},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			out, err := n.Normalize([]models.MarketDataPoint{prev, next}, models.Timeframe1d, tt.strategy)
			require.NoError(t, err)
			require.Len(t, out, 3)
			assert.True(t, out[1].Close.Equal(tt.want),
				"want %s got %s", tt.want, out[1].Close)
		})
	}
}

func TestNormalizer_Canonicalization(t *testing.T) {
	n := NewNormalizer()

	p := barAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 100)
	p.Symbol = "  RB2501 "
	p.Exchange = "SHF"

	out, err := n.Normalize([]models.MarketDataPoint{p}, models.Timeframe1d, models.FillForward)
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "rb2501", out[0].Symbol)
	assert.Equal(t, models.ExchangeSHFE, out[0].Exchange)
}

func TestNormalizer_PureFunction(t *testing.T) {
	n := NewNormalizer()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	input := []models.MarketDataPoint{
		barAt(base.AddDate(0, 0, 2), 120),
		barAt(base, 100),
	}
	snapshot := make([]models.MarketDataPoint, len(input))
	copy(snapshot, input)

	first, err := n.Normalize(input, models.Timeframe1d, models.FillInterpolate)
	require.NoError(t, err)
	second, err := n.Normalize(input, models.Timeframe1d, models.FillInterpolate)
	require.NoError(t, err)

	assert.Equal(t, first, second, "same input and strategy produce the same output")
	assert.Equal(t, snapshot, input, "input slice is not mutated")
}

func TestNormalizer_RejectsUnknownStrategy(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Normalize(nil, models.Timeframe1d, models.FillStrategy("pad"))
	assert.Error(t, err)
}

func TestController_Evaluate(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	qc := NewController(nil)

	series := dailySeries(100, 101, 102, 103, 104)
	metrics := qc.Evaluate(v.ValidateSeries(series), models.Timeframe1d)

	assert.Equal(t, 1.0, metrics.CompletenessRate)
	assert.Equal(t, 1.0, metrics.AccuracyRate)
	assert.Equal(t, 1.0, metrics.ConsistencyRate)
	assert.Equal(t, 1.0, metrics.TimelinessScore)
	assert.Equal(t, models.GradeA, metrics.Grade)
}

func TestController_GridCoveragePenalizesHoles(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig(), nil)
	qc := NewController(nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// 5-day span with only 3 observed bars: coverage 3/5.
	series := []models.MarketDataPoint{
		barAt(base, 100),
		barAt(base.AddDate(0, 0, 2), 102),
		barAt(base.AddDate(0, 0, 4), 104),
	}

	metrics := qc.Evaluate(v.ValidateSeries(series), models.Timeframe1d)
	assert.InDelta(t, 0.6, metrics.TimelinessScore, 1e-9)
	assert.Less(t, metrics.OverallScore, 1.0)
}

func TestController_EmptyBatchIsGradeF(t *testing.T) {
	qc := NewController(nil)
	metrics := qc.Evaluate(nil, models.Timeframe1d)
	assert.Equal(t, models.GradeF, metrics.Grade)
	assert.Zero(t, metrics.OverallScore)
}
