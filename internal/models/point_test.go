package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPoint() MarketDataPoint {
	return MarketDataPoint{
		Symbol:      "rb2501",
		Exchange:    ExchangeSHFE,
		Timeframe:   Timeframe1d,
		Timestamp:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Open:        decimal.NewFromInt(3500),
		High:        decimal.NewFromInt(3550),
		Low:         decimal.NewFromInt(3480),
		Close:       decimal.NewFromInt(3520),
		Volume:      120500,
		Source:      SourceVendorAPI,
		CollectedAt: time.Now().UTC(),
	}
}

func TestMarketDataPoint_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*MarketDataPoint)
		wantField string
	}{
		{"valid", func(p *MarketDataPoint) {}, ""},
		{"empty symbol", func(p *MarketDataPoint) { p.Symbol = "" }, "symbol"},
		{"unknown exchange", func(p *MarketDataPoint) { p.Exchange = "NYSE" }, "exchange"},
		{"unknown timeframe", func(p *MarketDataPoint) { p.Timeframe = "2h" }, "timeframe"},
		{"zero timestamp", func(p *MarketDataPoint) { p.Timestamp = time.Time{} }, "timestamp"},
		{"zero close", func(p *MarketDataPoint) { p.Close = decimal.Zero }, "close"},
		{"negative open", func(p *MarketDataPoint) { p.Open = decimal.NewFromInt(-1) }, "open"},
		{
			"zero-priced backfill bar",
			func(p *MarketDataPoint) {
				p.Source = SourceBackfill
				p.Open = decimal.Zero
				p.High = decimal.Zero
				p.Low = decimal.Zero
				p.Close = decimal.Zero
				p.Volume = 0
			},
			"",
		},
		{
			"negative-priced backfill bar",
			func(p *MarketDataPoint) {
				p.Source = SourceBackfill
				p.Open = decimal.NewFromInt(-1)
			},
			"open",
		},
		{"negative volume", func(p *MarketDataPoint) { p.Volume = -5 }, "volume"},
		{"high below close", func(p *MarketDataPoint) { p.High = decimal.NewFromInt(3510) }, "high"},
		{"low above open", func(p *MarketDataPoint) { p.Low = decimal.NewFromInt(3505) }, "low"},
		{
			"negative open interest",
			func(p *MarketDataPoint) { oi := int64(-1); p.OpenInterest = &oi },
			"open_interest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPoint()
			tt.mutate(&p)

			err := p.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			var fieldErr *FieldError
			require.ErrorAs(t, err, &fieldErr)
			assert.Equal(t, tt.wantField, fieldErr.Field)
		})
	}
}

func TestMarketDataPoint_Key_NormalizesToUTC(t *testing.T) {
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	a := validPoint()
	b := validPoint()
	b.Timestamp = a.Timestamp.In(shanghai)

	assert.Equal(t, a.Key(), b.Key())
}

// Stored enum values must reconstruct by value, not by Go identifier name.
// A prior implementation looked enums up by member name and could not
// rebuild points read back from the store.
func TestParseExchange_RoundTripFromStoredValue(t *testing.T) {
	for _, ex := range []Exchange{
		ExchangeSHFE, ExchangeDCE, ExchangeCZCE, ExchangeCFFEX, ExchangeINE, ExchangeGFEX,
	} {
		stored := ex.String()
		parsed, err := ParseExchange(stored)
		require.NoError(t, err, "exchange %q", stored)
		assert.Equal(t, ex, parsed)
	}

	_, err := ParseExchange("ExchangeSHFE")
	assert.Error(t, err, "Go identifier names are not valid stored values")
}

func TestParseExchange_VendorAliases(t *testing.T) {
	tests := []struct {
		alias string
		want  Exchange
	}{
		{"SHF", ExchangeSHFE},
		{"ZCE", ExchangeCZCE},
		{"DL", ExchangeDCE},
		{"CFX", ExchangeCFFEX},
	}
	for _, tt := range tests {
		got, err := ParseExchange(tt.alias)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseTimeframe_RoundTripFromStoredValue(t *testing.T) {
	for _, tf := range []Timeframe{
		TimeframeTick, Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w, Timeframe1M,
	} {
		parsed, err := ParseTimeframe(tf.String())
		require.NoError(t, err)
		assert.Equal(t, tf, parsed)
	}

	_, err := ParseTimeframe("2h")
	assert.Error(t, err)
}

func TestTimeframe_Next(t *testing.T) {
	base := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, base.Add(time.Minute), Timeframe1m.Next(base))
	assert.Equal(t, base.Add(24*time.Hour), Timeframe1d.Next(base))
	// Calendar month, not 30 days.
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), Timeframe1M.Next(base))
	// Ticks have no grid.
	assert.Equal(t, base, TimeframeTick.Next(base))
	assert.False(t, TimeframeTick.HasGrid())
}

func TestParseFillStrategy(t *testing.T) {
	for _, s := range []FillStrategy{FillForward, FillBackward, FillInterpolate, FillZero} {
		parsed, err := ParseFillStrategy(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}

	_, err := ParseFillStrategy("foward_fill")
	assert.Error(t, err, "typos must fail to parse")
}
