package models

import (
	"fmt"
	"time"
)

// Exchange identifies the venue a bar was traded on. The string value is the
// canonical exchange code and is what gets persisted; parsing always goes
// through ParseExchange so stored rows reconstruct from the value, not the
// Go identifier.
type Exchange string

const (
	ExchangeSHFE  Exchange = "SHFE"  // Shanghai Futures Exchange
	ExchangeDCE   Exchange = "DCE"   // Dalian Commodity Exchange
	ExchangeCZCE  Exchange = "CZCE"  // Zhengzhou Commodity Exchange
	ExchangeCFFEX Exchange = "CFFEX" // China Financial Futures Exchange
	ExchangeINE   Exchange = "INE"   // Shanghai International Energy Exchange
	ExchangeGFEX  Exchange = "GFEX"  // Guangzhou Futures Exchange
)

// exchangeAliases maps vendor spellings to canonical exchange codes.
var exchangeAliases = map[string]Exchange{
	"SHFE":  ExchangeSHFE,
	"SHF":   ExchangeSHFE,
	"DCE":   ExchangeDCE,
	"DL":    ExchangeDCE,
	"CZCE":  ExchangeCZCE,
	"ZCE":   ExchangeCZCE,
	"CFFEX": ExchangeCFFEX,
	"CFX":   ExchangeCFFEX,
	"INE":   ExchangeINE,
	"GFEX":  ExchangeGFEX,
	"GFE":   ExchangeGFEX,
}

// ParseExchange reconstructs an Exchange from its stored string value.
// Vendor aliases (e.g. "SHF", "ZCE") resolve to the canonical code.
func ParseExchange(value string) (Exchange, error) {
	if ex, ok := exchangeAliases[value]; ok {
		return ex, nil
	}
	return "", fmt.Errorf("unknown exchange %q", value)
}

// String returns the canonical exchange code.
func (e Exchange) String() string { return string(e) }

// Valid reports whether the exchange is one of the known venues.
func (e Exchange) Valid() bool {
	_, err := ParseExchange(string(e))
	return err == nil
}

// Timeframe is the bucket granularity of a bar. The string value is the
// stored representation and doubles as the repository table suffix.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1m   Timeframe = "1m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe4h   Timeframe = "4h"
	Timeframe1d   Timeframe = "1d"
	Timeframe1w   Timeframe = "1w"
	Timeframe1M   Timeframe = "1M"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
	// 1M is calendar-based and handled by Next(); tick has no fixed step.
}

// ParseTimeframe reconstructs a Timeframe from its stored string value.
func ParseTimeframe(value string) (Timeframe, error) {
	switch Timeframe(value) {
	case TimeframeTick, Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
		Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w, Timeframe1M:
		return Timeframe(value), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", value)
}

// String returns the stored representation.
func (tf Timeframe) String() string { return string(tf) }

// Valid reports whether the timeframe is a known granularity.
func (tf Timeframe) Valid() bool {
	_, err := ParseTimeframe(string(tf))
	return err == nil
}

// Duration returns the fixed bucket width, or zero for tick and calendar
// timeframes (1M) that have no constant step.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// HasGrid reports whether the timeframe defines an expected timestamp grid
// that missing-bar detection can run against. Ticks are event-driven and
// months are calendar-based, so both participate via Next instead.
func (tf Timeframe) HasGrid() bool {
	return tf != TimeframeTick
}

// Next returns the grid timestamp that follows t for this timeframe.
// Calendar months advance by one month; tick returns t unchanged.
func (tf Timeframe) Next(t time.Time) time.Time {
	if tf == Timeframe1M {
		return t.AddDate(0, 1, 0)
	}
	d := tf.Duration()
	if d == 0 {
		return t
	}
	return t.Add(d)
}

// DataSource identifies the upstream feed that produced a bar.
type DataSource string

const (
	SourceVendorAPI DataSource = "vendor_api"
	SourceBackfill  DataSource = "backfill"
	SourceManual    DataSource = "manual"
)

// ParseDataSource reconstructs a DataSource from its stored string value.
func ParseDataSource(value string) (DataSource, error) {
	switch DataSource(value) {
	case SourceVendorAPI, SourceBackfill, SourceManual:
		return DataSource(value), nil
	}
	return "", fmt.Errorf("unknown data source %q", value)
}

// FillStrategy selects how missing grid timestamps are filled during
// normalization. A closed enum rather than free-form strings so a typo is a
// parse error, not a silent no-op.
type FillStrategy string

const (
	FillForward     FillStrategy = "forward_fill"
	FillBackward    FillStrategy = "backward_fill"
	FillInterpolate FillStrategy = "interpolate"
	FillZero        FillStrategy = "zero_fill"
)

// ParseFillStrategy reconstructs a FillStrategy from its configured value.
func ParseFillStrategy(value string) (FillStrategy, error) {
	switch FillStrategy(value) {
	case FillForward, FillBackward, FillInterpolate, FillZero:
		return FillStrategy(value), nil
	}
	return "", fmt.Errorf("unknown fill strategy %q", value)
}
