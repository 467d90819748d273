// Package models provides the core data structures for market bar ingestion:
// the MarketDataPoint value, its natural key, validation outcomes, and the
// data-quality scoring types shared across the pipeline.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketDataPoint is one OHLCV bar for a contract on an exchange at a
// timeframe. Instances are immutable values: the pipeline builds them once
// and any correction flows through an upsert on the natural key, never an
// in-place mutation.
type MarketDataPoint struct {
	Symbol       string           `json:"symbol" db:"symbol"`
	Exchange     Exchange         `json:"exchange" db:"exchange"`
	Timeframe    Timeframe        `json:"timeframe" db:"timeframe"`
	Timestamp    time.Time        `json:"timestamp" db:"timestamp"`
	Open         decimal.Decimal  `json:"open" db:"open"`
	High         decimal.Decimal  `json:"high" db:"high"`
	Low          decimal.Decimal  `json:"low" db:"low"`
	Close        decimal.Decimal  `json:"close" db:"close"`
	Volume       int64            `json:"volume" db:"volume"`
	OpenInterest *int64           `json:"open_interest,omitempty" db:"open_interest"`
	Turnover     *decimal.Decimal `json:"turnover,omitempty" db:"turnover"`
	Source       DataSource       `json:"source" db:"source"`
	CollectedAt  time.Time        `json:"collected_at" db:"collected_at"`
}

// NaturalKey uniquely identifies a bar within the store. Upsert on key
// collision is the only allowed overwrite path.
type NaturalKey struct {
	Symbol    string
	Exchange  Exchange
	Timeframe Timeframe
	Timestamp time.Time
}

// Key returns the natural key of the point. Timestamps are compared in UTC
// so two representations of the same instant collide as intended.
func (p *MarketDataPoint) Key() NaturalKey {
	return NaturalKey{
		Symbol:    p.Symbol,
		Exchange:  p.Exchange,
		Timeframe: p.Timeframe,
		Timestamp: p.Timestamp.UTC(),
	}
}

// Validate performs structural validation of the point: required fields,
// positive prices, non-negative volume, and OHLC consistency
// (low <= open,close <= high). Backfill bars may carry zero prices, since
// the zero-fill strategy encodes a gap as a flat bar at price 0; negative
// prices are invalid for every source. It reports the first violation found.
func (p *MarketDataPoint) Validate() error {
	if p.Symbol == "" {
		return &FieldError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !p.Exchange.Valid() {
		return &FieldError{Field: "exchange", Message: fmt.Sprintf("unknown exchange %q", p.Exchange)}
	}
	if !p.Timeframe.Valid() {
		return &FieldError{Field: "timeframe", Message: fmt.Sprintf("unknown timeframe %q", p.Timeframe)}
	}
	if p.Timestamp.IsZero() {
		return &FieldError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	for _, pv := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"open", p.Open},
		{"high", p.High},
		{"low", p.Low},
		{"close", p.Close},
	} {
		if pv.value.IsNegative() {
			return &FieldError{Field: pv.name, Message: fmt.Sprintf("%s price must not be negative, got %s", pv.name, pv.value)}
		}
		if pv.value.IsZero() && p.Source != SourceBackfill {
			return &FieldError{Field: pv.name, Message: fmt.Sprintf("%s price must be greater than 0 for source %s", pv.name, p.Source)}
		}
	}

	if p.Volume < 0 {
		return &FieldError{Field: "volume", Message: fmt.Sprintf("volume must be >= 0, got %d", p.Volume)}
	}
	if p.OpenInterest != nil && *p.OpenInterest < 0 {
		return &FieldError{Field: "open_interest", Message: fmt.Sprintf("open interest must be >= 0, got %d", *p.OpenInterest)}
	}

	maxOC := decimal.Max(p.Open, p.Close)
	if p.High.LessThan(maxOC) {
		return &FieldError{
			Field:   "high",
			Message: fmt.Sprintf("high (%s) must be >= max(open, close) (%s)", p.High, maxOC),
		}
	}
	minOC := decimal.Min(p.Open, p.Close)
	if p.Low.GreaterThan(minOC) {
		return &FieldError{
			Field:   "low",
			Message: fmt.Sprintf("low (%s) must be <= min(open, close) (%s)", p.Low, minOC),
		}
	}

	return nil
}

// Range returns the total price movement of the bar (high - low).
func (p *MarketDataPoint) Range() decimal.Decimal {
	return p.High.Sub(p.Low)
}

// TypicalPrice returns (high + low + close) / 3.
func (p *MarketDataPoint) TypicalPrice() decimal.Decimal {
	return p.High.Add(p.Low).Add(p.Close).Div(decimal.NewFromInt(3))
}

// String implements fmt.Stringer for log output.
func (p *MarketDataPoint) String() string {
	return fmt.Sprintf("MarketDataPoint{%s %s %s @ %s O:%s H:%s L:%s C:%s V:%d}",
		p.Symbol, p.Exchange, p.Timeframe, p.Timestamp.Format(time.RFC3339),
		p.Open, p.High, p.Low, p.Close, p.Volume)
}

// FieldError reports a structural problem with a specific field of a point.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Message)
}
