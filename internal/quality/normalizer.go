package quality

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantpipe/marketdata/internal/models"
)

// Normalizer canonicalizes a fetched series: alias resolution, chronological
// order, gap filling on the timeframe grid, and natural-key deduplication.
// Normalize is a pure function of its inputs; the normalizer itself carries
// no mutable state.
type Normalizer struct{}

// NewNormalizer creates a normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize cleans the series in four ordered steps:
//
//  1. canonicalize symbol and exchange aliasing to the standard codes
//  2. sort by timestamp ascending
//  3. fill timestamps missing from the timeframe grid per the strategy
//  4. deduplicate on the natural key, last write wins
//
// The input slice is not modified.
func (n *Normalizer) Normalize(points []models.MarketDataPoint, timeframe models.Timeframe, strategy models.FillStrategy) ([]models.MarketDataPoint, error) {
	if _, err := models.ParseFillStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return []models.MarketDataPoint{}, nil
	}

	out := make([]models.MarketDataPoint, len(points))
	copy(out, points)

	for i := range out {
		out[i] = canonicalize(out[i])
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	out = dedupe(out)

	if timeframe.HasGrid() {
		out = fillGaps(out, timeframe, strategy)
	}

	return out, nil
}

// canonicalize maps vendor spellings onto the standard codes: symbols are
// lowercased futures contract codes, exchanges resolve through the alias
// table, timestamps normalize to UTC.
func canonicalize(p models.MarketDataPoint) models.MarketDataPoint {
	p.Symbol = strings.ToLower(strings.TrimSpace(p.Symbol))
	if ex, err := models.ParseExchange(strings.ToUpper(strings.TrimSpace(string(p.Exchange)))); err == nil {
		p.Exchange = ex
	}
	p.Timestamp = p.Timestamp.UTC()
	return p
}

// dedupe removes natural-key duplicates from a sorted series, keeping the
// last occurrence in input order.
func dedupe(sorted []models.MarketDataPoint) []models.MarketDataPoint {
	seen := make(map[models.NaturalKey]int, len(sorted))
	out := make([]models.MarketDataPoint, 0, len(sorted))
	for _, p := range sorted {
		key := p.Key()
		if idx, ok := seen[key]; ok {
			out[idx] = p
			continue
		}
		seen[key] = len(out)
		out = append(out, p)
	}
	return out
}

// fillGaps walks the timeframe grid from the first to the last observed
// timestamp and synthesizes bars for missing slots. Synthetic bars carry
// SourceBackfill and zero volume.
func fillGaps(sorted []models.MarketDataPoint, timeframe models.Timeframe, strategy models.FillStrategy) []models.MarketDataPoint {
	if len(sorted) < 2 {
		return sorted
	}

	out := make([]models.MarketDataPoint, 0, len(sorted))
	out = append(out, sorted[0])

	for i := 1; i < len(sorted); i++ {
		prev := out[len(out)-1]
		next := sorted[i]

		for expected := timeframe.Next(prev.Timestamp); expected.Before(next.Timestamp); expected = timeframe.Next(expected) {
			filled := synthesize(prev, next, expected, strategy, timeframe)
			out = append(out, filled)
			prev = filled
		}
		out = append(out, next)
	}

	return out
}

// synthesize builds one gap bar at the expected grid slot.
func synthesize(prev, next models.MarketDataPoint, at time.Time, strategy models.FillStrategy, timeframe models.Timeframe) models.MarketDataPoint {
	point := models.MarketDataPoint{
		Symbol:      prev.Symbol,
		Exchange:    prev.Exchange,
		Timeframe:   timeframe,
		Timestamp:   at,
		Volume:      0,
		Source:      models.SourceBackfill,
		CollectedAt: prev.CollectedAt,
	}

	var price decimal.Decimal
	switch strategy {
	case models.FillForward:
		price = prev.Close
	case models.FillBackward:
		price = next.Open
	case models.FillInterpolate:
		price = interpolate(prev, next, at)
	case models.FillZero:
		price = decimal.Zero
	}

	point.Open = price
	point.High = price
	point.Low = price
	point.Close = price
	return point
}

// interpolate linearly positions the fill price between prev.Close and
// next.Open by elapsed time.
func interpolate(prev, next models.MarketDataPoint, at time.Time) decimal.Decimal {
	span := next.Timestamp.Sub(prev.Timestamp)
	if span <= 0 {
		return prev.Close
	}
	elapsed := at.Sub(prev.Timestamp)
	fraction := decimal.NewFromFloat(float64(elapsed) / float64(span))
	return prev.Close.Add(next.Open.Sub(prev.Close).Mul(fraction))
}

// CanonicalCacheKey builds the deterministic cache key for a series request.
// Kept here next to canonicalization so the key always reflects canonical
// codes, not vendor aliases.
func CanonicalCacheKey(symbol string, exchange models.Exchange, timeframe models.Timeframe, start, end time.Time) string {
	return fmt.Sprintf("bars:%s:%s:%s:%d:%d",
		strings.ToLower(strings.TrimSpace(symbol)),
		exchange.String(),
		timeframe.String(),
		start.UTC().Unix(),
		end.UTC().Unix())
}
