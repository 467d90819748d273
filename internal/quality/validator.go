// Package quality implements the data cleaning stage of the ingestion
// pipeline: multi-dimension validation of incoming bars, normalization
// (canonicalization, gap filling, deduplication), and aggregation of the
// findings into a weighted quality score.
package quality

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/quantpipe/marketdata/internal/models"
)

// iqrMultiplier is the Tukey fence factor: closes outside
// [Q1 - 1.5*IQR, Q3 + 1.5*IQR] are flagged as outliers.
const iqrMultiplier = 1.5

// minOutlierContext is the smallest context window the IQR check runs on.
// Quartiles over fewer points fence almost everything, so the check is
// skipped below this size.
const minOutlierContext = 4

// ValidatorConfig tunes validation behavior.
type ValidatorConfig struct {
	// Strict removes points carrying any error-severity issue from the
	// batch. Non-strict keeps them and only reports.
	Strict bool
	// OutlierDetection toggles the IQR check.
	OutlierDetection bool
}

// DefaultValidatorConfig returns strict validation with outlier detection.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{Strict: true, OutlierDetection: true}
}

// Validator runs the data-quality checks on incoming points. It holds no
// per-batch state and is safe for concurrent use.
type Validator struct {
	config ValidatorConfig
	logger *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(config ValidatorConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{config: config, logger: logger.With("component", "validator")}
}

// Report pairs a point with its validation outcome.
type Report struct {
	Point  models.MarketDataPoint
	Result models.ValidationResult
}

// Validate checks a single point against its surrounding ordered series.
// The context slice is the series the point belongs to, sorted by timestamp;
// prior is the immediately preceding point, or nil at the head.
func (v *Validator) Validate(point models.MarketDataPoint, context []models.MarketDataPoint, prior *models.MarketDataPoint) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}

	v.checkCompleteness(&point, &result)
	v.checkPlausibility(&point, &result)
	v.checkConsistency(&point, prior, &result)
	if v.config.OutlierDetection {
		v.checkOutlier(&point, context, &result)
	}

	return result
}

// ValidateSeries validates every point of an ordered series and returns one
// report per point, in input order.
func (v *Validator) ValidateSeries(points []models.MarketDataPoint) []Report {
	reports := make([]Report, 0, len(points))
	for i := range points {
		var prior *models.MarketDataPoint
		if i > 0 {
			prior = &points[i-1]
		}
		result := v.Validate(points[i], points, prior)
		if !result.IsValid {
			v.logger.Warn("point failed validation",
				"symbol", points[i].Symbol,
				"exchange", points[i].Exchange.String(),
				"timeframe", points[i].Timeframe.String(),
				"timestamp", points[i].Timestamp,
				"errors", result.ErrorCount(),
				"first_issue", firstError(result))
		}
		reports = append(reports, Report{Point: points[i], Result: result})
	}
	return reports
}

// Filter applies the strict-mode policy to a set of reports: in strict mode
// only points without error-severity issues survive; otherwise all points
// pass through and issues serve reporting only.
func (v *Validator) Filter(reports []Report) []models.MarketDataPoint {
	kept := make([]models.MarketDataPoint, 0, len(reports))
	for _, r := range reports {
		if v.config.Strict && !r.Result.IsValid {
			continue
		}
		kept = append(kept, r.Point)
	}
	return kept
}

func (v *Validator) checkCompleteness(p *models.MarketDataPoint, result *models.ValidationResult) {
	if p.Symbol == "" {
		result.AddIssue(models.SeverityError, models.CheckCompleteness, "symbol", "symbol is missing")
	}
	if !p.Exchange.Valid() {
		result.AddIssue(models.SeverityError, models.CheckCompleteness, "exchange",
			fmt.Sprintf("exchange %q is not a known venue", p.Exchange))
	}
	if !p.Timeframe.Valid() {
		result.AddIssue(models.SeverityError, models.CheckCompleteness, "timeframe",
			fmt.Sprintf("timeframe %q is not a known granularity", p.Timeframe))
	}
	if p.Timestamp.IsZero() {
		result.AddIssue(models.SeverityError, models.CheckCompleteness, "timestamp", "timestamp is missing")
	}
	if p.Close.IsZero() {
		result.AddIssue(models.SeverityError, models.CheckCompleteness, "close", "close price is missing")
	}
}

func (v *Validator) checkPlausibility(p *models.MarketDataPoint, result *models.ValidationResult) {
	for _, pv := range []struct {
		field string
		value decimal.Decimal
	}{
		{"open", p.Open},
		{"high", p.High},
		{"low", p.Low},
		{"close", p.Close},
	} {
		if pv.value.Sign() <= 0 {
			result.AddIssue(models.SeverityError, models.CheckPlausibility, pv.field,
				fmt.Sprintf("%s price must be positive", pv.field))
		}
	}
	if p.Volume < 0 {
		result.AddIssue(models.SeverityError, models.CheckPlausibility, "volume", "volume must be >= 0")
	}
	if p.Volume == 0 {
		result.AddIssue(models.SeverityInfo, models.CheckPlausibility, "volume", "volume is zero")
	}
}

func (v *Validator) checkConsistency(p *models.MarketDataPoint, prior *models.MarketDataPoint, result *models.ValidationResult) {
	maxOC := p.Open
	if p.Close.GreaterThan(maxOC) {
		maxOC = p.Close
	}
	if p.High.LessThan(maxOC) {
		result.AddIssue(models.SeverityError, models.CheckConsistency, "high",
			fmt.Sprintf("high (%s) below max(open, close) (%s)", p.High, maxOC))
	}

	minOC := p.Open
	if p.Close.LessThan(minOC) {
		minOC = p.Close
	}
	if p.Low.GreaterThan(minOC) {
		result.AddIssue(models.SeverityError, models.CheckConsistency, "low",
			fmt.Sprintf("low (%s) above min(open, close) (%s)", p.Low, minOC))
	}

	if prior != nil && !p.Timestamp.After(prior.Timestamp) {
		result.AddIssue(models.SeverityError, models.CheckConsistency, "timestamp",
			fmt.Sprintf("timestamp %s is not after prior point %s",
				p.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
				prior.Timestamp.Format("2006-01-02T15:04:05Z07:00")))
	}
}

// checkOutlier flags closes outside the Tukey fences of the context window.
// Outliers are warnings: a spike can be real, so it never rejects the point.
func (v *Validator) checkOutlier(p *models.MarketDataPoint, context []models.MarketDataPoint, result *models.ValidationResult) {
	if len(context) < minOutlierContext {
		return
	}

	closes := make([]float64, 0, len(context))
	for i := range context {
		f, _ := context[i].Close.Float64()
		closes = append(closes, f)
	}
	sort.Float64s(closes)

	q1 := stat.Quantile(0.25, stat.Empirical, closes, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, closes, nil)
	iqr := q3 - q1

	lower := q1 - iqrMultiplier*iqr
	upper := q3 + iqrMultiplier*iqr

	closeF, _ := p.Close.Float64()
	if closeF < lower || closeF > upper {
		result.AddIssue(models.SeverityWarning, models.CheckOutlier, "close",
			fmt.Sprintf("close %s outside IQR fences [%.4f, %.4f]", p.Close, lower, upper))
	}
}

func firstError(result models.ValidationResult) string {
	for _, issue := range result.Issues {
		if issue.Severity == models.SeverityError {
			return issue.String()
		}
	}
	return ""
}
