package quality

import (
	"log/slog"
	"time"

	"github.com/quantpipe/marketdata/internal/models"
)

// Controller aggregates per-point validation reports into the weighted
// quality score the pipeline attaches to every collection run.
type Controller struct {
	logger *slog.Logger
}

// NewController creates a quality controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{logger: logger.With("component", "quality_controller")}
}

// Evaluate computes the quality metrics for a validated batch.
//
// Rates per dimension, each in [0,1]:
//   - completeness: share of points without completeness errors
//   - accuracy: share without plausibility errors, discounted by half for
//     outlier warnings (a flagged spike is suspect, not wrong)
//   - consistency: share without consistency errors
//   - timeliness: observed coverage of the expected timeframe grid between
//     the first and last point (1.0 for tick data, which has no grid)
func (c *Controller) Evaluate(reports []Report, timeframe models.Timeframe) models.QualityMetrics {
	metrics := models.QualityMetrics{EvaluatedAt: time.Now().UTC()}
	if len(reports) == 0 {
		metrics.Grade = models.GradeF
		return metrics
	}

	n := float64(len(reports))
	var completeness, accuracy, consistency float64

	for _, r := range reports {
		if !r.Result.HasIssue(models.CheckCompleteness, models.SeverityError) {
			completeness++
		}
		switch {
		case r.Result.HasIssue(models.CheckPlausibility, models.SeverityError):
			// counts zero
		case r.Result.HasIssue(models.CheckOutlier, models.SeverityWarning):
			accuracy += 0.5
		default:
			accuracy++
		}
		if !r.Result.HasIssue(models.CheckConsistency, models.SeverityError) {
			consistency++
		}
	}

	metrics.CompletenessRate = completeness / n
	metrics.AccuracyRate = accuracy / n
	metrics.ConsistencyRate = consistency / n
	metrics.TimelinessScore = gridCoverage(reports, timeframe)
	metrics.Score()

	c.logger.Debug("batch quality evaluated",
		"points", len(reports),
		"completeness", metrics.CompletenessRate,
		"accuracy", metrics.AccuracyRate,
		"consistency", metrics.ConsistencyRate,
		"timeliness", metrics.TimelinessScore,
		"score", metrics.OverallScore,
		"grade", string(metrics.Grade))

	return metrics
}

// gridCoverage measures how much of the expected timestamp grid between the
// first and last observed point is actually present.
func gridCoverage(reports []Report, timeframe models.Timeframe) float64 {
	if !timeframe.HasGrid() {
		return 1.0
	}
	if len(reports) < 2 {
		return 1.0
	}

	first := reports[0].Point.Timestamp
	last := reports[len(reports)-1].Point.Timestamp
	if !last.After(first) {
		return 1.0
	}

	expected := 0
	for t := first; !t.After(last); t = timeframe.Next(t) {
		expected++
		if expected > 1<<20 {
			// Degenerate range; avoid walking an unbounded grid.
			return 1.0
		}
	}
	if expected == 0 {
		return 1.0
	}

	coverage := float64(len(reports)) / float64(expected)
	if coverage > 1 {
		coverage = 1
	}
	return coverage
}
