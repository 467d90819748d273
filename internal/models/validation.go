package models

import (
	"fmt"
	"time"
)

// Severity classifies how serious a validation issue is. Error-severity
// issues remove a point from the batch in strict mode; warnings and info are
// recorded for reporting but never abort processing.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Check names the validation dimension an issue came from, so quality
// scoring can aggregate issues without re-parsing messages.
type Check string

const (
	CheckCompleteness Check = "completeness"
	CheckPlausibility Check = "plausibility"
	CheckConsistency  Check = "consistency"
	CheckOutlier      Check = "outlier"
)

// ValidationIssue is a single finding from the validator, tied to the field
// that triggered it.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Check    Check    `json:"check"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("[%s/%s] %s: %s", i.Severity, i.Check, i.Field, i.Message)
}

// ValidationResult is the outcome of validating one point against its
// surrounding series. Issues preserve the order the checks ran in.
type ValidationResult struct {
	IsValid bool              `json:"is_valid"`
	Issues  []ValidationIssue `json:"issues"`
}

// AddIssue appends an issue and, for error severity, marks the result invalid.
func (r *ValidationResult) AddIssue(severity Severity, check Check, field, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Severity: severity, Check: check, Field: field, Message: message})
	if severity == SeverityError {
		r.IsValid = false
	}
}

// HasIssue reports whether any issue from the given check at the given
// severity is present.
func (r *ValidationResult) HasIssue(check Check, severity Severity) bool {
	for _, issue := range r.Issues {
		if issue.Check == check && issue.Severity == severity {
			return true
		}
	}
	return false
}

// Count returns the number of issues at the given severity.
func (r *ValidationResult) Count(severity Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == severity {
			n++
		}
	}
	return n
}

// ErrorCount returns the number of error-severity issues.
func (r *ValidationResult) ErrorCount() int { return r.Count(SeverityError) }

// WarningCount returns the number of warning-severity issues.
func (r *ValidationResult) WarningCount() int { return r.Count(SeverityWarning) }

// QualityGrade is the letter grade derived from an overall quality score.
type QualityGrade string

const (
	GradeA QualityGrade = "A"
	GradeB QualityGrade = "B"
	GradeC QualityGrade = "C"
	GradeD QualityGrade = "D"
	GradeF QualityGrade = "F"
)

// Weights applied to the quality dimensions when computing the overall score.
const (
	completenessWeight = 0.3
	accuracyWeight     = 0.3
	consistencyWeight  = 0.2
	timelinessWeight   = 0.2
)

// QualityMetrics aggregates validation output into per-dimension rates in
// [0,1], a weighted overall score, and a letter grade.
type QualityMetrics struct {
	CompletenessRate float64      `json:"completeness_rate"`
	AccuracyRate     float64      `json:"accuracy_rate"`
	ConsistencyRate  float64      `json:"consistency_rate"`
	TimelinessScore  float64      `json:"timeliness_score"`
	OverallScore     float64      `json:"overall_score"`
	Grade            QualityGrade `json:"grade"`
	EvaluatedAt      time.Time    `json:"evaluated_at"`
}

// Score computes the weighted overall score and grade from the dimension
// rates already set on the metrics.
func (m *QualityMetrics) Score() {
	m.OverallScore = completenessWeight*m.CompletenessRate +
		accuracyWeight*m.AccuracyRate +
		consistencyWeight*m.ConsistencyRate +
		timelinessWeight*m.TimelinessScore
	m.Grade = gradeFor(m.OverallScore)
}

func gradeFor(score float64) QualityGrade {
	switch {
	case score >= 0.9:
		return GradeA
	case score >= 0.8:
		return GradeB
	case score >= 0.7:
		return GradeC
	case score >= 0.6:
		return GradeD
	default:
		return GradeF
	}
}
