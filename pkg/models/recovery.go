package models

import "time"

// ErrorCategory buckets runtime failures by their likely cause, driving both
// remediation suggestions and retry decisions.
type ErrorCategory string

const (
	ErrorCategoryTimeout      ErrorCategory = "timeout"
	ErrorCategoryPermission   ErrorCategory = "permission"
	ErrorCategoryNotFound     ErrorCategory = "not_found"
	ErrorCategoryConnectivity ErrorCategory = "connectivity"
	ErrorCategoryDependency   ErrorCategory = "dependency"
	ErrorCategoryValidation   ErrorCategory = "validation"
	ErrorCategoryResource     ErrorCategory = "resource"
	ErrorCategoryUnknown      ErrorCategory = "unknown"
)

// Severity grades how recoverable a classified error is.
type Severity string

const (
	SeverityTransient Severity = "transient" // Safe to retry as-is
	SeverityDegraded  Severity = "degraded"  // Retry may help after intervention
	SeverityFatal     Severity = "fatal"     // Retrying will not help
)

// RecoverySuggestion is one ranked remediation for a classified error.
// Confidence starts from the static table and is re-ranked by the observed
// success rate of the action for the same category.
type RecoverySuggestion struct {
	Action     string  `json:"action"`
	Rationale  string  `json:"rationale,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ErrorRecord is the durable description of a runtime failure, attached to
// workflow state and fed to the recovery manager.
type ErrorRecord struct {
	Category    ErrorCategory        `json:"category"`
	Severity    Severity             `json:"severity"`
	Message     string               `json:"message"`
	WorkflowID  string               `json:"workflow_id,omitempty"`
	StepID      string               `json:"step_id,omitempty"`
	TaskID      string               `json:"task_id,omitempty"`
	Attempt     int                  `json:"attempt,omitempty"`
	Suggestions []RecoverySuggestion `json:"suggestions,omitempty"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// ActionStats aggregates learning-store outcomes for one (category, action)
// pair.
type ActionStats struct {
	Category  ErrorCategory `json:"category"`
	Action    string        `json:"action"`
	Attempts  int64         `json:"attempts"`
	Successes int64         `json:"successes"`
}

// Rate returns the observed success rate, or zero with no attempts.
func (a ActionStats) Rate() float64 {
	if a.Attempts == 0 {
		return 0
	}

	return float64(a.Successes) / float64(a.Attempts)
}
