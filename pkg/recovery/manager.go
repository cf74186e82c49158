package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

// suggestionTable is the static remediation catalog per category. Order is
// the tiebreak when re-ranked confidences come out equal.
var suggestionTable = map[models.ErrorCategory][]models.RecoverySuggestion{
	models.ErrorCategoryTimeout: {
		{Action: "retry_with_backoff", Rationale: "Timeouts are usually transient load on the step or its dependencies", Confidence: 0.7},
		{Action: "increase_timeout", Rationale: "The step may legitimately need more time than configured", Confidence: 0.5},
		{Action: "split_step", Rationale: "Smaller units of work finish inside the window", Confidence: 0.3},
	},
	models.ErrorCategoryPermission: {
		{Action: "check_credentials", Rationale: "Expired or missing credentials are the most common cause", Confidence: 0.8},
		{Action: "escalate_to_operator", Rationale: "Access grants usually need a human", Confidence: 0.6},
	},
	models.ErrorCategoryNotFound: {
		{Action: "verify_paths", Rationale: "A moved or misspelled path explains most not-found failures", Confidence: 0.7},
		{Action: "rerun_producing_step", Rationale: "The missing artifact may simply not have been produced yet", Confidence: 0.5},
	},
	models.ErrorCategoryConnectivity: {
		{Action: "retry_with_backoff", Rationale: "Network blips pass; a delayed retry usually lands", Confidence: 0.8},
		{Action: "check_endpoint", Rationale: "The target service may be down or renamed", Confidence: 0.5},
	},
	models.ErrorCategoryDependency: {
		{Action: "install_dependencies", Rationale: "A fresh environment is often missing the step's requirements", Confidence: 0.7},
		{Action: "pin_versions", Rationale: "An unpinned upgrade may have broken the import surface", Confidence: 0.4},
	},
	models.ErrorCategoryValidation: {
		{Action: "fix_input", Rationale: "The step's input violates its contract; retrying the same input cannot help", Confidence: 0.7},
		{Action: "review_schema", Rationale: "The schema itself may be stale against the data", Confidence: 0.3},
	},
	models.ErrorCategoryResource: {
		{Action: "free_resources", Rationale: "Reclaim disk or memory before retrying", Confidence: 0.6},
		{Action: "retry_with_backoff", Rationale: "Pressure may subside on its own", Confidence: 0.5},
		{Action: "reduce_parallelism", Rationale: "Fewer concurrent steps lower the peak footprint", Confidence: 0.4},
	},
	models.ErrorCategoryUnknown: {
		{Action: "retry_with_backoff", Rationale: "An unclassified failure is worth one careful retry", Confidence: 0.5},
		{Action: "inspect_logs", Rationale: "The step output should narrow the cause", Confidence: 0.4},
	},
}

// learningWeightScale controls how fast observed outcomes override the static
// confidence: at this many attempts history and table weigh equally.
const learningWeightScale = 10.0

// RetryAdvice is the recovery manager's recommendation for one failure,
// consulted by the progression loop alongside the step's retry policy.
type RetryAdvice struct {
	ShouldRetry bool
	Delay       time.Duration
	Reason      string
}

// Manager generates ranked suggestions and retry advice for classified
// failures, and records which recovery actions actually worked.
type Manager struct {
	learning persistence.LearningStore
	logger   *slog.Logger
}

func NewManager(learning persistence.LearningStore, logger *slog.Logger) *Manager {
	return &Manager{
		learning: learning,
		logger:   logger.With("module", "recovery"),
	}
}

// Suggest returns the record's category suggestions re-ranked by observed
// success rates. Each confidence is a blend of the table default and the
// historical rate, with history weighing more as attempts accumulate. A
// learning-store failure degrades to the static table rather than erroring.
func (m *Manager) Suggest(ctx context.Context, record *models.ErrorRecord) []models.RecoverySuggestion {
	base := suggestionTable[record.Category]
	if len(base) == 0 {
		base = suggestionTable[models.ErrorCategoryUnknown]
	}

	out := make([]models.RecoverySuggestion, len(base))
	copy(out, base)

	for i := range out {
		stats, err := m.learning.OutcomeStats(ctx, record.Category, out[i].Action)
		if err != nil {
			m.logger.WarnContext(ctx, "Learning store unavailable, using static confidence",
				"category", record.Category, "action", out[i].Action, "error", err)

			continue
		}

		if stats.Attempts == 0 {
			continue
		}

		w := float64(stats.Attempts) / (float64(stats.Attempts) + learningWeightScale)
		out[i].Confidence = out[i].Confidence*(1-w) + stats.Rate()*w
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})

	return out
}

// RecordOutcome feeds one applied recovery action back into the learning
// store so future suggestions rank by evidence.
func (m *Manager) RecordOutcome(ctx context.Context, category models.ErrorCategory, action string, success bool) error {
	if err := m.learning.BumpOutcome(ctx, category, action, success); err != nil {
		return fmt.Errorf("recording outcome for %s/%s: %w", category, action, err)
	}

	m.logger.DebugContext(ctx, "Recorded recovery outcome",
		"category", category, "action", action, "success", success)

	return nil
}

// Advise recommends whether the progression loop should retry a failed step
// and how long to wait. Fatal classifications and permission failures advise
// against retrying regardless of remaining budget; timeouts bias toward a
// longer wait than the plain backoff schedule.
func (m *Manager) Advise(_ context.Context, record *models.ErrorRecord, policy *models.RetryPolicy, attempts int) RetryAdvice {
	if policy == nil || policy.MaxAttempts <= 1 {
		return RetryAdvice{Reason: "step has no retry budget"}
	}

	if attempts >= policy.MaxAttempts {
		return RetryAdvice{Reason: fmt.Sprintf("retry budget exhausted (%d of %d attempts)", attempts, policy.MaxAttempts)}
	}

	if record.Severity == models.SeverityFatal {
		return RetryAdvice{Reason: fmt.Sprintf("%s failures do not recover on retry", record.Category)}
	}

	if record.Category == models.ErrorCategoryPermission {
		return RetryAdvice{Reason: "permission failures rarely clear without intervention"}
	}

	delay := backoffDelay(policy, attempts)
	reason := fmt.Sprintf("%s is %s, budget remains", record.Category, record.Severity)

	if record.Category == models.ErrorCategoryTimeout {
		delay = capDelay(delay*2, policy.BackoffMax.Std())
		reason = "timeout may clear given a longer wait"
	}

	return RetryAdvice{ShouldRetry: true, Delay: delay, Reason: reason}
}

// backoffDelay doubles the base per prior attempt, capped at the policy max.
func backoffDelay(policy *models.RetryPolicy, attempts int) time.Duration {
	delay := policy.BackoffBase.Std()
	max := policy.BackoffMax.Std()

	for i := 1; i < attempts; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}

	return capDelay(delay, max)
}

func capDelay(delay, max time.Duration) time.Duration {
	if max > 0 && delay > max {
		return max
	}

	return delay
}
