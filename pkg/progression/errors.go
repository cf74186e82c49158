package progression

import (
	"errors"
	"fmt"

	"github.com/drover-io/drover/pkg/models"
)

var (
	// ErrAlreadyRunning means Run was called while a loop already owns the
	// workflow. One logical owner drives a workflow at a time.
	ErrAlreadyRunning = errors.New("progression loop already running")

	// ErrNotRunning means a control was used while no loop owns the workflow.
	ErrNotRunning = errors.New("workflow is not being driven")

	// ErrGateEvaluation means a gate could not be evaluated, usually because
	// the executor reported no metric. Routed like a gate failure.
	ErrGateEvaluation = errors.New("gate evaluation failed")

	// ErrRetriesExhausted marks the final failure of a step's attempt budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// gateFailure carries a failed (or unevaluable) gate through the shared
// failure path, so retry and exhaustion handling treat gate failures and
// execution errors uniformly.
type gateFailure struct {
	result        models.GateResult
	missingMetric bool
}

func (g *gateFailure) Error() string {
	if g.missingMetric {
		return fmt.Sprintf("gate metric %q missing from step result", g.result.Metric)
	}

	return fmt.Sprintf("gate failed: %s %.4g below threshold %.4g", g.result.Metric, g.result.Value, g.result.Threshold)
}

func (g *gateFailure) Unwrap() error {
	if g.missingMetric {
		return ErrGateEvaluation
	}

	return nil
}
