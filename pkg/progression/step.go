package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drover-io/drover/pkg/checkpoint"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/otelhelper"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/resume"
	"github.com/drover-io/drover/pkg/statemachine"
)

const retryAction = "retry_with_backoff"

// stepOutcome tells the loop where control flow goes after a step run.
type stepOutcome struct {
	nextID  string // Natural successor; empty means the flow walked off the end
	aborted bool
	settled bool // Step was already terminal, cursor logic decides
}

// runStep drives one step through its full attempt budget. It returns an
// error only for kernel-level failures (persistence, cancellation); step
// failures are consumed by retry and exhaustion policy.
func (m *Manager) runStep(ctx context.Context, step *models.StepDefinition, plan *resume.Plan) (stepOutcome, error) {
	executor, dispatchErr := m.registry.CreateExecutor(step.Executor, executorConfig(step))

	var workspace protocol.IsolationHandle

	if m.isolation != nil && dispatchErr == nil {
		ws, err := m.isolation.Acquire(ctx, m.taskID, step.ID)
		if err != nil {
			dispatchErr = fmt.Errorf("acquiring isolated workspace: %w", err)
		} else {
			workspace = ws

			defer func() {
				if err := ws.Release(context.WithoutCancel(ctx)); err != nil {
					m.logger.WarnContext(ctx, "Failed to release workspace",
						"step_id", step.ID, "error", err)
				}
			}()
		}
	}

	notes := m.consultAdvisors(ctx, step)
	schedule := newBackoffSchedule(step.Retry)

	var lastRecord *models.ErrorRecord

	for {
		attempt, ok, err := m.beginAttempt(ctx, step, notes)
		if err != nil {
			return stepOutcome{}, err
		}

		if !ok {
			return stepOutcome{settled: true}, nil
		}

		var (
			result  *protocol.StepResult
			execErr error
		)

		switch {
		case dispatchErr != nil:
			execErr = dispatchErr
		default:
			if missing := m.missingRequirement(step); missing != "" {
				execErr = fmt.Errorf("required artifact %q not found in workflow state", missing)
			} else {
				result, execErr = m.execute(ctx, executor, step, attempt, plan, workspace)
			}
		}

		plan = nil // A resume plan applies to the first attempt only

		var gateRes *models.GateResult

		if execErr == nil && step.Gate != nil {
			passed, res := m.evaluateGate(step.Gate, result, attempt)
			if passed {
				gateRes = &res
			} else {
				execErr = &gateFailure{result: res, missingMetric: result.Metric == nil}
			}
		}

		if execErr == nil {
			return m.completeStep(ctx, step, attempt, result, gateRes, lastRecord)
		}

		record := m.recordFor(execErr, step, attempt)
		lastRecord = record

		cont, outcome, err := m.failAttempt(ctx, step, attempt, execErr, record, schedule)
		if err != nil {
			return stepOutcome{}, err
		}

		if !cont {
			return outcome, nil
		}
	}
}

// beginAttempt transitions the step to running and persists the dispatch.
// The second return is false when the step is already settled (completed or
// skipped, e.g. by an operator between iterations).
func (m *Manager) beginAttempt(ctx context.Context, step *models.StepDefinition, notes []string) (int, bool, error) {
	m.mu.Lock()

	if m.st.Status.IsTerminal() {
		m.mu.Unlock()

		return 0, false, nil
	}

	rec := m.st.Step(step.ID)
	if rec == nil {
		rec = &models.StepRecord{StepID: step.ID, Status: models.StepStatusPending}
		m.st.Steps[step.ID] = rec
	}

	now := m.clock.Now().UTC()

	var terr error

	switch rec.Status {
	case models.StepStatusPending:
		terr = statemachine.TransitionStep(rec, models.StepStatusRunning, "dispatched", now)
	case models.StepStatusRetrying:
		terr = statemachine.TransitionStep(rec, models.StepStatusRunning, fmt.Sprintf("attempt %d", rec.Attempts+1), now)
	case models.StepStatusPaused:
		terr = statemachine.TransitionStep(rec, models.StepStatusRunning, "resumed", now)
	case models.StepStatusFailed:
		// Re-entered by routing after a previous exhaustion.
		terr = statemachine.TransitionStep(rec, models.StepStatusRetrying, "re-dispatched", now)
		if terr == nil {
			terr = statemachine.TransitionStep(rec, models.StepStatusRunning, fmt.Sprintf("attempt %d", rec.Attempts+1), now)
		}
	case models.StepStatusRunning:
		// The previous owner died mid-attempt; account for it and start a
		// fresh attempt, resuming from checkpoint when one was prepared.
		terr = statemachine.TransitionStep(rec, models.StepStatusFailed, "previous run interrupted", now)
		if terr == nil {
			terr = statemachine.TransitionStep(rec, models.StepStatusRetrying, "re-dispatched after interruption", now)
		}

		if terr == nil {
			terr = statemachine.TransitionStep(rec, models.StepStatusRunning, fmt.Sprintf("attempt %d", rec.Attempts+1), now)
		}
	default:
		m.mu.Unlock()

		return 0, false, nil
	}

	if terr != nil {
		m.mu.Unlock()

		return 0, false, terr
	}

	rec.Attempts++
	attempt := rec.Attempts

	if len(rec.Advisory) == 0 && len(notes) > 0 {
		rec.Advisory = notes
	}

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return 0, false, err
	}

	event := events.StepStarted{
		BaseEvent: m.baseEvent(events.StepStartedEvent),
		StepID:    step.ID,
		Attempt:   attempt,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Step started", "step_id", step.ID, "attempt", attempt)

	return attempt, true, nil
}

// execute runs the executor for one attempt under the step's timeout, traced.
func (m *Manager) execute(
	ctx context.Context,
	executor protocol.StepExecutor,
	step *models.StepDefinition,
	attempt int,
	plan *resume.Plan,
	workspace protocol.IsolationHandle,
) (*protocol.StepResult, error) {
	attemptCtx := ctx

	if d := step.Timeout.Std(); d > 0 {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	spanCtx, span := otelhelper.StartSpan(attemptCtx, m.tracer, "progression.step execute",
		attribute.String(otelhelper.WorkflowIDKey, m.workflowID),
		attribute.String(otelhelper.TaskIDKey, m.taskID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.ExecutorKey, step.Executor),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	req := protocol.ExecutionRequest{
		TaskID:     m.taskID,
		WorkflowID: m.workflowID,
		Step:       step,
		Attempt:    attempt,
		Vars:       m.varsFor(step),
		Resume:     plan,
		Workspace:  workspace,
	}

	result, err := executor.Execute(spanCtx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if result == nil {
		err := fmt.Errorf("executor %q returned neither result nor error", step.Executor)
		otelhelper.SetError(span, err)

		return nil, err
	}

	return result, nil
}

// evaluateGate compares the reported metric against the gate threshold. A
// missing metric evaluates as a failure.
func (m *Manager) evaluateGate(gate *models.GateSpec, result *protocol.StepResult, attempt int) (bool, models.GateResult) {
	res := models.GateResult{
		Metric:      gate.Metric,
		Threshold:   gate.Threshold,
		Attempt:     attempt,
		EvaluatedAt: m.clock.Now().UTC(),
	}

	if result.Metric == nil {
		return false, res
	}

	res.Value = *result.Metric
	res.Passed = res.Value >= gate.Threshold

	return res.Passed, res
}

// completeStep records a successful attempt, advances progress, captures a
// checkpoint, and reports the step's natural successor.
func (m *Manager) completeStep(
	ctx context.Context,
	step *models.StepDefinition,
	attempt int,
	result *protocol.StepResult,
	gateRes *models.GateResult,
	lastRecord *models.ErrorRecord,
) (stepOutcome, error) {
	m.mu.Lock()

	rec := m.st.Step(step.ID)
	now := m.clock.Now().UTC()
	reason := "executor completed"

	if gateRes != nil {
		rec.Gate = append(rec.Gate, *gateRes)
		reason = fmt.Sprintf("gate passed: %s %.4g >= %.4g", gateRes.Metric, gateRes.Value, gateRes.Threshold)
	}

	if err := statemachine.TransitionStep(rec, models.StepStatusCompleted, reason, now); err != nil {
		m.mu.Unlock()

		return stepOutcome{}, err
	}

	rec.Artifacts = result.Artifacts
	rec.Output = result.Output
	rec.LastError = ""
	m.st.RecalculateProgress()

	var (
		duration time.Duration
		routed   string
		nextID   string
	)

	if rec.StartedAt != nil {
		duration = now.Sub(*rec.StartedAt)
	}

	candidate := m.def.NextInOrder(step.ID)

	if gateRes != nil && step.Gate.OnPass != "" {
		routed = step.Gate.OnPass
		candidate = m.def.Step(routed)
	}

	if next := m.firstDispatchableLocked(candidate); next != nil {
		nextID = next.ID
	}

	progress := m.st.Progress
	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return stepOutcome{}, err
	}

	completedEvent := events.StepCompleted{
		BaseEvent: m.baseEvent(events.StepCompletedEvent),
		StepID:    step.ID,
		Attempt:   attempt,
		Duration:  duration,
		Artifacts: result.Artifacts,
	}
	m.publish(ctx, completedEvent)

	if gateRes != nil {
		gateEvent := events.GateEvaluated{
			BaseEvent: m.baseEvent(events.GateEvaluatedEvent),
			StepID:    step.ID,
			Result:    *gateRes,
			Routed:    routed,
		}
		m.publish(ctx, gateEvent)
	}

	if attempt > 1 && lastRecord != nil {
		if err := m.recovery.RecordOutcome(ctx, lastRecord.Category, retryAction, true); err != nil {
			m.logger.WarnContext(ctx, "Failed to record recovery outcome", "error", err)
		}
	}

	m.captureCompletion(ctx, step, result, progress)

	m.logger.InfoContext(ctx, "Step completed",
		"step_id", step.ID, "attempt", attempt, "progress", progress)

	return stepOutcome{nextID: nextID}, nil
}

// failAttempt persists the failure, asks the recovery manager whether to
// retry, and either waits out the backoff (cont=true) or applies the step's
// exhaustion action.
func (m *Manager) failAttempt(
	ctx context.Context,
	step *models.StepDefinition,
	attempt int,
	execErr error,
	record *models.ErrorRecord,
	schedule *backoff.ExponentialBackOff,
) (bool, stepOutcome, error) {
	if ctx.Err() != nil {
		return false, stepOutcome{}, m.failureDuringShutdown(ctx, step)
	}

	m.mu.Lock()

	rec := m.st.Step(step.ID)
	now := m.clock.Now().UTC()

	if gf, ok := execErr.(*gateFailure); ok {
		rec.Gate = append(rec.Gate, gf.result)
	}

	if err := statemachine.TransitionStep(rec, models.StepStatusFailed, truncateReason(record.Message), now); err != nil {
		m.mu.Unlock()

		return false, stepOutcome{}, err
	}

	rec.LastError = record.Message
	m.st.LastError = record

	err := m.state.Save(ctx, m.st)
	attempts := rec.Attempts
	m.mu.Unlock()

	if err != nil {
		return false, stepOutcome{}, err
	}

	advice := m.recovery.Advise(ctx, record, step.Retry, attempts)

	if !advice.ShouldRetry {
		return m.exhaust(ctx, step, record, execErr, attempts)
	}

	m.mu.Lock()

	if terr := statemachine.TransitionStep(rec, models.StepStatusRetrying, advice.Reason, m.clock.Now().UTC()); terr != nil {
		m.mu.Unlock()

		return false, stepOutcome{}, terr
	}

	err = m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return false, stepOutcome{}, err
	}

	delay := schedule.NextBackOff()
	if advice.Delay > delay {
		delay = advice.Delay
	}

	failedEvent := events.StepFailed{
		BaseEvent: m.baseEvent(events.StepFailedEvent),
		StepID:    step.ID,
		Attempt:   attempt,
		Error:     record.Message,
		Category:  record.Category,
		Severity:  record.Severity,
	}
	m.publish(ctx, failedEvent)

	retryingEvent := events.StepRetrying{
		BaseEvent:   m.baseEvent(events.StepRetryingEvent),
		StepID:      step.ID,
		NextAttempt: attempts + 1,
		MaxAttempts: step.MaxAttempts(),
		Delay:       delay,
	}
	m.publish(ctx, retryingEvent)

	if gf, ok := execErr.(*gateFailure); ok {
		m.publishGateFailure(ctx, step, gf, "")
	}

	m.logger.WarnContext(ctx, "Step failed, retrying",
		"step_id", step.ID,
		"attempt", attempt,
		"category", record.Category,
		"delay", delay,
		"reason", advice.Reason)

	select {
	case <-ctx.Done():
		return false, stepOutcome{}, m.failureDuringShutdown(ctx, step)
	case <-m.clock.After(delay):
		return true, stepOutcome{}, nil
	}
}

// failureDuringShutdown separates an operator abort (already persisted
// terminal) from an external cancellation, where the state is left as-is for
// crash recovery.
func (m *Manager) failureDuringShutdown(ctx context.Context, step *models.StepDefinition) error {
	m.mu.Lock()
	aborted := m.st.Status == models.WorkflowStatusAborted
	m.mu.Unlock()

	if aborted {
		m.logger.InfoContext(ctx, "Step unwound by abort", "step_id", step.ID)

		return nil
	}

	return ctx.Err()
}

// exhaust applies the step's failure action once its attempt budget is gone.
func (m *Manager) exhaust(
	ctx context.Context,
	step *models.StepDefinition,
	record *models.ErrorRecord,
	execErr error,
	attempts int,
) (bool, stepOutcome, error) {
	action := step.ExhaustedAction()

	m.logger.WarnContext(ctx, "Step retries exhausted",
		"step_id", step.ID,
		"attempts", attempts,
		"action", action,
		"error", execErr)

	failedEvent := events.StepFailed{
		BaseEvent: m.baseEvent(events.StepFailedEvent),
		StepID:    step.ID,
		Attempt:   attempts,
		Error:     record.Message,
		Category:  record.Category,
		Severity:  record.Severity,
		Final:     true,
		Action:    action,
	}
	m.publish(ctx, failedEvent)

	if gf, ok := execErr.(*gateFailure); ok {
		routed := ""
		if action == models.FailureActionRoute {
			routed = step.Gate.OnFail
		}

		m.publishGateFailure(ctx, step, gf, routed)
	}

	if attempts > 1 {
		if err := m.recovery.RecordOutcome(ctx, record.Category, retryAction, false); err != nil {
			m.logger.WarnContext(ctx, "Failed to record recovery outcome", "error", err)
		}
	}

	switch action {
	case models.FailureActionRoute:
		return m.exhaustRoute(ctx, step)
	case models.FailureActionSkip:
		return m.exhaustSkip(ctx, step, attempts)
	default:
		return m.exhaustAbort(ctx, step, record, attempts)
	}
}

func (m *Manager) exhaustRoute(ctx context.Context, step *models.StepDefinition) (bool, stepOutcome, error) {
	target := step.Gate.OnFail

	m.mu.Lock()
	if m.pendingRoute == "" {
		m.pendingRoute = target
	}
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Routing to remediation step",
		"step_id", step.ID, "routed", target)

	return false, stepOutcome{}, nil
}

func (m *Manager) exhaustSkip(ctx context.Context, step *models.StepDefinition, attempts int) (bool, stepOutcome, error) {
	m.mu.Lock()

	rec := m.st.Step(step.ID)
	reason := fmt.Sprintf("%v after %d attempts, skipped by policy", ErrRetriesExhausted, attempts)

	if err := statemachine.TransitionStep(rec, models.StepStatusSkipped, reason, m.clock.Now().UTC()); err != nil {
		m.mu.Unlock()

		return false, stepOutcome{}, err
	}

	m.st.RecalculateProgress()

	var nextID string
	if next := m.firstDispatchableLocked(m.def.NextInOrder(step.ID)); next != nil {
		nextID = next.ID
	}

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return false, stepOutcome{}, err
	}

	event := events.StepSkipped{
		BaseEvent: m.baseEvent(events.StepSkippedEvent),
		StepID:    step.ID,
		Reason:    reason,
	}
	m.publish(ctx, event)

	return false, stepOutcome{nextID: nextID}, nil
}

func (m *Manager) exhaustAbort(ctx context.Context, step *models.StepDefinition, record *models.ErrorRecord, attempts int) (bool, stepOutcome, error) {
	record.Suggestions = m.recovery.Suggest(ctx, record)

	m.mu.Lock()

	if m.st.Status.IsTerminal() {
		// A parallel peer got there first.
		m.mu.Unlock()

		return false, stepOutcome{aborted: true}, nil
	}

	reason := fmt.Sprintf("step %s: %v after %d attempts", step.ID, ErrRetriesExhausted, attempts)
	m.st.LastError = record

	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusAborted, reason, m.clock.Now().UTC()); err != nil {
		m.mu.Unlock()

		return false, stepOutcome{}, err
	}

	m.st.ActiveSteps = nil

	err := m.state.Save(ctx, m.st)
	cancel := m.runCancel
	m.mu.Unlock()

	if err != nil {
		return false, stepOutcome{}, err
	}

	// Unwind in-flight parallel peers; the persisted terminal status makes
	// their failure paths exit quietly.
	if cancel != nil {
		cancel()
	}

	event := events.WorkflowAborted{
		BaseEvent: m.baseEvent(events.WorkflowAbortedEvent),
		Reason:    reason,
		LastStep:  step.ID,
	}
	m.publish(ctx, event)

	m.logger.ErrorContext(ctx, "Workflow aborted by exhaustion policy",
		"step_id", step.ID, "category", record.Category, "suggestions", len(record.Suggestions))

	return false, stepOutcome{aborted: true}, nil
}

func (m *Manager) publishGateFailure(ctx context.Context, step *models.StepDefinition, gf *gateFailure, routed string) {
	event := events.GateEvaluated{
		BaseEvent: m.baseEvent(events.GateEvaluatedEvent),
		StepID:    step.ID,
		Result:    gf.result,
		Routed:    routed,
	}
	m.publish(ctx, event)
}

// recordFor builds the durable error record for a failed attempt. Gate
// failures are graded directly; execution errors go through classification.
func (m *Manager) recordFor(execErr error, step *models.StepDefinition, attempt int) *models.ErrorRecord {
	var record *models.ErrorRecord

	if _, ok := execErr.(*gateFailure); ok {
		record = &models.ErrorRecord{
			Category:   models.ErrorCategoryValidation,
			Severity:   models.SeverityDegraded,
			Message:    execErr.Error(),
			OccurredAt: m.clock.Now().UTC(),
		}
	} else {
		record = recovery.Classify(execErr, "")
	}

	record.WorkflowID = m.workflowID
	record.TaskID = m.taskID
	record.StepID = step.ID
	record.Attempt = attempt

	return record
}

// captureCompletion checkpoints a finished step so an interrupted run can
// restart past it. Capture failure never fails the step.
func (m *Manager) captureCompletion(ctx context.Context, step *models.StepDefinition, result *protocol.StepResult, progress float64) {
	snap := checkpoint.Snapshot{
		TaskID:     m.taskID,
		WorkflowID: m.workflowID,
		StepID:     step.ID,
		Status:     models.StepStatusCompleted,
		Progress:   progress,
		Context:    result.Context,
		Artifacts:  result.Artifacts,
	}

	if _, err := m.checkpoints.Capture(ctx, snap); err != nil {
		m.logger.WarnContext(ctx, "Failed to capture completion checkpoint",
			"step_id", step.ID, "error", err)
	}
}

// consultAdvisors gathers guidance notes for the step's advisory domains.
// Consultation failures are logged and never block the step.
func (m *Manager) consultAdvisors(ctx context.Context, step *models.StepDefinition) []string {
	if m.advisory == nil || len(step.Advisory) == 0 {
		return nil
	}

	notes := make([]string, 0, len(step.Advisory))

	for _, domain := range step.Advisory {
		report, err := m.advisory.Consult(ctx, protocol.AdvisoryRequest{
			WorkflowID: m.workflowID,
			TaskID:     m.taskID,
			StepID:     step.ID,
			Domain:     domain,
			Query:      fmt.Sprintf("guidance for step %q using executor %q", step.Name, step.Executor),
		})
		if err != nil {
			m.logger.WarnContext(ctx, "Advisory consultation failed",
				"step_id", step.ID, "domain", domain, "error", err)

			continue
		}

		if report == nil || report.Guidance == "" {
			continue
		}

		notes = append(notes, fmt.Sprintf("[%s] %s", domain, report.Guidance))
	}

	return notes
}

// missingRequirement returns the first artifact name the step requires that
// no settled step has produced, or empty when all requirements are met.
func (m *Manager) missingRequirement(step *models.StepDefinition) string {
	if len(step.Requires) == 0 {
		return ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	produced := make(map[string]bool)

	for _, rec := range m.st.Steps {
		for _, ref := range rec.Artifacts {
			produced[ref.Name] = true
		}
	}

	for _, name := range step.Requires {
		if !produced[name] {
			return name
		}
	}

	return ""
}

func (m *Manager) varsFor(step *models.StepDefinition) map[string]string {
	vars := make(map[string]string, len(m.def.Vars)+len(step.Vars))

	for k, v := range m.def.Vars {
		vars[k] = v
	}

	for k, v := range step.Vars {
		vars[k] = v
	}

	return vars
}

func executorConfig(step *models.StepDefinition) map[string]any {
	config := make(map[string]any, len(step.Vars))
	for k, v := range step.Vars {
		config[k] = v
	}

	return config
}

func newBackoffSchedule(policy *models.RetryPolicy) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.RandomizationFactor = 0

	if policy != nil {
		if policy.BackoffBase > 0 {
			bo.InitialInterval = policy.BackoffBase.Std()
		}

		if policy.BackoffMax > 0 {
			bo.MaxInterval = policy.BackoffMax.Std()
		}
	}

	bo.Reset()

	return bo
}

func truncateReason(msg string) string {
	const limit = 200

	if len(msg) <= limit {
		return msg
	}

	return msg[:limit] + "..."
}
