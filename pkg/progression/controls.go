package progression

import (
	"context"
	"fmt"
	"time"

	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/statemachine"
)

// Pause parks the drive loop at the next step boundary. The attempt in
// flight, if any, drains first; nothing new dispatches until Resume.
func (m *Manager) Pause(ctx context.Context, reason string) error {
	m.mu.Lock()

	if m.st == nil {
		m.mu.Unlock()

		return ErrNotRunning
	}

	now := m.clock.Now().UTC()
	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusPaused, reason, now); err != nil {
		m.mu.Unlock()

		return err
	}

	if m.resumeCh == nil {
		m.resumeCh = make(chan struct{})
	}

	var pausedAtStep string
	if len(m.st.ActiveSteps) > 0 {
		pausedAtStep = m.st.ActiveSteps[0]
	}

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	event := events.WorkflowPaused{
		BaseEvent:    m.baseEvent(events.WorkflowPausedEvent),
		Reason:       reason,
		PausedAtStep: pausedAtStep,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Workflow paused", "reason", reason, "at_step", pausedAtStep)

	return nil
}

// Resume lifts a pause and wakes the parked loop. The resumed state is
// persisted before the loop moves.
func (m *Manager) Resume(ctx context.Context, reason string) error {
	m.mu.Lock()

	if m.st == nil {
		m.mu.Unlock()

		return ErrNotRunning
	}

	now := m.clock.Now().UTC()
	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusRunning, reason, now); err != nil {
		m.mu.Unlock()

		return err
	}

	var pauseDuration time.Duration

	for i := len(m.st.History) - 1; i >= 0; i-- {
		if m.st.History[i].To == models.WorkflowStatusPaused {
			pauseDuration = now.Sub(m.st.History[i].At)

			break
		}
	}

	ch := m.resumeCh
	m.resumeCh = nil

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if ch != nil {
		close(ch)
	}

	event := events.WorkflowResumed{
		BaseEvent:     m.baseEvent(events.WorkflowResumedEvent),
		PauseDuration: pauseDuration,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Workflow resumed", "pause_duration", pauseDuration)

	return nil
}

// Skip settles a step without executing it. Only pending, paused, and failed
// steps can be skipped; a running step must drain or be aborted. Progress
// counts skipped steps, and the loop walks past them on its next pick.
func (m *Manager) Skip(ctx context.Context, stepID, reason string) error {
	if m.def.Step(stepID) == nil {
		return fmt.Errorf("progression: unknown step %q", stepID)
	}

	m.mu.Lock()

	if m.st == nil {
		m.mu.Unlock()

		return ErrNotRunning
	}

	rec := m.st.Step(stepID)
	if rec == nil {
		rec = &models.StepRecord{StepID: stepID, Status: models.StepStatusPending}
		m.st.Steps[stepID] = rec
	}

	if err := statemachine.TransitionStep(rec, models.StepStatusSkipped, reason, m.clock.Now().UTC()); err != nil {
		m.mu.Unlock()

		return err
	}

	m.st.RecalculateProgress()

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	event := events.StepSkipped{
		BaseEvent: m.baseEvent(events.StepSkippedEvent),
		StepID:    stepID,
		Reason:    reason,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Step skipped by operator", "step_id", stepID, "reason", reason)

	return nil
}

// Abort terminates the run. The aborted status is persisted before in-flight
// attempts are cancelled, so a concurrent failure path observes a terminal
// workflow and unwinds quietly.
func (m *Manager) Abort(ctx context.Context, reason string) error {
	m.mu.Lock()

	if m.st == nil {
		m.mu.Unlock()

		return ErrNotRunning
	}

	now := m.clock.Now().UTC()
	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusAborted, reason, now); err != nil {
		m.mu.Unlock()

		return err
	}

	var lastStep string
	if len(m.st.ActiveSteps) > 0 {
		lastStep = m.st.ActiveSteps[0]
	}

	m.st.ActiveSteps = nil

	ch := m.resumeCh
	m.resumeCh = nil
	cancel := m.runCancel

	err := m.state.Save(ctx, m.st)
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if ch != nil {
		close(ch)
	}

	if cancel != nil {
		cancel()
	}

	event := events.WorkflowAborted{
		BaseEvent: m.baseEvent(events.WorkflowAbortedEvent),
		Reason:    reason,
		LastStep:  lastStep,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Workflow aborted", "reason", reason, "last_step", lastStep)

	return nil
}

// Status returns a deep copy of the current workflow state, or nil before
// the first Run.
func (m *Manager) Status() *models.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st == nil {
		return nil
	}

	return m.st.Clone()
}
