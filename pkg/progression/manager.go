// Package progression drives a workflow's control flow: dispatching eligible
// steps to their executors, evaluating quality gates, retrying with backoff,
// joining parallel groups, and persisting every transition before moving on.
// A single manager owns one workflow run; operator controls (pause, resume,
// skip, abort) intervene between iterations without violating the state
// machine.
package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drover-io/drover/pkg/checkpoint"
	"github.com/drover-io/drover/pkg/eventbus"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/protocol"
	"github.com/drover-io/drover/pkg/recovery"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/resume"
	"github.com/drover-io/drover/pkg/state"
	"github.com/drover-io/drover/pkg/statemachine"
)

// Config wires a manager to its collaborators. Definition, WorkflowID, State,
// Checkpoints, Recovery, Registry and Logger are required; the rest are
// optional.
type Config struct {
	Definition  *models.WorkflowDefinition
	WorkflowID  string
	TaskID      string // Defaults to WorkflowID
	State       *state.Manager
	Checkpoints *checkpoint.Manager
	Resume      *resume.Handler
	Recovery    *recovery.Manager
	Registry    *registry.Registry
	Isolation   protocol.IsolationProvider
	Advisory    protocol.AdvisoryProvider
	EventBus    eventbus.EventPublisher
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Manager owns one workflow run end to end.
type Manager struct {
	def         *models.WorkflowDefinition
	workflowID  string
	taskID      string
	state       *state.Manager
	checkpoints *checkpoint.Manager
	resumer     *resume.Handler
	recovery    *recovery.Manager
	registry    *registry.Registry
	isolation   protocol.IsolationProvider
	advisory    protocol.AdvisoryProvider
	eventBus    eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
	tracer      trace.Tracer

	mu           sync.Mutex
	st           *models.WorkflowState
	running      bool
	resumeCh     chan struct{} // Non-nil while paused; closed by Resume
	runCancel    context.CancelFunc
	resumePlan   *resume.Plan
	pendingRoute string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Definition == nil {
		return nil, fmt.Errorf("progression: definition is required")
	}

	if cfg.WorkflowID == "" {
		return nil, fmt.Errorf("progression: workflow id is required")
	}

	if cfg.State == nil || cfg.Checkpoints == nil || cfg.Recovery == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("progression: state, checkpoint, recovery, and registry managers are required")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("progression: logger is required")
	}

	taskID := cfg.TaskID
	if taskID == "" {
		taskID = cfg.WorkflowID
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("drover/progression")
	}

	return &Manager{
		def:         cfg.Definition,
		workflowID:  cfg.WorkflowID,
		taskID:      taskID,
		state:       cfg.State,
		checkpoints: cfg.Checkpoints,
		resumer:     cfg.Resume,
		recovery:    cfg.Recovery,
		registry:    cfg.Registry,
		isolation:   cfg.Isolation,
		advisory:    cfg.Advisory,
		eventBus:    cfg.EventBus,
		clock:       clock,
		logger:      cfg.Logger.With("module", "progression", "workflow_id", cfg.WorkflowID),
		tracer:      tracer,
	}, nil
}

// Run drives the workflow until it reaches a terminal status or the context
// is cancelled. A fresh workflow is initialized; an existing non-terminal one
// resumes from its persisted state, never re-executing completed steps.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()

	if m.running {
		m.mu.Unlock()

		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.runCancel = cancel
	m.mu.Unlock()

	defer func() {
		cancel()

		m.mu.Lock()
		m.running = false
		m.runCancel = nil
		m.mu.Unlock()
	}()

	if err := m.prepare(runCtx); err != nil {
		return err
	}

	return m.loop(runCtx)
}

// prepare loads or initializes the durable state, points the cursor, and
// announces the run.
func (m *Manager) prepare(ctx context.Context) error {
	resumed := false

	res, err := m.state.Load(ctx, m.workflowID)

	switch {
	case err == nil:
		st := res.State

		m.mu.Lock()
		m.st = st
		m.mu.Unlock()

		if st.Status.IsTerminal() {
			m.logger.InfoContext(ctx, "Workflow already terminal, nothing to drive", "status", st.Status)

			return nil
		}

		switch st.Status {
		case models.WorkflowStatusCreated:
			if err := m.startCreated(ctx); err != nil {
				return err
			}
		case models.WorkflowStatusRunning:
			// Crash recovery: the previous owner died mid-run.
			resumed = true

			m.ensureCursor()
		case models.WorkflowStatusPaused:
			resumed = true

			m.mu.Lock()
			m.resumeCh = make(chan struct{})
			m.mu.Unlock()
		}
	case state.IsNotFound(err):
		st, ierr := m.state.Initialize(ctx, m.workflowID, m.def)
		if ierr != nil {
			return fmt.Errorf("initializing workflow %s: %w", m.workflowID, ierr)
		}

		m.mu.Lock()
		m.st = st
		m.mu.Unlock()

		if err := m.startCreated(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("loading workflow %s: %w", m.workflowID, err)
	}

	if resumed {
		m.loadResumePlan(ctx)
	}

	event := events.WorkflowStarted{
		BaseEvent:    m.baseEvent(events.WorkflowStartedEvent),
		DefinitionID: m.def.ID,
		WorkflowName: m.def.Name,
		Vars:         m.def.Vars,
		Resumed:      resumed,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Workflow run starting", "resumed", resumed)

	return nil
}

func (m *Manager) startCreated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.st.ActiveSteps) == 0 && len(m.def.Steps) > 0 {
		m.st.ActiveSteps = []string{m.def.Steps[0].ID}
	}

	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusRunning, "run started", m.clock.Now().UTC()); err != nil {
		return err
	}

	return m.state.Save(ctx, m.st)
}

// ensureCursor recomputes ActiveSteps for states persisted before the cursor
// existed: the first non-terminal step in definition order.
func (m *Manager) ensureCursor() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.st.ActiveSteps) > 0 {
		return
	}

	for _, step := range m.def.Steps {
		rec := m.st.Step(step.ID)
		if rec == nil || !rec.Status.IsTerminal() {
			m.st.ActiveSteps = []string{step.ID}

			return
		}
	}
}

// loadResumePlan fetches a checkpoint-backed resume plan, tolerating its
// absence.
func (m *Manager) loadResumePlan(ctx context.Context) {
	if m.resumer == nil {
		return
	}

	plan, err := m.resumer.Prepare(ctx, m.taskID)
	if err != nil {
		if !resume.IsNoCheckpoint(err) {
			m.logger.WarnContext(ctx, "No usable resume plan", "error", err)
		}

		return
	}

	m.mu.Lock()
	m.resumePlan = plan
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Prepared resume plan",
		"sequence", plan.Checkpoint.Sequence, "step_id", plan.Step)
}

// loop is the drive loop: at each boundary it honors pause and terminal
// status, picks the cursor target, and runs it (alone or as a parallel
// group).
func (m *Manager) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return m.finishInterrupted(ctx, ctx.Err())
		default:
		}

		if err := m.waitWhilePaused(ctx); err != nil {
			return m.finishInterrupted(ctx, err)
		}

		m.mu.Lock()

		if m.st.Status.IsTerminal() {
			status := m.st.Status
			m.mu.Unlock()

			m.logger.InfoContext(ctx, "Workflow reached terminal status", "status", status)

			return nil
		}

		target := m.cursorTargetLocked()
		m.mu.Unlock()

		if target == nil {
			return m.completeWorkflow(ctx)
		}

		var err error
		if target.ParallelGroup != "" {
			err = m.runGroup(ctx, target)
		} else {
			outcome, stepErr := m.runStep(ctx, target, m.takeResumePlan(target))
			if stepErr == nil {
				err = m.applyOutcome(ctx, outcome)
			} else {
				err = stepErr
			}
		}

		if err != nil {
			return m.finishInterrupted(ctx, err)
		}
	}
}

// waitWhilePaused parks the loop at a step boundary until Resume or
// cancellation.
func (m *Manager) waitWhilePaused(ctx context.Context) error {
	m.mu.Lock()
	ch := m.resumeCh
	paused := m.st != nil && m.st.Status == models.WorkflowStatusPaused
	m.mu.Unlock()

	if !paused || ch == nil {
		return nil
	}

	m.logger.InfoContext(ctx, "Loop parked, workflow paused")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// cursorTargetLocked resolves the persisted cursor to the next dispatchable
// step. Terminal cursor entries (a crash can land between a step completing
// and the cursor advancing) are walked past along the recorded control flow.
func (m *Manager) cursorTargetLocked() *models.StepDefinition {
	for _, id := range m.st.ActiveSteps {
		step := m.def.Step(id)
		if step == nil {
			continue
		}

		rec := m.st.Step(id)
		if rec == nil || !rec.Status.IsTerminal() {
			return step
		}
	}

	for _, id := range m.st.ActiveSteps {
		if step := m.def.Step(id); step != nil {
			if next := m.firstDispatchableLocked(m.nextFromLocked(step)); next != nil {
				return next
			}
		}
	}

	if len(m.st.ActiveSteps) == 0 {
		for _, step := range m.def.Steps {
			rec := m.st.Step(step.ID)
			if rec == nil || !rec.Status.IsTerminal() {
				return step
			}
		}
	}

	return nil
}

// nextFromLocked follows one control-flow edge out of a step: a passed gate's
// on_pass target when recorded, otherwise definition order.
func (m *Manager) nextFromLocked(step *models.StepDefinition) *models.StepDefinition {
	rec := m.st.Step(step.ID)

	if rec != nil && rec.Status == models.StepStatusCompleted && step.Gate != nil && step.Gate.OnPass != "" {
		if n := len(rec.Gate); n > 0 && rec.Gate[n-1].Passed {
			return m.def.Step(step.Gate.OnPass)
		}
	}

	return m.def.NextInOrder(step.ID)
}

// firstDispatchableLocked walks control-flow edges from a candidate until it
// finds a non-terminal step, guarding against on_pass cycles.
func (m *Manager) firstDispatchableLocked(candidate *models.StepDefinition) *models.StepDefinition {
	seen := make(map[string]bool, len(m.def.Steps))

	for candidate != nil && !seen[candidate.ID] {
		seen[candidate.ID] = true

		rec := m.st.Step(candidate.ID)
		if rec == nil || !rec.Status.IsTerminal() {
			return candidate
		}

		candidate = m.nextFromLocked(candidate)
	}

	return nil
}

// applyOutcome moves the cursor after a single-step run and persists it. An
// exhaustion route outranks the step's natural successor.
func (m *Manager) applyOutcome(ctx context.Context, outcome stepOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.st.Status.IsTerminal() {
		return nil
	}

	next := outcome.nextID

	if m.pendingRoute != "" {
		next = m.pendingRoute
		m.pendingRoute = ""
	}

	if equalCursor(m.st.ActiveSteps, next) {
		return nil
	}

	if next == "" {
		m.st.ActiveSteps = nil
	} else {
		m.st.ActiveSteps = []string{next}
	}

	return m.state.Save(ctx, m.st)
}

func equalCursor(active []string, next string) bool {
	if next == "" {
		return len(active) == 0
	}

	return len(active) == 1 && active[0] == next
}

// completeWorkflow runs when the control flow walks off the end of the
// definition.
func (m *Manager) completeWorkflow(ctx context.Context) error {
	m.mu.Lock()

	now := m.clock.Now().UTC()
	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusCompleted, "control flow complete", now); err != nil {
		m.mu.Unlock()

		return err
	}

	m.st.ActiveSteps = nil
	m.st.RecalculateProgress()

	completed, skipped := 0, 0

	for _, rec := range m.st.Steps {
		switch rec.Status {
		case models.StepStatusCompleted:
			completed++
		case models.StepStatusSkipped:
			skipped++
		}
	}

	duration := now.Sub(m.st.CreatedAt)
	err := m.state.Save(ctx, m.st)
	progress := m.st.Progress
	m.mu.Unlock()

	if err != nil {
		return err
	}

	event := events.WorkflowCompleted{
		BaseEvent:      m.baseEvent(events.WorkflowCompletedEvent),
		Duration:       duration,
		StepsCompleted: completed,
		StepsSkipped:   skipped,
	}
	m.publish(ctx, event)

	m.logger.InfoContext(ctx, "Workflow completed",
		"steps_completed", completed, "steps_skipped", skipped, "progress", progress)

	return nil
}

// finishInterrupted classifies how the loop stopped: a clean abort (already
// persisted by Abort or an exhaustion policy) returns nil; an external
// cancellation propagates with the state left as-is for crash recovery; a
// kernel failure marks the workflow failed, best effort, and still surfaces.
func (m *Manager) finishInterrupted(ctx context.Context, cause error) error {
	m.mu.Lock()
	status := m.st.Status
	m.mu.Unlock()

	if status.IsTerminal() {
		return nil
	}

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		m.logger.WarnContext(ctx, "Workflow run interrupted", "status", status, "error", cause)

		return cause
	}

	m.mu.Lock()

	now := m.clock.Now().UTC()
	duration := now.Sub(m.st.CreatedAt)

	var lastStep string
	if len(m.st.ActiveSteps) > 0 {
		lastStep = m.st.ActiveSteps[0]
	}
	m.mu.Unlock()

	record := recovery.Classify(cause, "")
	record.WorkflowID = m.workflowID
	record.TaskID = m.taskID
	record.StepID = lastStep
	record.Suggestions = m.recovery.Suggest(ctx, record)

	m.mu.Lock()
	m.st.LastError = record

	marked := false

	if err := statemachine.TransitionWorkflow(m.st, models.WorkflowStatusFailed, truncateReason(cause.Error()), now); err == nil {
		marked = true

		// When persistence itself is the failure this save fails too; the
		// original cause still surfaces either way.
		if serr := m.state.Save(ctx, m.st); serr != nil {
			m.logger.ErrorContext(ctx, "Could not persist failed status", "error", serr)
		}
	}
	m.mu.Unlock()

	if marked {
		event := events.WorkflowFailed{
			BaseEvent: m.baseEvent(events.WorkflowFailedEvent),
			StepID:    lastStep,
			Error:     cause.Error(),
			Duration:  duration,
		}
		m.publish(ctx, event)
	}

	m.logger.ErrorContext(ctx, "Workflow run failed", "error", cause)

	return cause
}

// takeResumePlan hands the prepared resume plan to the first dispatch of the
// step it targets, once. Plans for completed-step checkpoints are dropped;
// the cursor already encodes where to continue.
func (m *Manager) takeResumePlan(step *models.StepDefinition) *resume.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan := m.resumePlan
	if plan == nil {
		return nil
	}

	m.resumePlan = nil

	if plan.Checkpoint.StepID == step.ID && plan.Checkpoint.Status == models.StepStatusRunning {
		return plan
	}

	return nil
}

func (m *Manager) baseEvent(eventType events.EventType) events.BaseEvent {
	event := events.NewBaseEvent(eventType, m.workflowID)
	event.TaskID = m.taskID

	return event
}

func (m *Manager) publish(ctx context.Context, event eventbus.Event) {
	if m.eventBus == nil {
		return
	}

	if err := m.eventBus.Publish(ctx, m.workflowID, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
