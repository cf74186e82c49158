// Package state persists and restores workflow run state. Every save seals
// the serialized state in a checksummed envelope and lands it twice: an
// append-only revision history plus a latest pointer. Loads verify before
// trusting, migrate older schemas forward, and fall back to the newest valid
// history record when the latest one is corrupt.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drover-io/drover/pkg/eventbus"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

// Manager owns the read and write paths for workflow state. One logical
// owner drives a given workflow at a time; the manager does not arbitrate
// concurrent writers.
type Manager struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
}

// NewManager creates a state manager. The event bus may be nil; corruption
// events are then only logged.
func NewManager(p persistence.Persistence, eventBus eventbus.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		persistence: p,
		eventBus:    eventBus,
		logger:      logger.With("module", "state"),
	}
}

// LoadResult carries a loaded state plus how it was obtained.
type LoadResult struct {
	State *models.WorkflowState

	// RecoveredFromHistory is set when the latest record failed
	// verification and an older revision was promoted instead.
	RecoveredFromHistory bool

	// RecoveredRevision is the history revision that was promoted.
	RecoveredRevision uint64

	// Migrated is set when the stored record carried an older schema
	// version and was transformed forward.
	Migrated bool
}

// Initialize creates and persists the initial state for a definition: every
// step pending, workflow created, revision 1.
func (m *Manager) Initialize(ctx context.Context, workflowID string, def *models.WorkflowDefinition) (*models.WorkflowState, error) {
	_, err := m.persistence.GetLatest(ctx, workflowID)
	if err == nil {
		return nil, newManagerError("Initialize", workflowID, ErrAlreadyExists)
	}

	if !persistence.IsStateNotFound(err) {
		if isRecoverableCorruption(err) {
			// A corrupt latest still means the workflow exists.
			return nil, newManagerError("Initialize", workflowID, ErrAlreadyExists)
		}

		return nil, newManagerError("Initialize", workflowID, fmt.Errorf("%w: %v", ErrLoad, err))
	}

	st := models.NewWorkflowState(workflowID, def, time.Now().UTC())
	if err := m.Save(ctx, st); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "Initialized workflow state",
		"workflow_id", workflowID, "definition_id", def.ID, "steps", len(def.Steps))

	return st, nil
}

// Save seals the state in a fresh envelope and persists it: history first,
// then latest. The revision is bumped by exactly one per successful save; on
// failure the state is restored so the caller can retry.
func (m *Manager) Save(ctx context.Context, st *models.WorkflowState) error {
	if st.WorkflowID == "" {
		return newManagerError("Save", "", fmt.Errorf("%w: missing workflow id", ErrPersist))
	}

	// State writes are short critical sections that must finish even when
	// the caller is cancelled mid-write, so records are never torn.
	ctx = context.WithoutCancel(ctx)

	prevRevision, prevUpdated, prevVersion := st.Revision, st.UpdatedAt, st.SchemaVersion

	st.Revision++
	st.UpdatedAt = time.Now().UTC()
	st.SchemaVersion = models.CurrentSchemaVersion

	env, err := sealEnvelope(st)
	if err == nil {
		err = m.persistence.AppendHistory(ctx, st.WorkflowID, env)
	}

	if err != nil && errors.Is(err, persistence.ErrRevisionConflict) {
		env, err = m.rebasePastOrphan(ctx, st)
	}

	if err == nil {
		err = m.persistence.PutLatest(ctx, st.WorkflowID, env)
	}

	if err != nil {
		st.Revision, st.UpdatedAt, st.SchemaVersion = prevRevision, prevUpdated, prevVersion

		return newManagerError("Save", st.WorkflowID, fmt.Errorf("%w: %v", ErrPersist, err))
	}

	m.logger.DebugContext(ctx, "Persisted workflow state",
		"workflow_id", st.WorkflowID, "revision", st.Revision, "status", string(st.Status))

	return nil
}

// rebasePastOrphan handles a history conflict left by a crash between the
// history append and the latest write: the orphaned revision stays untouched
// and the save lands one past the newest stored record.
func (m *Manager) rebasePastOrphan(ctx context.Context, st *models.WorkflowState) (*persistence.Envelope, error) {
	history, err := m.persistence.History(ctx, st.WorkflowID)
	if err != nil {
		return nil, err
	}

	if len(history) > 0 && history[0].Revision >= st.Revision {
		m.logger.WarnContext(ctx, "Revision conflict from orphaned history record, re-basing",
			"workflow_id", st.WorkflowID, "revision", st.Revision, "newest_stored", history[0].Revision)

		st.Revision = history[0].Revision + 1
	}

	env, err := sealEnvelope(st)
	if err != nil {
		return nil, err
	}

	// A second conflict means an actual concurrent writer, which the
	// ownership model does not support; surface it.
	return env, m.persistence.AppendHistory(ctx, st.WorkflowID, env)
}

// Load reads, verifies, and migrates the latest state. A latest record that
// fails verification triggers a walk of the revision history for the newest
// valid record, which is promoted as a new revision; history is never
// rewritten, so a reload after recovery is clean.
func (m *Manager) Load(ctx context.Context, workflowID string) (*LoadResult, error) {
	env, err := m.persistence.GetLatest(ctx, workflowID)
	if err != nil {
		if persistence.IsStateNotFound(err) {
			return nil, newManagerError("Load", workflowID, ErrNotFound)
		}

		if !isRecoverableCorruption(err) {
			return nil, newManagerError("Load", workflowID, fmt.Errorf("%w: %v", ErrLoad, err))
		}

		return m.recoverFromHistory(ctx, workflowID, nil, err)
	}

	st, migrated, decodeErr := m.decodeEnvelope(env)
	if decodeErr != nil {
		if !isRecoverableCorruption(decodeErr) {
			// Schema or migration failures are fatal, never a reason to
			// silently resurrect older state.
			return nil, newManagerError("Load", workflowID, decodeErr)
		}

		return m.recoverFromHistory(ctx, workflowID, env, decodeErr)
	}

	if migrated {
		fromVersion := env.SchemaVersion

		if err := m.Save(ctx, st); err != nil {
			return nil, err
		}

		m.logger.InfoContext(ctx, "Migrated workflow state forward",
			"workflow_id", workflowID, "from_version", fromVersion,
			"to_version", st.SchemaVersion, "revision", st.Revision)
	}

	return &LoadResult{State: st, Migrated: migrated}, nil
}

// recoverFromHistory walks the revision history newest-first for a record
// that still verifies, promotes it as a new revision, and reports the
// corruption. Failing that, the state is unrecoverable.
func (m *Manager) recoverFromHistory(ctx context.Context, workflowID string, badEnv *persistence.Envelope, cause error) (*LoadResult, error) {
	var badRevision uint64
	if badEnv != nil {
		badRevision = badEnv.Revision
	}

	m.logger.WarnContext(ctx, "Latest workflow state failed verification, walking history",
		"workflow_id", workflowID, "revision", badRevision, "error", cause)

	history, err := m.persistence.History(ctx, workflowID)
	if err != nil {
		return nil, newManagerError("Load", workflowID, fmt.Errorf("%w: %v", ErrLoad, err))
	}

	for _, candidate := range history {
		st, migrated, decodeErr := m.decodeEnvelope(candidate)
		if decodeErr != nil {
			if !isRecoverableCorruption(decodeErr) {
				return nil, newManagerError("Load", workflowID, decodeErr)
			}

			m.logger.WarnContext(ctx, "History record also fails verification, trying older",
				"workflow_id", workflowID, "revision", candidate.Revision)

			continue
		}

		recoveredFrom := candidate.Revision

		// The promoted save must land strictly above every stored
		// revision, including the corrupt one.
		base := st.Revision
		if history[0].Revision > base {
			base = history[0].Revision
		}

		if badRevision > base {
			base = badRevision
		}

		st.Revision = base

		if err := m.Save(ctx, st); err != nil {
			return nil, err
		}

		m.logger.WarnContext(ctx, "Recovered workflow state from history",
			"workflow_id", workflowID, "bad_revision", badRevision,
			"recovered_revision", recoveredFrom, "promoted_revision", st.Revision)

		m.publish(ctx, workflowID, events.StateCorruptionDetected{
			BaseEvent:         events.NewBaseEvent(events.StateCorruptionDetectedEvent, workflowID),
			BadRevision:       badRevision,
			RecoveredRevision: recoveredFrom,
			Recovered:         true,
		})

		return &LoadResult{
			State:                st,
			RecoveredFromHistory: true,
			RecoveredRevision:    recoveredFrom,
			Migrated:             migrated,
		}, nil
	}

	m.logger.ErrorContext(ctx, "No valid history record remains",
		"workflow_id", workflowID, "revision", badRevision)

	m.publish(ctx, workflowID, events.StateCorruptionDetected{
		BaseEvent:   events.NewBaseEvent(events.StateCorruptionDetectedEvent, workflowID),
		BadRevision: badRevision,
	})

	return nil, newManagerError("Load", workflowID, ErrCorruptState)
}

// List returns the IDs of every persisted workflow.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	ids, err := m.persistence.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	return ids, nil
}

// History returns the envelope history for a workflow, newest first.
// Envelopes are returned as stored; callers verify before trusting contents.
func (m *Manager) History(ctx context.Context, workflowID string) ([]*persistence.Envelope, error) {
	history, err := m.persistence.History(ctx, workflowID)
	if err != nil {
		return nil, newManagerError("History", workflowID, fmt.Errorf("%w: %v", ErrLoad, err))
	}

	return history, nil
}

// Delete removes a workflow's latest record and full history.
func (m *Manager) Delete(ctx context.Context, workflowID string) error {
	if err := m.persistence.DeleteState(ctx, workflowID); err != nil {
		return newManagerError("Delete", workflowID, fmt.Errorf("%w: %v", ErrPersist, err))
	}

	m.logger.InfoContext(ctx, "Deleted workflow state", "workflow_id", workflowID)

	return nil
}

// decodeEnvelope verifies an envelope and decodes its state, migrating older
// schema versions forward in memory. Corruption errors are recoverable via
// history; schema and migration errors are not.
func (m *Manager) decodeEnvelope(env *persistence.Envelope) (*models.WorkflowState, bool, error) {
	if err := env.Verify(); err != nil {
		return nil, false, err
	}

	var doc map[string]any
	if err := json.Unmarshal(env.State, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %v", persistence.ErrCorruptRecord, err)
	}

	// The version inside the state is integrity-protected by the checksum;
	// prefer it over the envelope metadata.
	version := env.SchemaVersion
	if inner, ok := doc["schema_version"].(float64); ok {
		version = int(inner)
	}

	migratedTo, err := MigrateDocument(doc, version)
	if err != nil {
		return nil, false, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("re-encoding migrated state: %w", err)
	}

	var st models.WorkflowState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("%w: state does not fit schema v%d: %v", persistence.ErrCorruptRecord, migratedTo, err)
	}

	if err := validateState(&st); err != nil {
		return nil, false, fmt.Errorf("%w: %v", persistence.ErrCorruptRecord, err)
	}

	return &st, migratedTo != version, nil
}

func (m *Manager) publish(ctx context.Context, workflowID string, event eventbus.Event) {
	if m.eventBus == nil {
		return
	}

	if err := m.eventBus.Publish(ctx, workflowID, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish state event",
			"workflow_id", workflowID, "event_type", string(event.GetType()), "error", err)
	}
}

func sealEnvelope(st *models.WorkflowState) (*persistence.Envelope, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}

	return persistence.NewEnvelope(st.SchemaVersion, st.Revision, st.UpdatedAt, data), nil
}

func isRecoverableCorruption(err error) bool {
	return persistence.IsChecksumMismatch(err) || persistence.IsCorruptRecord(err)
}

func validateState(st *models.WorkflowState) error {
	if st.WorkflowID == "" {
		return errors.New("state missing workflow_id")
	}

	if st.Steps == nil {
		return errors.New("state missing steps map")
	}

	switch st.Status {
	case models.WorkflowStatusCreated, models.WorkflowStatusRunning,
		models.WorkflowStatusPaused, models.WorkflowStatusCompleted,
		models.WorkflowStatusFailed, models.WorkflowStatusAborted:
		return nil
	default:
		return fmt.Errorf("state has unknown status %q", st.Status)
	}
}
