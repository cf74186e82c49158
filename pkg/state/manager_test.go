package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/eventbus"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/mocks"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/persistence/file"
	"github.com/drover-io/drover/pkg/statemachine"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	published []eventbus.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	c.published = append(c.published, event)

	return nil
}

func newTestManager(t *testing.T) (*Manager, *capturePublisher, string) {
	t.Helper()

	dir := t.TempDir()
	p := file.NewPersistence(dir)
	require.NoError(t, p.HealthCheck(context.Background()))

	publisher := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	return NewManager(p, publisher, logger), publisher, dir
}

func testDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      "build-feature",
		Name:    "Build feature",
		Version: "1",
		Steps: []*models.StepDefinition{
			{ID: "plan", Name: "Plan", Executor: "agent"},
			{ID: "implement", Name: "Implement", Executor: "agent", DependsOn: []string{"plan"}},
			{ID: "verify", Name: "Verify", Executor: "agent", DependsOn: []string{"implement"}},
		},
	}
}

func latestPath(dir, workflowID string) string {
	return filepath.Join(dir, "workflows", workflowID, "latest.json")
}

func TestManager_Initialize(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), st.Revision)
	assert.Equal(t, models.WorkflowStatusCreated, st.Status)
	assert.Equal(t, models.CurrentSchemaVersion, st.SchemaVersion)
	assert.Len(t, st.Steps, 3)

	for _, rec := range st.Steps {
		assert.Equal(t, models.StepStatusPending, rec.Status)
	}

	loaded, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loaded.State.Revision)
	assert.False(t, loaded.RecoveredFromHistory)
	assert.False(t, loaded.Migrated)
}

func TestManager_InitializeTwiceFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	_, err = m.Initialize(ctx, "wf-1", testDefinition())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManager_LoadMissing(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Load(context.Background(), "wf-nothing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsCorruptState(err))
}

func TestManager_SaveMonotonicRevision(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	last := st.Revision
	for range 5 {
		require.NoError(t, m.Save(ctx, st))
		assert.Greater(t, st.Revision, last)

		last = st.Revision
	}

	assert.Equal(t, uint64(6), st.Revision)

	history, err := m.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, uint64(6), history[0].Revision)
}

func TestManager_ReloadIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, statemachine.TransitionWorkflow(st, models.WorkflowStatusRunning, "run started", now))
	require.NoError(t, statemachine.TransitionStep(st.Steps["plan"], models.StepStatusRunning, "dispatched", now))
	require.NoError(t, statemachine.TransitionStep(st.Steps["plan"], models.StepStatusCompleted, "done", now.Add(time.Minute)))
	st.ActiveSteps = []string{"implement"}
	st.RecalculateProgress()
	require.NoError(t, m.Save(ctx, st))

	first, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)

	second, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)

	// Loading must not perturb the stored record in any way.
	firstJSON, err := json.Marshal(first.State)
	require.NoError(t, err)

	secondJSON, err := json.Marshal(second.State)
	require.NoError(t, err)
	assert.Equal(t, string(firstJSON), string(secondJSON))

	savedJSON, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Equal(t, string(savedJSON), string(firstJSON))

	assert.Equal(t, st.Revision, first.State.Revision)
	assert.Equal(t, models.StepStatusCompleted, first.State.Steps["plan"].Status)
	assert.InEpsilon(t, 1.0/3.0, first.State.Progress, 1e-9)
}

func TestManager_LoadFallsBackOnChecksumMismatch(t *testing.T) {
	m, publisher, dir := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, statemachine.TransitionWorkflow(st, models.WorkflowStatusRunning, "run started", now))
	require.NoError(t, m.Save(ctx, st))
	require.NoError(t, statemachine.TransitionStep(st.Steps["plan"], models.StepStatusRunning, "dispatched", now))
	require.NoError(t, m.Save(ctx, st))

	goodRevision := st.Revision

	// Flip bytes inside the stored state without touching the checksum.
	raw, err := os.ReadFile(latestPath(dir, "wf-1"))
	require.NoError(t, err)

	var env persistence.Envelope

	require.NoError(t, json.Unmarshal(raw, &env))
	env.State = bytes.Replace(env.State, []byte("build-feature"), []byte("build-feXture"), 1)

	tampered, err := json.Marshal(&env)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(latestPath(dir, "wf-1"), tampered, 0o600))

	result, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)

	// The tampered record is never returned; the newest valid history
	// entry is promoted as a fresh revision.
	assert.True(t, result.RecoveredFromHistory)
	assert.Equal(t, goodRevision, result.RecoveredRevision)
	assert.Equal(t, "build-feature", result.State.DefinitionID)
	assert.Equal(t, models.StepStatusRunning, result.State.Steps["plan"].Status)
	assert.Greater(t, result.State.Revision, goodRevision)

	require.Len(t, publisher.published, 1)
	corruption, ok := publisher.published[0].(events.StateCorruptionDetected)
	require.True(t, ok)
	assert.True(t, corruption.Recovered)
	assert.Equal(t, goodRevision, corruption.BadRevision)
	assert.Equal(t, goodRevision, corruption.RecoveredRevision)

	// After promotion the next load is clean.
	again, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, again.RecoveredFromHistory)
	assert.Equal(t, result.State.Revision, again.State.Revision)
}

func TestManager_LoadFallsBackOnGarbageLatest(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx, st))

	require.NoError(t, os.WriteFile(latestPath(dir, "wf-1"), []byte("not json at all"), 0o600))

	result, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, result.RecoveredFromHistory)
	assert.Equal(t, uint64(2), result.RecoveredRevision)
}

func TestManager_LoadCorruptWithNoValidHistory(t *testing.T) {
	m, publisher, dir := newTestManager(t)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(latestPath(dir, "wf-1"), []byte("garbage"), 0o600))

	historyDir := filepath.Join(dir, "workflows", "wf-1", "history")
	entries, err := os.ReadDir(historyDir)
	require.NoError(t, err)

	for _, entry := range entries {
		require.NoError(t, os.WriteFile(filepath.Join(historyDir, entry.Name()), []byte("also garbage"), 0o600))
	}

	_, err = m.Load(ctx, "wf-1")
	require.Error(t, err)
	assert.True(t, IsCorruptState(err))
	assert.False(t, IsNotFound(err))

	require.Len(t, publisher.published, 1)
	corruption, ok := publisher.published[0].(events.StateCorruptionDetected)
	require.True(t, ok)
	assert.False(t, corruption.Recovered)
}

func TestManager_LoadMigratesLegacySchema(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	doc := legacyV1Document()
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	env := persistence.NewEnvelope(1, 5, time.Now().UTC(), data)
	p := file.NewPersistence(dir)
	require.NoError(t, p.PutLatest(ctx, "wf-legacy", env))
	require.NoError(t, p.AppendHistory(ctx, "wf-legacy", env))

	result, err := m.Load(ctx, "wf-legacy")
	require.NoError(t, err)
	assert.True(t, result.Migrated)

	st := result.State
	assert.Equal(t, models.CurrentSchemaVersion, st.SchemaVersion)
	assert.Equal(t, []string{"implement"}, st.ActiveSteps)
	assert.InEpsilon(t, 0.5, st.Progress, 1e-9)
	assert.Equal(t, "tests flaky", st.Steps["implement"].LastError)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "workflow hit a snag", st.LastError.Message)

	// The migrated state was saved back as a new revision.
	assert.Equal(t, uint64(6), st.Revision)

	again, err := m.Load(ctx, "wf-legacy")
	require.NoError(t, err)
	assert.False(t, again.Migrated)
	assert.Equal(t, uint64(6), again.State.Revision)
}

func TestManager_LoadRejectsFutureSchema(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	doc := map[string]any{
		"workflow_id":    "wf-future",
		"definition_id":  "build-feature",
		"schema_version": models.CurrentSchemaVersion + 1,
		"status":         "running",
		"steps":          map[string]any{},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	env := persistence.NewEnvelope(models.CurrentSchemaVersion+1, 1, time.Now().UTC(), data)
	p := file.NewPersistence(dir)
	require.NoError(t, p.PutLatest(ctx, "wf-future", env))

	_, err = m.Load(ctx, "wf-future")
	require.Error(t, err)
	assert.True(t, IsSchemaVersion(err))
	assert.False(t, IsNotFound(err))
	assert.False(t, IsCorruptState(err))
}

func TestManager_SaveRebasesPastOrphanedRevision(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	st, err := m.Initialize(ctx, "wf-1", testDefinition())
	require.NoError(t, err)

	// Simulate a crash that appended revision 2 to history but never moved
	// the latest pointer.
	orphanData, err := json.Marshal(st)
	require.NoError(t, err)

	orphan := persistence.NewEnvelope(models.CurrentSchemaVersion, 2, time.Now().UTC(), orphanData)
	p := file.NewPersistence(dir)
	require.NoError(t, p.AppendHistory(ctx, "wf-1", orphan))

	require.NoError(t, m.Save(ctx, st))
	assert.Equal(t, uint64(3), st.Revision)

	loaded, err := m.Load(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), loaded.State.Revision)
}

func TestManager_ListAndDelete(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Initialize(ctx, "wf-a", testDefinition())
	require.NoError(t, err)
	_, err = m.Initialize(ctx, "wf-b", testDefinition())
	require.NoError(t, err)

	ids, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b"}, ids)

	require.NoError(t, m.Delete(ctx, "wf-a"))

	ids, err = m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-b"}, ids)

	_, err = m.Load(ctx, "wf-a")
	assert.True(t, IsNotFound(err))
}

func TestManager_SaveSurfacesHistoryWriteFailure(t *testing.T) {
	store := &mocks.MockPersistence{}
	store.On("AppendHistory", mock.Anything, "wf-1", mock.Anything).Return(errors.New("disk full"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := NewManager(store, nil, logger)

	st := models.NewWorkflowState("wf-1", testDefinition(), time.Now().UTC())
	before := st.Revision

	err := m.Save(context.Background(), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)

	// A failed save must not consume a revision.
	assert.Equal(t, before, st.Revision)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "PutLatest", mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_SaveSurfacesLatestWriteFailure(t *testing.T) {
	store := &mocks.MockPersistence{}
	store.On("AppendHistory", mock.Anything, "wf-1", mock.Anything).Return(nil)
	store.On("PutLatest", mock.Anything, "wf-1", mock.Anything).Return(errors.New("connection reset"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	m := NewManager(store, nil, logger)

	st := models.NewWorkflowState("wf-1", testDefinition(), time.Now().UTC())
	before := st.Revision

	err := m.Save(context.Background(), st)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, before, st.Revision)

	store.AssertExpectations(t)
}
