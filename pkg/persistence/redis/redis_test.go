package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

var redisContainer testcontainers.Container

// testRedisURL returns the URL of a Redis server to test against: the one
// named by DROVER_TEST_REDIS when set, otherwise a throwaway container.
func testRedisURL(t *testing.T) string {
	t.Helper()

	if redisURL := os.Getenv("DROVER_TEST_REDIS"); redisURL != "" {
		return redisURL
	}

	if testing.Short() {
		t.Skip("Skipping Redis integration test in short mode")
	}

	ctx := context.Background()

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error

		redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		require.NoError(t, err)
	}

	host, err := redisContainer.Host(ctx)
	require.NoError(t, err)

	port, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	p, err := NewPersistence(context.Background(), logger, testRedisURL(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})

	return p
}

func testEnvelope(t *testing.T, revision uint64) *persistence.Envelope {
	t.Helper()

	state := []byte(`{"workflow_id":"wf-redis","status":"running"}`)

	return persistence.NewEnvelope(models.CurrentSchemaVersion, revision, time.Now().UTC(), state)
}

func TestPersistence_StateRoundTrip(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	workflowID := "wf-" + uuid.NewString()

	defer func() { _ = p.DeleteState(ctx, workflowID) }()

	_, err := p.GetLatest(ctx, workflowID)
	assert.True(t, persistence.IsStateNotFound(err))

	env := testEnvelope(t, 1)
	require.NoError(t, p.PutLatest(ctx, workflowID, env))
	require.NoError(t, p.AppendHistory(ctx, workflowID, env))

	loaded, err := p.GetLatest(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, env.Revision, loaded.Revision)
	assert.Equal(t, env.Checksum, loaded.Checksum)
	assert.NoError(t, loaded.Verify())

	ids, err := p.ListWorkflows(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, workflowID)
}

func TestPersistence_AppendHistoryConflict(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	workflowID := "wf-" + uuid.NewString()

	defer func() { _ = p.DeleteState(ctx, workflowID) }()

	env := testEnvelope(t, 7)
	require.NoError(t, p.AppendHistory(ctx, workflowID, env))

	err := p.AppendHistory(ctx, workflowID, env)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRevisionConflict)
}

func TestPersistence_HistoryNewestFirst(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	workflowID := "wf-" + uuid.NewString()

	defer func() { _ = p.DeleteState(ctx, workflowID) }()

	for _, revision := range []uint64{3, 1, 2} {
		require.NoError(t, p.AppendHistory(ctx, workflowID, testEnvelope(t, revision)))
	}

	history, err := p.History(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].Revision)
	assert.Equal(t, uint64(2), history[1].Revision)
	assert.Equal(t, uint64(1), history[2].Revision)
}

func TestPersistence_CheckpointLifecycle(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	_, err := p.LatestCheckpoint(ctx, taskID)
	assert.True(t, persistence.IsCheckpointNotFound(err))

	captured := time.Now().UTC()

	for seq := uint64(1); seq <= 3; seq++ {
		checkpoint := &models.Checkpoint{
			ID:         uuid.NewString(),
			TaskID:     taskID,
			WorkflowID: "wf-redis",
			StepID:     "implement",
			Sequence:   seq,
			Status:     models.StepStatusRunning,
			Context:    []byte(`{"cursor":42}`),
			Checksum:   "0000",
			CapturedAt: captured.Add(time.Duration(seq) * time.Minute),
		}
		require.NoError(t, p.AppendCheckpoint(ctx, checkpoint))
	}

	checkpoints, err := p.Checkpoints(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)
	assert.Equal(t, uint64(1), checkpoints[0].Sequence)
	assert.Equal(t, uint64(3), checkpoints[2].Sequence)

	latest, err := p.LatestCheckpoint(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), latest.Sequence)

	// Everything is older than the cutoff, but the newest entry is kept.
	removed, err := p.PruneCheckpoints(ctx, taskID, 1, captured.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := p.Checkpoints(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, uint64(3), remaining[0].Sequence)
}

func TestPersistence_LearningOutcomes(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()

	// A unique action keeps runs against a shared server independent.
	action := "retry-" + uuid.NewString()

	stats, err := p.OutcomeStats(ctx, models.ErrorCategoryTimeout, action)
	require.NoError(t, err)
	assert.Zero(t, stats.Attempts)

	require.NoError(t, p.BumpOutcome(ctx, models.ErrorCategoryTimeout, action, true))
	require.NoError(t, p.BumpOutcome(ctx, models.ErrorCategoryTimeout, action, false))
	require.NoError(t, p.BumpOutcome(ctx, models.ErrorCategoryTimeout, action, true))

	stats, err = p.OutcomeStats(ctx, models.ErrorCategoryTimeout, action)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Attempts)
	assert.Equal(t, int64(2), stats.Successes)

	all, err := p.AllOutcomes(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
}
