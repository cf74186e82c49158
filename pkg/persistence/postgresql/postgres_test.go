package postgresql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"recovery_outcomes", "checkpoints", "workflow_state_history", "workflow_states", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	if os.Getenv("DROVER_TEST_POSTGRES") == "" {
		t.Skip("set DROVER_TEST_POSTGRES=1 to run PostgreSQL integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("drover_test"),
			postgres.WithUsername("drover"),
			postgres.WithPassword("drover"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx
}

func testEnvelope(t *testing.T, revision uint64) *persistence.Envelope {
	t.Helper()

	state, err := json.Marshal(map[string]any{"workflow_id": "task-1", "revision": revision})
	require.NoError(t, err)

	return persistence.NewEnvelope(models.CurrentSchemaVersion, revision, time.Now().UTC(), state)
}

func TestPostgresPersistence_StateRoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)

	env := testEnvelope(t, 1)
	require.NoError(t, p.PutLatest(ctx, "task-1", env))
	require.NoError(t, p.AppendHistory(ctx, "task-1", env))

	got, err := p.GetLatest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, env.Checksum, got.Checksum)
	require.NoError(t, got.Verify())

	history, err := p.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NoError(t, history[0].Verify())
}

func TestPostgresPersistence_HistoryNewestFirstAndConflicts(t *testing.T) {
	p, ctx := setupTestDB(t)

	for rev := uint64(1); rev <= 3; rev++ {
		require.NoError(t, p.AppendHistory(ctx, "task-1", testEnvelope(t, rev)))
	}

	err := p.AppendHistory(ctx, "task-1", testEnvelope(t, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRevisionConflict)

	history, err := p.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(3), history[0].Revision)
}

func TestPostgresPersistence_GetLatest_NotFound(t *testing.T) {
	p, ctx := setupTestDB(t)

	_, err := p.GetLatest(ctx, "missing")

	assert.True(t, persistence.IsStateNotFound(err))
}

func TestPostgresPersistence_CheckpointsAndPrune(t *testing.T) {
	p, ctx := setupTestDB(t)
	base := time.Now().UTC().Add(-time.Hour)

	for seq := uint64(1); seq <= 4; seq++ {
		payload := []byte(`{"cursor":42}`)
		cp := &models.Checkpoint{
			ID:         "cp-1",
			TaskID:     "task-1",
			WorkflowID: "wf-1",
			StepID:     "implement",
			Sequence:   seq,
			Status:     models.StepStatusRunning,
			Context:    payload,
			Checksum:   persistence.Checksum(payload),
			CapturedAt: base.Add(time.Duration(seq) * time.Minute),
		}
		require.NoError(t, p.AppendCheckpoint(ctx, cp))
	}

	latest, err := p.LatestCheckpoint(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest.Sequence)

	removed, err := p.PruneCheckpoints(ctx, "task-1", 2, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := p.Checkpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, uint64(3), remaining[0].Sequence)
}

func TestPostgresPersistence_LearningOutcomes(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.BumpOutcome(ctx, models.ErrorCategoryTimeout, "increase timeout", true))
	require.NoError(t, p.BumpOutcome(ctx, models.ErrorCategoryTimeout, "increase timeout", false))

	stats, err := p.OutcomeStats(ctx, models.ErrorCategoryTimeout, "increase timeout")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Attempts)
	assert.Equal(t, int64(1), stats.Successes)

	all, err := p.AllOutcomes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
