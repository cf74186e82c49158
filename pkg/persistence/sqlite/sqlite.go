// Package sqlite provides embedded SQLite persistence for workflow state,
// checkpoints, and recovery-learning outcomes. It uses the pure-Go glebarez
// driver, so no cgo is involved.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer on an embedded SQLite
// database.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence opens (or creates) the database file and runs pending
// migrations. A "sqlite://" prefix is stripped so database URLs can be
// passed verbatim.
func NewPersistence(ctx context.Context, logger *slog.Logger, path string) (*Persistence, error) {
	path = strings.Replace(path, "sqlite://", "", 1)

	database, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY races between pooled connections.
	database.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := database.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, sqlbase.DialectSQLite, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{db: database, logger: logger}, nil
}

// Close closes the database.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// PutLatest replaces the latest envelope for a workflow.
func (p *Persistence) PutLatest(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_states (workflow_id, schema_version, revision, checksum, saved_at, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			revision = excluded.revision,
			checksum = excluded.checksum,
			saved_at = excluded.saved_at,
			state = excluded.state`,
		workflowID, env.SchemaVersion, int64(env.Revision), env.Checksum, env.SavedAt.UnixNano(), string(env.State))
	if err != nil {
		return persistence.NewStateError("PutLatest", workflowID, err)
	}

	return nil
}

// GetLatest returns the latest envelope, or ErrStateNotFound.
func (p *Persistence) GetLatest(ctx context.Context, workflowID string) (*persistence.Envelope, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT schema_version, revision, checksum, saved_at, state
		FROM workflow_states
		WHERE workflow_id = ?`, workflowID)

	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStateError("GetLatest", workflowID, persistence.ErrStateNotFound)
	}

	if err != nil {
		return nil, persistence.NewStateError("GetLatest", workflowID, err)
	}

	return env, nil
}

// AppendHistory adds an envelope to the workflow's revision history.
func (p *Persistence) AppendHistory(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO workflow_state_history (workflow_id, revision, schema_version, checksum, saved_at, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		workflowID, int64(env.Revision), env.SchemaVersion, env.Checksum, env.SavedAt.UnixNano(), string(env.State))
	if isUniqueViolation(err) {
		return persistence.NewStateError("AppendHistory", workflowID, persistence.ErrRevisionConflict)
	}

	if err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	return nil
}

// History returns the revision history, newest first.
func (p *Persistence) History(ctx context.Context, workflowID string) ([]*persistence.Envelope, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT schema_version, revision, checksum, saved_at, state
		FROM workflow_state_history
		WHERE workflow_id = ?
		ORDER BY revision DESC`, workflowID)
	if err != nil {
		return nil, persistence.NewStateError("History", workflowID, err)
	}
	defer func() { _ = rows.Close() }()

	var envelopes []*persistence.Envelope

	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, persistence.NewStateError("History", workflowID, err)
		}

		envelopes = append(envelopes, env)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStateError("History", workflowID, err)
	}

	return envelopes, nil
}

// ListWorkflows returns the IDs of every stored workflow.
func (p *Persistence) ListWorkflows(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT workflow_id FROM workflow_states ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return ids, nil
}

// DeleteState removes the latest record and the full history.
func (p *Persistence) DeleteState(ctx context.Context, workflowID string) error {
	transaction, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewStateError("DeleteState", workflowID, err)
	}

	for _, query := range []string{
		`DELETE FROM workflow_state_history WHERE workflow_id = ?`,
		`DELETE FROM workflow_states WHERE workflow_id = ?`,
	} {
		if _, err := transaction.ExecContext(ctx, query, workflowID); err != nil {
			_ = transaction.Rollback()

			return persistence.NewStateError("DeleteState", workflowID, err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return persistence.NewStateError("DeleteState", workflowID, err)
	}

	return nil
}

// AppendCheckpoint stores a checkpoint.
func (p *Persistence) AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, seq, workflow_id, step_id, captured_at, checkpoint)
		VALUES (?, ?, ?, ?, ?, ?)`,
		checkpoint.TaskID, int64(checkpoint.Sequence), checkpoint.WorkflowID,
		checkpoint.StepID, checkpoint.CapturedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return &persistence.CheckpointError{
			Op:       "AppendCheckpoint",
			TaskID:   checkpoint.TaskID,
			Sequence: checkpoint.Sequence,
			Err:      persistence.ErrRevisionConflict,
		}
	}

	if err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	return nil
}

// Checkpoints returns a task's checkpoints in ascending sequence order.
func (p *Persistence) Checkpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT checkpoint FROM checkpoints WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, persistence.NewCheckpointError("Checkpoints", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var checkpoints []*models.Checkpoint

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, persistence.NewCheckpointError("Checkpoints", taskID, err)
		}

		var checkpoint models.Checkpoint
		if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
			p.logger.WarnContext(ctx, "Skipping undecodable checkpoint row", "task_id", taskID, "error", err)

			continue
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewCheckpointError("Checkpoints", taskID, err)
	}

	return checkpoints, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint, or
// ErrCheckpointNotFound.
func (p *Persistence) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	var data string

	err := p.db.QueryRowContext(ctx, `
		SELECT checkpoint FROM checkpoints WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewCheckpointError("LatestCheckpoint", taskID, persistence.ErrCheckpointNotFound)
	}

	if err != nil {
		return nil, persistence.NewCheckpointError("LatestCheckpoint", taskID, err)
	}

	var checkpoint models.Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, persistence.NewCheckpointError("LatestCheckpoint", taskID, err)
	}

	return &checkpoint, nil
}

// PruneCheckpoints removes checkpoints captured before the cutoff while
// always retaining the newest keep entries.
func (p *Persistence) PruneCheckpoints(ctx context.Context, taskID string, keep int, olderThan time.Time) (int, error) {
	if keep < 1 {
		keep = 1
	}

	result, err := p.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE task_id = ?
		  AND captured_at < ?
		  AND seq NOT IN (
			SELECT seq FROM checkpoints WHERE task_id = ? ORDER BY seq DESC LIMIT ?
		  )`, taskID, olderThan.UnixNano(), taskID, keep)
	if err != nil {
		return 0, persistence.NewCheckpointError("PruneCheckpoints", taskID, err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, persistence.NewCheckpointError("PruneCheckpoints", taskID, err)
	}

	return int(removed), nil
}

// BumpOutcome records one application of a recovery action.
func (p *Persistence) BumpOutcome(ctx context.Context, category models.ErrorCategory, action string, success bool) error {
	successes := 0
	if success {
		successes = 1
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO recovery_outcomes (category, action, attempts, successes)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (category, action) DO UPDATE SET
			attempts = attempts + 1,
			successes = successes + excluded.successes`,
		string(category), action, successes)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s/%s: %w", category, action, err)
	}

	return nil
}

// OutcomeStats returns the aggregate for one (category, action) pair.
func (p *Persistence) OutcomeStats(ctx context.Context, category models.ErrorCategory, action string) (models.ActionStats, error) {
	stats := models.ActionStats{Category: category, Action: action}

	err := p.db.QueryRowContext(ctx, `
		SELECT attempts, successes FROM recovery_outcomes WHERE category = ? AND action = ?`,
		string(category), action).Scan(&stats.Attempts, &stats.Successes)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}

	if err != nil {
		return stats, fmt.Errorf("failed to query outcome for %s/%s: %w", category, action, err)
	}

	return stats, nil
}

// AllOutcomes returns every recorded aggregate.
func (p *Persistence) AllOutcomes(ctx context.Context) ([]models.ActionStats, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT category, action, attempts, successes FROM recovery_outcomes ORDER BY category, action`)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []models.ActionStats

	for rows.Next() {
		var stats models.ActionStats
		if err := rows.Scan(&stats.Category, &stats.Action, &stats.Attempts, &stats.Successes); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}

		all = append(all, stats)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}

	return all, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*persistence.Envelope, error) {
	var (
		env       persistence.Envelope
		revision  int64
		savedAtNs int64
		state     string
	)

	if err := row.Scan(&env.SchemaVersion, &revision, &env.Checksum, &savedAtNs, &state); err != nil {
		return nil, err
	}

	env.Revision = uint64(revision)
	env.SavedAt = time.Unix(0, savedAtNs).UTC()
	env.State = json.RawMessage(state)

	return &env, nil
}
