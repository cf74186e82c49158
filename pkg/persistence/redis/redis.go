// Package redis provides Redis persistence for workflow state, checkpoints,
// and recovery-learning outcomes. Envelopes and checkpoints are stored as
// JSON hash fields keyed by zero-padded revision or sequence, so
// lexicographic field order matches numeric order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

const connectTimeout = 5 * time.Second

// Persistence implements the persistence layer on Redis.
type Persistence struct {
	client *goredis.Client
	logger *slog.Logger
}

var _ persistence.Persistence = (*Persistence)(nil)

// NewPersistence connects to Redis using a redis:// URL and verifies the
// connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Persistence{client: client, logger: logger}, nil
}

// Close closes the Redis client.
func (p *Persistence) Close(_ context.Context) error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	return nil
}

// HealthCheck verifies the Redis connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	return nil
}

func revisionField(revision uint64) string {
	return fmt.Sprintf("%012d", revision)
}

// PutLatest replaces the latest envelope for a workflow.
func (p *Persistence) PutLatest(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return persistence.NewStateError("PutLatest", workflowID, err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, stateKey(workflowID), data, 0)
	pipe.SAdd(ctx, workflowIDsKey, workflowID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewStateError("PutLatest", workflowID, err)
	}

	return nil
}

// GetLatest returns the latest envelope, or ErrStateNotFound.
func (p *Persistence) GetLatest(ctx context.Context, workflowID string) (*persistence.Envelope, error) {
	data, err := p.client.Get(ctx, stateKey(workflowID)).Bytes()
	if err == goredis.Nil {
		return nil, persistence.NewStateError("GetLatest", workflowID, persistence.ErrStateNotFound)
	}

	if err != nil {
		return nil, persistence.NewStateError("GetLatest", workflowID, err)
	}

	var env persistence.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &persistence.StateError{
			Op:         "GetLatest",
			WorkflowID: workflowID,
			Err:        persistence.ErrCorruptRecord,
			Message:    err.Error(),
		}
	}

	return &env, nil
}

// AppendHistory adds an envelope to the workflow's revision history. HSetNX
// makes a duplicate revision a conflict instead of an overwrite.
func (p *Persistence) AppendHistory(ctx context.Context, workflowID string, env *persistence.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	added, err := p.client.HSetNX(ctx, historyKey(workflowID), revisionField(env.Revision), data).Result()
	if err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	if !added {
		return persistence.NewStateError("AppendHistory", workflowID, persistence.ErrRevisionConflict)
	}

	return nil
}

// History returns the revision history, newest first.
func (p *Persistence) History(ctx context.Context, workflowID string) ([]*persistence.Envelope, error) {
	fields, err := p.client.HGetAll(ctx, historyKey(workflowID)).Result()
	if err != nil {
		return nil, persistence.NewStateError("History", workflowID, err)
	}

	envelopes := make([]*persistence.Envelope, 0, len(fields))

	for field, data := range fields {
		var env persistence.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			p.logger.WarnContext(ctx, "Skipping undecodable history record",
				"workflow_id", workflowID, "revision", field, "error", err)

			continue
		}

		envelopes = append(envelopes, &env)
	}

	sort.Slice(envelopes, func(i, j int) bool {
		return envelopes[i].Revision > envelopes[j].Revision
	})

	return envelopes, nil
}

// ListWorkflows returns the IDs of every stored workflow.
func (p *Persistence) ListWorkflows(ctx context.Context) ([]string, error) {
	ids, err := p.client.SMembers(ctx, workflowIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	sort.Strings(ids)

	return ids, nil
}

// DeleteState removes the latest record and the full history.
func (p *Persistence) DeleteState(ctx context.Context, workflowID string) error {
	pipe := p.client.TxPipeline()
	pipe.Del(ctx, stateKey(workflowID))
	pipe.Del(ctx, historyKey(workflowID))
	pipe.SRem(ctx, workflowIDsKey, workflowID)

	if _, err := pipe.Exec(ctx); err != nil {
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

	added, err := p.client.HSetNX(ctx, checkpointsKey(checkpoint.TaskID), revisionField(checkpoint.Sequence), data).Result()
	if err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	if !added {
		return &persistence.CheckpointError{
			Op:       "AppendCheckpoint",
			TaskID:   checkpoint.TaskID,
			Sequence: checkpoint.Sequence,
			Err:      persistence.ErrRevisionConflict,
		}
	}

	return nil
}

// Checkpoints returns a task's checkpoints in ascending sequence order.
func (p *Persistence) Checkpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	fields, err := p.client.HGetAll(ctx, checkpointsKey(taskID)).Result()
	if err != nil {
		return nil, persistence.NewCheckpointError("Checkpoints", taskID, err)
	}

	checkpoints := make([]*models.Checkpoint, 0, len(fields))

	for field, data := range fields {
		var checkpoint models.Checkpoint
		if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
			p.logger.WarnContext(ctx, "Skipping undecodable checkpoint record",
				"task_id", taskID, "sequence", field, "error", err)

			continue
		}

		checkpoints = append(checkpoints, &checkpoint)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Sequence < checkpoints[j].Sequence
	})

	return checkpoints, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint, or
// ErrCheckpointNotFound.
func (p *Persistence) LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	checkpoints, err := p.Checkpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if len(checkpoints) == 0 {
		return nil, persistence.NewCheckpointError("LatestCheckpoint", taskID, persistence.ErrCheckpointNotFound)
	}

	return checkpoints[len(checkpoints)-1], nil
}

// PruneCheckpoints removes checkpoints captured before the cutoff while
// always retaining the newest keep entries.
func (p *Persistence) PruneCheckpoints(ctx context.Context, taskID string, keep int, olderThan time.Time) (int, error) {
	checkpoints, err := p.Checkpoints(ctx, taskID)
	if err != nil {
		return 0, err
	}

	if keep < 1 {
		keep = 1
	}

	var fields []string

	for i, checkpoint := range checkpoints {
		if i >= len(checkpoints)-keep {
			break
		}

		if checkpoint.CapturedAt.Before(olderThan) {
			fields = append(fields, revisionField(checkpoint.Sequence))
		}
	}

	if len(fields) == 0 {
		return 0, nil
	}

	if err := p.client.HDel(ctx, checkpointsKey(taskID), fields...).Err(); err != nil {
		return 0, persistence.NewCheckpointError("PruneCheckpoints", taskID, err)
	}

	return len(fields), nil
}

func outcomeField(category models.ErrorCategory, action string) string {
	return string(category) + "|" + action
}

// BumpOutcome records one application of a recovery action using atomic
// hash increments.
func (p *Persistence) BumpOutcome(ctx context.Context, category models.ErrorCategory, action string, success bool) error {
	field := outcomeField(category, action)

	pipe := p.client.TxPipeline()
	pipe.HIncrBy(ctx, outcomeAttemptsKey, field, 1)

	if success {
		pipe.HIncrBy(ctx, outcomeSuccessesKey, field, 1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record outcome for %s/%s: %w", category, action, err)
	}

	return nil
}

// OutcomeStats returns the aggregate for one (category, action) pair.
func (p *Persistence) OutcomeStats(ctx context.Context, category models.ErrorCategory, action string) (models.ActionStats, error) {
	stats := models.ActionStats{Category: category, Action: action}
	field := outcomeField(category, action)

	attempts, err := p.client.HGet(ctx, outcomeAttemptsKey, field).Int64()
	if err != nil && err != goredis.Nil {
		return stats, fmt.Errorf("failed to query outcome for %s/%s: %w", category, action, err)
	}

	successes, err := p.client.HGet(ctx, outcomeSuccessesKey, field).Int64()
	if err != nil && err != goredis.Nil {
		return stats, fmt.Errorf("failed to query outcome for %s/%s: %w", category, action, err)
	}

	stats.Attempts = attempts
	stats.Successes = successes

	return stats, nil
}

// AllOutcomes returns every recorded aggregate.
func (p *Persistence) AllOutcomes(ctx context.Context) ([]models.ActionStats, error) {
	attempts, err := p.client.HGetAll(ctx, outcomeAttemptsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}

	successes, err := p.client.HGetAll(ctx, outcomeSuccessesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}

	all := make([]models.ActionStats, 0, len(attempts))

	for field, rawAttempts := range attempts {
		category, action, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}

		stats := models.ActionStats{Category: models.ErrorCategory(category), Action: action}
		stats.Attempts, _ = strconv.ParseInt(rawAttempts, 10, 64)

		if rawSuccesses, ok := successes[field]; ok {
			stats.Successes, _ = strconv.ParseInt(rawSuccesses, 10, 64)
		}

		all = append(all, stats)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Category != all[j].Category {
			return all[i].Category < all[j].Category
		}

		return all[i].Action < all[j].Action
	})

	return all, nil
}
