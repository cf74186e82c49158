// Package persistence provides the data storage abstraction for workflow
// state, checkpoints, and recovery-learning outcomes.
package persistence

import (
	"context"
	"time"

	"github.com/drover-io/drover/pkg/models"
)

// StateStore stores revisioned workflow-state envelopes: a mutable latest
// record per workflow plus an append-only revision history used for
// corruption recovery.
type StateStore interface {
	// PutLatest replaces the latest envelope for a workflow.
	PutLatest(ctx context.Context, workflowID string, env *Envelope) error

	// GetLatest returns the latest envelope, or ErrStateNotFound.
	GetLatest(ctx context.Context, workflowID string) (*Envelope, error)

	// AppendHistory adds an envelope to the workflow's revision history.
	AppendHistory(ctx context.Context, workflowID string, env *Envelope) error

	// History returns the revision history, newest first.
	History(ctx context.Context, workflowID string) ([]*Envelope, error)

	// ListWorkflows returns the IDs of every stored workflow.
	ListWorkflows(ctx context.Context) ([]string, error)

	// DeleteState removes the latest record and the full history.
	DeleteState(ctx context.Context, workflowID string) error
}

// CheckpointStore stores execution checkpoints per task, ordered by their
// monotonic sequence number.
type CheckpointStore interface {
	// AppendCheckpoint stores a checkpoint.
	AppendCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error

	// Checkpoints returns a task's checkpoints in ascending sequence order.
	Checkpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error)

	// LatestCheckpoint returns the highest-sequence checkpoint, or
	// ErrCheckpointNotFound when the task has none.
	LatestCheckpoint(ctx context.Context, taskID string) (*models.Checkpoint, error)

	// PruneCheckpoints removes checkpoints captured before the cutoff while
	// always retaining the newest keep entries. It returns how many were
	// removed.
	PruneCheckpoints(ctx context.Context, taskID string, keep int, olderThan time.Time) (int, error)
}

// LearningStore accumulates recovery-action outcomes per error category so
// suggestion confidence can be re-ranked by what actually worked.
type LearningStore interface {
	// BumpOutcome records one application of a recovery action.
	BumpOutcome(ctx context.Context, category models.ErrorCategory, action string, success bool) error

	// OutcomeStats returns the aggregate for one (category, action) pair;
	// a pair never seen yields zero-valued stats, not an error.
	OutcomeStats(ctx context.Context, category models.ErrorCategory, action string) (models.ActionStats, error)

	// AllOutcomes returns every recorded aggregate.
	AllOutcomes(ctx context.Context) ([]models.ActionStats, error)
}

// Persistence is the full storage surface a backend implements.
type Persistence interface {
	StateStore
	CheckpointStore
	LearningStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
