// Package resume turns stored checkpoints back into something a task can
// continue from. A resume plan is only handed out after the checkpoint payload
// and every artifact it references have been revalidated; a checkpoint that
// fails validation is skipped in favor of the next-newest one rather than
// resurrected.
package resume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

var (
	// ErrNoCheckpoint means the task has nothing to resume from; callers
	// start fresh.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")

	// ErrCorruptCheckpoint means a checkpoint payload failed its checksum or
	// could not be decompressed.
	ErrCorruptCheckpoint = errors.New("checkpoint payload corrupt")

	// ErrMissingArtifact means an artifact a checkpoint depends on is gone or
	// no longer matches its recorded hash.
	ErrMissingArtifact = errors.New("checkpoint artifact missing or altered")
)

// ArtifactError identifies which artifact of which checkpoint failed
// revalidation.
type ArtifactError struct {
	TaskID   string
	Sequence uint64
	Artifact models.ArtifactRef
	Err      error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("resume task %s checkpoint %d: artifact %q (%s): %s",
		e.TaskID, e.Sequence, e.Artifact.Name, e.Artifact.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}

// CheckpointSource is the slice of the checkpoint manager the handler needs:
// the stored inventory plus verified payload access.
type CheckpointSource interface {
	List(ctx context.Context, taskID string) ([]*models.Checkpoint, error)
	Open(cp *models.Checkpoint) ([]byte, error)
}

// Plan is a validated restart point.
type Plan struct {
	Checkpoint  *models.Checkpoint
	Step        string
	Context     []byte
	Revalidated []models.ArtifactRef
}

// Handler prepares resume plans from stored checkpoints.
type Handler struct {
	checkpoints CheckpointSource
	logger      *slog.Logger
}

func NewHandler(checkpoints CheckpointSource, logger *slog.Logger) *Handler {
	return &Handler{
		checkpoints: checkpoints,
		logger:      logger.With("module", "resume"),
	}
}

// CanResume reports whether the task has at least one checkpoint that yields
// a valid plan, with a human-readable reason when it does not.
func (h *Handler) CanResume(ctx context.Context, taskID string) (bool, string) {
	plan, err := h.Prepare(ctx, taskID)

	switch {
	case err == nil:
		return true, fmt.Sprintf("checkpoint %d at step %s", plan.Checkpoint.Sequence, plan.Step)
	case errors.Is(err, ErrNoCheckpoint):
		return false, "no checkpoints recorded"
	default:
		return false, err.Error()
	}
}

// Prepare walks the task's checkpoints newest-first and returns a plan from
// the first one that survives full validation: payload checksum, decompression,
// and a fresh hash of every referenced artifact. Resume is monotonic; an older
// checkpoint is only chosen when every newer one is invalid.
func (h *Handler) Prepare(ctx context.Context, taskID string) (*Plan, error) {
	cps, err := h.checkpoints.List(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints for task %s: %w", taskID, err)
	}

	if len(cps) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNoCheckpoint)
	}

	var lastErr error

	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]

		plan, err := h.validate(ctx, cp)
		if err != nil {
			h.logger.WarnContext(ctx, "Checkpoint failed resume validation",
				"task_id", taskID,
				"sequence", cp.Sequence,
				"error", err)

			lastErr = err

			continue
		}

		if i < len(cps)-1 {
			h.logger.InfoContext(ctx, "Resuming from older checkpoint after newer ones failed validation",
				"task_id", taskID,
				"sequence", cp.Sequence,
				"newest_sequence", cps[len(cps)-1].Sequence)
		}

		return plan, nil
	}

	return nil, fmt.Errorf("task %s: no checkpoint survived validation: %w", taskID, lastErr)
}

func (h *Handler) validate(ctx context.Context, cp *models.Checkpoint) (*Plan, error) {
	payload, err := h.checkpoints.Open(cp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}

	revalidated := make([]models.ArtifactRef, 0, len(cp.Artifacts))

	for _, artifact := range cp.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := verifyArtifact(artifact); err != nil {
			return nil, &ArtifactError{
				TaskID:   cp.TaskID,
				Sequence: cp.Sequence,
				Artifact: artifact,
				Err:      err,
			}
		}

		revalidated = append(revalidated, artifact)
	}

	return &Plan{
		Checkpoint:  cp,
		Step:        cp.StepID,
		Context:     payload,
		Revalidated: revalidated,
	}, nil
}

func verifyArtifact(artifact models.ArtifactRef) error {
	f, err := os.Open(artifact.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMissingArtifact
		}

		return fmt.Errorf("%w: %v", ErrMissingArtifact, err)
	}
	defer f.Close()

	hasher := sha256.New()

	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("%w: hashing: %v", ErrMissingArtifact, err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); sum != artifact.SHA256 {
		return fmt.Errorf("%w: content hash changed", ErrMissingArtifact)
	}

	return nil
}

// IsNoCheckpoint reports whether err means the task has no checkpoints at all.
func IsNoCheckpoint(err error) bool {
	return errors.Is(err, ErrNoCheckpoint)
}

// IsCorruptCheckpoint reports whether err came from payload validation.
func IsCorruptCheckpoint(err error) bool {
	return errors.Is(err, ErrCorruptCheckpoint) || errors.Is(err, persistence.ErrChecksumMismatch)
}
