// Package file provides file-based persistence for workflow state,
// checkpoints, and recovery-learning outcomes. Records are plain JSON files
// under a root directory, which keeps a run inspectable with nothing but cat.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Persistence implements persistence.Persistence on the local file system.
//
// Layout:
//
//	root/
//	  workflows/<workflow-id>/latest.json
//	  workflows/<workflow-id>/history/<revision>.json
//	  checkpoints/<task-id>/<sequence>.json
//	  learning/outcomes.json
type Persistence struct {
	root string

	// learningMu serializes read-modify-write cycles on outcomes.json.
	learningMu sync.Mutex
}

// NewPersistence creates a file persistence rooted at the given directory.
// A "file://" prefix is stripped so database URLs can be passed verbatim.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. For file persistence there is nothing
// to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists, creating it when absent.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return os.MkdirAll(p.root, dirPerm)
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) workflowDir(workflowID string) string {
	return filepath.Join(p.root, "workflows", workflowID)
}

func (p *Persistence) latestPath(workflowID string) string {
	return filepath.Join(p.workflowDir(workflowID), "latest.json")
}

func (p *Persistence) historyDir(workflowID string) string {
	return filepath.Join(p.workflowDir(workflowID), "history")
}

func (p *Persistence) checkpointDir(taskID string) string {
	return filepath.Join(p.root, "checkpoints", taskID)
}

func (p *Persistence) learningPath() string {
	return filepath.Join(p.root, "learning", "outcomes.json")
}

// PutLatest replaces the latest envelope. The write goes through a temp file
// and rename so a crash mid-write never leaves a truncated latest.json.
func (p *Persistence) PutLatest(_ context.Context, workflowID string, env *persistence.Envelope) error {
	if err := os.MkdirAll(p.workflowDir(workflowID), dirPerm); err != nil {
		return persistence.NewStateError("PutLatest", workflowID, err)
	}

	if err := writeJSONAtomic(p.latestPath(workflowID), env); err != nil {
		return persistence.NewStateError("PutLatest", workflowID, err)
	}

	return nil
}

// GetLatest returns the latest envelope, or ErrStateNotFound.
func (p *Persistence) GetLatest(_ context.Context, workflowID string) (*persistence.Envelope, error) {
	data, err := os.ReadFile(p.latestPath(workflowID))
	if os.IsNotExist(err) {
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

// AppendHistory writes the envelope as history/<revision>.json. An existing
// file for the revision is a conflict, never overwritten.
func (p *Persistence) AppendHistory(_ context.Context, workflowID string, env *persistence.Envelope) error {
	dir := p.historyDir(workflowID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%012d.json", env.Revision))
	if _, err := os.Stat(path); err == nil {
		return persistence.NewStateError("AppendHistory", workflowID, persistence.ErrRevisionConflict)
	}

	// Envelopes are written compact: the checksum covers the exact State
	// bytes, and indenting would rewrite them inside the raw message.
	data, err := json.Marshal(env)
	if err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return persistence.NewStateError("AppendHistory", workflowID, err)
	}

	return nil
}

// History returns the revision history, newest first. Files that no longer
// decode are skipped; checksum verification is the caller's concern.
func (p *Persistence) History(_ context.Context, workflowID string) ([]*persistence.Envelope, error) {
	dir := p.historyDir(workflowID)

	entries, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, persistence.NewStateError("History", workflowID, err)
	}

	envelopes := make([]*persistence.Envelope, 0, len(entries))

	for _, name := range entries {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		var env persistence.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
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
func (p *Persistence) ListWorkflows(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "workflows"))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("unable to list workflows: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// DeleteState removes the latest record and the full history.
func (p *Persistence) DeleteState(_ context.Context, workflowID string) error {
	if err := os.RemoveAll(p.workflowDir(workflowID)); err != nil {
		return persistence.NewStateError("DeleteState", workflowID, err)
	}

	return nil
}

// AppendCheckpoint stores a checkpoint as checkpoints/<task>/<sequence>.json.
func (p *Persistence) AppendCheckpoint(_ context.Context, checkpoint *models.Checkpoint) error {
	dir := p.checkpointDir(checkpoint.TaskID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%012d.json", checkpoint.Sequence))
	if _, err := os.Stat(path); err == nil {
		return &persistence.CheckpointError{
			Op:       "AppendCheckpoint",
			TaskID:   checkpoint.TaskID,
			Sequence: checkpoint.Sequence,
			Err:      persistence.ErrRevisionConflict,
		}
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return persistence.NewCheckpointError("AppendCheckpoint", checkpoint.TaskID, err)
	}

	return nil
}

// Checkpoints returns a task's checkpoints in ascending sequence order.
// Undecodable files are skipped.
func (p *Persistence) Checkpoints(_ context.Context, taskID string) ([]*models.Checkpoint, error) {
	dir := p.checkpointDir(taskID)

	entries, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, persistence.NewCheckpointError("Checkpoints", taskID, err)
	}

	checkpoints := make([]*models.Checkpoint, 0, len(entries))

	for _, name := range entries {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}

		var checkpoint models.Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
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

	removed := 0

	for i, checkpoint := range checkpoints {
		if i >= len(checkpoints)-keep {
			break
		}

		if !checkpoint.CapturedAt.Before(olderThan) {
			continue
		}

		path := filepath.Join(p.checkpointDir(taskID), fmt.Sprintf("%012d.json", checkpoint.Sequence))
		if err := os.Remove(path); err != nil {
			return removed, persistence.NewCheckpointError("PruneCheckpoints", taskID, err)
		}

		removed++
	}

	return removed, nil
}

type outcomeFile struct {
	Outcomes map[string]*models.ActionStats `json:"outcomes"`
}

func outcomeKey(category models.ErrorCategory, action string) string {
	return string(category) + "|" + action
}

// BumpOutcome records one application of a recovery action.
func (p *Persistence) BumpOutcome(_ context.Context, category models.ErrorCategory, action string, success bool) error {
	p.learningMu.Lock()
	defer p.learningMu.Unlock()

	outcomes, err := p.readOutcomes()
	if err != nil {
		return err
	}

	key := outcomeKey(category, action)

	stats, ok := outcomes.Outcomes[key]
	if !ok {
		stats = &models.ActionStats{Category: category, Action: action}
		outcomes.Outcomes[key] = stats
	}

	stats.Attempts++

	if success {
		stats.Successes++
	}

	if err := os.MkdirAll(filepath.Dir(p.learningPath()), dirPerm); err != nil {
		return fmt.Errorf("unable to record outcome: %w", err)
	}

	if err := writeJSONAtomic(p.learningPath(), outcomes); err != nil {
		return fmt.Errorf("unable to record outcome: %w", err)
	}

	return nil
}

// OutcomeStats returns the aggregate for one (category, action) pair.
func (p *Persistence) OutcomeStats(_ context.Context, category models.ErrorCategory, action string) (models.ActionStats, error) {
	p.learningMu.Lock()
	defer p.learningMu.Unlock()

	outcomes, err := p.readOutcomes()
	if err != nil {
		return models.ActionStats{}, err
	}

	if stats, ok := outcomes.Outcomes[outcomeKey(category, action)]; ok {
		return *stats, nil
	}

	return models.ActionStats{Category: category, Action: action}, nil
}

// AllOutcomes returns every recorded aggregate, ordered by category then
// action.
func (p *Persistence) AllOutcomes(_ context.Context) ([]models.ActionStats, error) {
	p.learningMu.Lock()
	defer p.learningMu.Unlock()

	outcomes, err := p.readOutcomes()
	if err != nil {
		return nil, err
	}

	all := make([]models.ActionStats, 0, len(outcomes.Outcomes))
	for _, stats := range outcomes.Outcomes {
		all = append(all, *stats)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Category != all[j].Category {
			return all[i].Category < all[j].Category
		}

		return all[i].Action < all[j].Action
	})

	return all, nil
}

func (p *Persistence) readOutcomes() (*outcomeFile, error) {
	outcomes := &outcomeFile{Outcomes: make(map[string]*models.ActionStats)}

	data, err := os.ReadFile(p.learningPath())
	if os.IsNotExist(err) {
		return outcomes, nil
	}

	if err != nil {
		return nil, fmt.Errorf("unable to read outcomes: %w", err)
	}

	if err := json.Unmarshal(data, outcomes); err != nil {
		return nil, fmt.Errorf("unable to decode outcomes: %w", err)
	}

	if outcomes.Outcomes == nil {
		outcomes.Outcomes = make(map[string]*models.ActionStats)
	}

	return outcomes, nil
}

// writeJSONAtomic writes JSON through a temp file and rename, so readers
// never observe a partial record. Output is compact, not indented: envelopes
// carry a checksum over the exact State bytes, and indenting would rewrite
// them inside the raw message.
func writeJSONAtomic(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), path)
}
