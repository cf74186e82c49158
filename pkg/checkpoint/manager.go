// Package checkpoint captures periodic restart points for running tasks. How
// aggressively it captures follows the host's resource pressure: a constrained
// machine is more likely to lose the process, so it checkpoints more often and
// compresses what it stores.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zstd"

	"github.com/drover-io/drover/pkg/eventbus"
	"github.com/drover-io/drover/pkg/events"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/resource"
)

const (
	intervalGenerous    = 3 * time.Minute
	intervalConstrained = 90 * time.Second
	intervalCritical    = 30 * time.Second
)

// Snapshot is the raw material for one checkpoint, produced by the executor
// side. Context stays opaque to the kernel.
type Snapshot struct {
	TaskID     string
	WorkflowID string
	StepID     string
	Status     models.StepStatus
	Progress   float64
	Context    []byte
	Artifacts  []models.ArtifactRef
}

// CaptureFunc produces the snapshot for a tick of Watch. Returning a nil
// snapshot with a nil error skips the tick.
type CaptureFunc func(ctx context.Context) (*Snapshot, error)

// Manager assigns sequence numbers, compresses and checksums checkpoint
// payloads, and drives the resource-tuned capture loop.
type Manager struct {
	persistence persistence.CheckpointStore
	signal      resource.Signal
	eventBus    eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder

	mu        sync.Mutex
	sequences map[string]uint64
}

// NewManager creates a checkpoint manager. The event bus may be nil when no
// one listens for capture events.
func NewManager(
	store persistence.CheckpointStore,
	signal resource.Signal,
	eventBus eventbus.EventPublisher,
	clock clockwork.Clock,
	logger *slog.Logger,
) (*Manager, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Manager{
		persistence: store,
		signal:      signal,
		eventBus:    eventBus,
		clock:       clock,
		logger:      logger.With("module", "checkpoint"),
		encoder:     encoder,
		decoder:     decoder,
		sequences:   make(map[string]uint64),
	}, nil
}

// Capture stores one checkpoint for the snapshot's task: next monotonic
// sequence, compression per the current resource level, checksum over the
// stored payload bytes. The write itself is a short critical section and is
// not interrupted by caller cancellation.
func (m *Manager) Capture(ctx context.Context, snap Snapshot) (*models.Checkpoint, error) {
	if snap.TaskID == "" {
		return nil, fmt.Errorf("capture: task id is required")
	}

	writeCtx := context.WithoutCancel(ctx)

	sequence, err := m.nextSequence(writeCtx, snap.TaskID)
	if err != nil {
		return nil, fmt.Errorf("assigning checkpoint sequence for task %s: %w", snap.TaskID, err)
	}

	level := m.sampleLevel(ctx)

	payload := append([]byte(nil), snap.Context...)
	compressed := false

	if level.AtLeast(resource.LevelConstrained) && len(payload) > 0 {
		payload = m.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		compressed = true
	}

	cp := &models.Checkpoint{
		ID:         uuid.New().String(),
		TaskID:     snap.TaskID,
		WorkflowID: snap.WorkflowID,
		StepID:     snap.StepID,
		Sequence:   sequence,
		Status:     snap.Status,
		Progress:   snap.Progress,
		Context:    payload,
		Artifacts:  append([]models.ArtifactRef(nil), snap.Artifacts...),
		Compressed: compressed,
		Checksum:   persistence.Checksum(payload),
		CapturedAt: m.clock.Now().UTC(),
	}

	if err := m.persistence.AppendCheckpoint(writeCtx, cp); err != nil {
		return nil, fmt.Errorf("storing checkpoint %d for task %s: %w", sequence, snap.TaskID, err)
	}

	m.logger.DebugContext(ctx, "Captured checkpoint",
		"task_id", snap.TaskID,
		"step_id", snap.StepID,
		"sequence", sequence,
		"compressed", compressed,
		"size_bytes", len(payload))

	m.publishCaptured(ctx, cp)

	return cp, nil
}

// Watch captures through fn on a resource-tuned cadence until the context is
// done. Capture failures log and keep the loop alive.
func (m *Manager) Watch(ctx context.Context, taskID string, fn CaptureFunc) error {
	level := m.sampleLevel(ctx)
	interval := intervalFor(level)
	ticker := m.clock.NewTicker(interval)

	defer ticker.Stop()

	m.logger.InfoContext(ctx, "Watching task for checkpoints",
		"task_id", taskID, "level", level, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.captureTick(ctx, taskID, fn)

			if next := intervalFor(m.sampleLevel(ctx)); next != interval {
				interval = next
				ticker.Reset(next)

				m.logger.InfoContext(ctx, "Retuned checkpoint cadence",
					"task_id", taskID, "interval", next)
			}
		}
	}
}

func (m *Manager) captureTick(ctx context.Context, taskID string, fn CaptureFunc) {
	snap, err := fn(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Checkpoint snapshot callback failed",
			"task_id", taskID, "error", err)

		return
	}

	if snap == nil {
		return
	}

	if _, err := m.Capture(ctx, *snap); err != nil {
		m.logger.ErrorContext(ctx, "Checkpoint capture failed",
			"task_id", taskID, "error", err)
	}
}

// Latest returns the newest checkpoint whose payload still matches its
// checksum. Corrupt entries are skipped with a warning, never returned.
func (m *Manager) Latest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	cps, err := m.persistence.Checkpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}

	for i := len(cps) - 1; i >= 0; i-- {
		cp := cps[i]

		if err := m.verify(cp); err != nil {
			m.logger.WarnContext(ctx, "Skipping corrupt checkpoint",
				"task_id", taskID, "sequence", cp.Sequence, "error", err)

			continue
		}

		return cp, nil
	}

	return nil, &persistence.CheckpointError{Op: "Latest", TaskID: taskID, Err: persistence.ErrCheckpointNotFound}
}

// List returns the task's stored checkpoints in ascending sequence order,
// including corrupt ones; use Open to validate a payload before trusting it.
func (m *Manager) List(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	return m.persistence.Checkpoints(ctx, taskID)
}

// Open verifies the checkpoint's payload against its checksum and returns the
// context bytes, decompressed when the checkpoint was stored compressed.
func (m *Manager) Open(cp *models.Checkpoint) ([]byte, error) {
	if err := m.verify(cp); err != nil {
		return nil, err
	}

	if !cp.Compressed {
		return append([]byte(nil), cp.Context...), nil
	}

	out, err := m.decoder.DecodeAll(cp.Context, nil)
	if err != nil {
		return nil, &persistence.CheckpointError{
			Op:       "Open",
			TaskID:   cp.TaskID,
			Sequence: cp.Sequence,
			Err:      fmt.Errorf("%w: %v", persistence.ErrCorruptRecord, err),
		}
	}

	return out, nil
}

// Prune removes checkpoints older than maxAge while always retaining the
// newest keep entries, and at least one so a resume target survives.
func (m *Manager) Prune(ctx context.Context, taskID string, keep int, maxAge time.Duration) (int, error) {
	if keep < 1 {
		keep = 1
	}

	cutoff := m.clock.Now().UTC().Add(-maxAge)

	removed, err := m.persistence.PruneCheckpoints(ctx, taskID, keep, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning checkpoints for task %s: %w", taskID, err)
	}

	if removed > 0 {
		m.logger.InfoContext(ctx, "Pruned checkpoints",
			"task_id", taskID, "removed", removed, "keep", keep)
	}

	return removed, nil
}

func (m *Manager) verify(cp *models.Checkpoint) error {
	if persistence.Checksum(cp.Context) == cp.Checksum {
		return nil
	}

	return &persistence.CheckpointError{
		Op:       "verify",
		TaskID:   cp.TaskID,
		Sequence: cp.Sequence,
		Err:      persistence.ErrChecksumMismatch,
	}
}

func (m *Manager) nextSequence(ctx context.Context, taskID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.sequences[taskID]
	if !ok {
		cp, err := m.persistence.LatestCheckpoint(ctx, taskID)

		switch {
		case err == nil:
			last = cp.Sequence
		case persistence.IsCheckpointNotFound(err):
			last = 0
		default:
			return 0, err
		}
	}

	next := last + 1
	m.sequences[taskID] = next

	return next, nil
}

func (m *Manager) sampleLevel(ctx context.Context) resource.Level {
	level, err := m.signal.Sample(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Resource sampling failed, assuming generous",
			"error", err)

		return resource.LevelGenerous
	}

	return level
}

func (m *Manager) publishCaptured(ctx context.Context, cp *models.Checkpoint) {
	if m.eventBus == nil {
		return
	}

	event := events.CheckpointCaptured{
		BaseEvent:  events.NewBaseEvent(events.CheckpointCapturedEvent, cp.WorkflowID),
		StepID:     cp.StepID,
		Sequence:   cp.Sequence,
		Compressed: cp.Compressed,
		SizeBytes:  len(cp.Context),
	}
	event.TaskID = cp.TaskID

	if err := m.eventBus.Publish(ctx, cp.WorkflowID, event); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish checkpoint event",
			"task_id", cp.TaskID, "sequence", cp.Sequence, "error", err)
	}
}

func intervalFor(level resource.Level) time.Duration {
	switch level {
	case resource.LevelCritical:
		return intervalCritical
	case resource.LevelConstrained:
		return intervalConstrained
	default:
		return intervalGenerous
	}
}
