package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drover-io/drover/pkg/mocks"
	"github.com/drover-io/drover/pkg/models"
	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/persistence/file"
	"github.com/drover-io/drover/pkg/resource"
)

// switchableSignal lets a test flip the reported resource level mid-run.
type switchableSignal struct {
	mu    sync.Mutex
	level resource.Level
}

func (s *switchableSignal) Sample(_ context.Context) (resource.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.level, nil
}

func (s *switchableSignal) set(level resource.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
}

func newTestManager(t *testing.T, signal resource.Signal, clock clockwork.Clock) (*Manager, *file.Persistence, string) {
	t.Helper()

	dir := t.TempDir()
	store := file.NewPersistence(dir)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	manager, err := NewManager(store, signal, nil, clock, logger)
	require.NoError(t, err)

	return manager, store, dir
}

func testSnapshot(taskID string, contextBlob []byte) Snapshot {
	return Snapshot{
		TaskID:     taskID,
		WorkflowID: "wf-build",
		StepID:     "implement",
		Status:     models.StepStatusRunning,
		Progress:   0.4,
		Context:    contextBlob,
	}
}

func TestCaptureAssignsMonotonicSequences(t *testing.T) {
	manager, _, _ := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clockwork.NewRealClock())
	ctx := context.Background()

	first, err := manager.Capture(ctx, testSnapshot("task-1", []byte("step one")))
	require.NoError(t, err)

	second, err := manager.Capture(ctx, testSnapshot("task-1", []byte("step two")))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.False(t, first.Compressed)
	assert.Equal(t, persistence.Checksum(first.Context), first.Checksum)
}

func TestCaptureSequenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store := file.NewPersistence(dir)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	manager, err := NewManager(store, resource.Static{Level: resource.LevelGenerous}, nil, clockwork.NewRealClock(), logger)
	require.NoError(t, err)

	_, err = manager.Capture(ctx, testSnapshot("task-1", []byte("before restart")))
	require.NoError(t, err)

	// A fresh manager over the same store must continue the sequence, not
	// restart it.
	reborn, err := NewManager(store, resource.Static{Level: resource.LevelGenerous}, nil, clockwork.NewRealClock(), logger)
	require.NoError(t, err)

	cp, err := reborn.Capture(ctx, testSnapshot("task-1", []byte("after restart")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cp.Sequence)
}

func TestCaptureCompressesUnderPressure(t *testing.T) {
	manager, _, _ := newTestManager(t, resource.Static{Level: resource.LevelConstrained}, clockwork.NewRealClock())
	ctx := context.Background()

	original := []byte(strings.Repeat("partial build output line\n", 200))

	cp, err := manager.Capture(ctx, testSnapshot("task-1", original))
	require.NoError(t, err)

	assert.True(t, cp.Compressed)
	assert.Less(t, len(cp.Context), len(original))
	assert.Equal(t, persistence.Checksum(cp.Context), cp.Checksum)

	restored, err := manager.Open(cp)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestCaptureEmptyContextStaysRaw(t *testing.T) {
	manager, _, _ := newTestManager(t, resource.Static{Level: resource.LevelCritical}, clockwork.NewRealClock())

	cp, err := manager.Capture(context.Background(), testSnapshot("task-1", nil))
	require.NoError(t, err)

	assert.False(t, cp.Compressed)
	assert.Empty(t, cp.Context)
}

func TestLatestSkipsCorruptCheckpoint(t *testing.T) {
	manager, _, dir := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clockwork.NewRealClock())
	ctx := context.Background()

	good, err := manager.Capture(ctx, testSnapshot("task-1", []byte("good state")))
	require.NoError(t, err)

	bad, err := manager.Capture(ctx, testSnapshot("task-1", []byte("newest state")))
	require.NoError(t, err)

	tamperCheckpoint(t, dir, bad)

	latest, err := manager.Latest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, good.Sequence, latest.Sequence)

	payload, err := manager.Open(latest)
	require.NoError(t, err)
	assert.Equal(t, []byte("good state"), payload)
}

func TestLatestWithOnlyCorruptCheckpoints(t *testing.T) {
	manager, _, dir := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clockwork.NewRealClock())
	ctx := context.Background()

	cp, err := manager.Capture(ctx, testSnapshot("task-1", []byte("doomed")))
	require.NoError(t, err)

	tamperCheckpoint(t, dir, cp)

	_, err = manager.Latest(ctx, "task-1")
	assert.True(t, persistence.IsCheckpointNotFound(err))
}

func TestOpenRejectsTamperedPayload(t *testing.T) {
	manager, _, _ := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clockwork.NewRealClock())

	cp, err := manager.Capture(context.Background(), testSnapshot("task-1", []byte("trusted")))
	require.NoError(t, err)

	cp.Context = []byte("tampered")

	_, err = manager.Open(cp)
	assert.True(t, persistence.IsChecksumMismatch(err))
}

func TestWatchCapturesOnCadenceAndRetunes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	signal := &switchableSignal{level: resource.LevelGenerous}
	manager, store, _ := newTestManager(t, signal, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- manager.Watch(ctx, "task-1", func(context.Context) (*Snapshot, error) {
			snap := testSnapshot("task-1", []byte("tick"))

			return &snap, nil
		})
	}()

	// First tick at the generous cadence.
	clock.BlockUntil(1)
	clock.Advance(intervalGenerous)

	require.Eventually(t, func() bool {
		cps, err := store.Checkpoints(ctx, "task-1")

		return err == nil && len(cps) == 1
	}, time.Second, 5*time.Millisecond)

	// Pressure rises; the loop retunes itself at the tick it just handled, so
	// the next capture arrives after the critical interval.
	signal.set(resource.LevelCritical)
	settle()
	clock.Advance(intervalGenerous)

	require.Eventually(t, func() bool {
		cps, err := store.Checkpoints(ctx, "task-1")

		return err == nil && len(cps) == 2
	}, time.Second, 5*time.Millisecond)

	// A critical-sized advance only fires if the cadence really retuned; the
	// old generous ticker would stay silent.
	settle()
	clock.Advance(intervalCritical)

	require.Eventually(t, func() bool {
		cps, err := store.Checkpoints(ctx, "task-1")

		return err == nil && len(cps) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchSurvivesCaptureFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager, store, _ := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls int
	)

	done := make(chan error, 1)

	go func() {
		done <- manager.Watch(ctx, "task-1", func(context.Context) (*Snapshot, error) {
			mu.Lock()
			defer mu.Unlock()

			calls++
			if calls == 1 {
				return nil, assert.AnError
			}

			snap := testSnapshot("task-1", []byte("recovered"))

			return &snap, nil
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(intervalGenerous)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return calls == 1
	}, time.Second, 5*time.Millisecond)

	settle()
	clock.Advance(intervalGenerous)

	require.Eventually(t, func() bool {
		cps, err := store.Checkpoints(ctx, "task-1")

		return err == nil && len(cps) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPruneKeepsNewestAndYoung(t *testing.T) {
	manager, store, _ := newTestManager(t, resource.Static{Level: resource.LevelGenerous}, clockwork.NewRealClock())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := manager.Capture(ctx, testSnapshot("task-1", []byte{byte(i)}))
		require.NoError(t, err)
	}

	// Everything is younger than an hour, so nothing qualifies for removal.
	removed, err := manager.Prune(ctx, "task-1", 2, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	// With a zero max age only the keep window protects entries.
	removed, err = manager.Prune(ctx, "task-1", 2, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	cps, err := store.Checkpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, uint64(4), cps[0].Sequence)
	assert.Equal(t, uint64(5), cps[1].Sequence)
}

func TestCaptureSurfacesStoreFailure(t *testing.T) {
	store := &mocks.MockPersistence{}
	store.On("LatestCheckpoint", mock.Anything, "task-1").
		Return(nil, &persistence.CheckpointError{Op: "LatestCheckpoint", TaskID: "task-1", Err: persistence.ErrCheckpointNotFound})
	store.On("AppendCheckpoint", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	manager, err := NewManager(store, resource.Static{Level: resource.LevelGenerous}, nil, clockwork.NewRealClock(), logger)
	require.NoError(t, err)

	_, err = manager.Capture(context.Background(), testSnapshot("task-1", []byte("doomed")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storing checkpoint")

	store.AssertExpectations(t)
}

func TestCaptureAssumesGenerousWhenSignalFails(t *testing.T) {
	signal := &mocks.MockSignal{}
	signal.On("Sample", mock.Anything).Return(nil, errors.New("sensors offline"))

	manager, _, _ := newTestManager(t, signal, clockwork.NewRealClock())

	cp, err := manager.Capture(context.Background(), testSnapshot("task-1", []byte(strings.Repeat("x", 4096))))
	require.NoError(t, err)

	// An unreadable signal must not force compression on the capture path.
	assert.False(t, cp.Compressed)

	signal.AssertExpectations(t)
}

// settle gives the watch goroutine time to re-arm its ticker after the most
// recent store-visible write before the fake clock advances again.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

// tamperCheckpoint flips the stored context bytes without fixing the checksum.
func tamperCheckpoint(t *testing.T, dir string, cp *models.Checkpoint) {
	t.Helper()

	path := filepath.Join(dir, "checkpoints", cp.TaskID, filepathSequence(cp.Sequence))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var stored models.Checkpoint

	require.NoError(t, json.Unmarshal(data, &stored))

	stored.Context = append([]byte("X"), stored.Context...)

	data, err = json.Marshal(&stored)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func filepathSequence(seq uint64) string {
	return fmt.Sprintf("%012d.json", seq)
}
