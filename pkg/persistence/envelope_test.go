package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_ChecksumCoversStateBytes(t *testing.T) {
	state := []byte(`{"workflow_id":"task-1","revision":4}`)
	env := NewEnvelope(3, 4, time.Now(), state)

	assert.Equal(t, Checksum(state), env.Checksum)
	require.NoError(t, env.Verify())
}

func TestEnvelope_Verify_DetectsTampering(t *testing.T) {
	env := NewEnvelope(3, 1, time.Now(), []byte(`{"workflow_id":"task-1"}`))
	env.State = []byte(`{"workflow_id":"task-2"}`)

	err := env.Verify()

	require.Error(t, err)
	assert.True(t, IsChecksumMismatch(err))
}

func TestEnvelope_Clone_IsDeep(t *testing.T) {
	env := NewEnvelope(3, 1, time.Now(), []byte(`{"a":1}`))
	clone := env.Clone()

	clone.State[1] = 'b'

	require.NoError(t, env.Verify())
	assert.Error(t, clone.Verify())
}

func TestStateError_WrapsSentinel(t *testing.T) {
	err := NewStateError("GetLatest", "task-1", ErrStateNotFound)

	assert.True(t, IsStateNotFound(err))
	assert.Contains(t, err.Error(), "GetLatest")
	assert.Contains(t, err.Error(), "task-1")
}

func TestCheckpointError_IncludesSequence(t *testing.T) {
	err := &CheckpointError{Op: "AppendCheckpoint", TaskID: "task-1", Sequence: 7, Err: ErrRevisionConflict}

	assert.Contains(t, err.Error(), "checkpoint 7")
	assert.ErrorIs(t, err, ErrRevisionConflict)
}
