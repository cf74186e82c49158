package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all backends use.
var (
	// ErrStateNotFound indicates no state is stored for the given workflow.
	ErrStateNotFound = errors.New("workflow state not found")

	// ErrCheckpointNotFound indicates the task has no stored checkpoint.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrChecksumMismatch indicates a stored record failed integrity
	// verification.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptRecord indicates a stored record no longer decodes, e.g.
	// after a torn write. Distinct from I/O failures so callers can fall
	// back to history instead of surfacing.
	ErrCorruptRecord = errors.New("stored record undecodable")

	// ErrRevisionConflict indicates a history append collided with an
	// existing revision.
	ErrRevisionConflict = errors.New("revision conflict")
)

// StateError wraps state-store errors with operation context.
type StateError struct {
	Op         string // Operation being performed (e.g., "GetLatest", "PutLatest")
	WorkflowID string
	Err        error
	Message    string // Additional context message
}

func (e *StateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s failed for workflow %s: %s (%v)", e.Op, e.WorkflowID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for state-store errors.
func (e *StateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStateError creates a new state-store error with context.
func NewStateError(op, workflowID string, err error) *StateError {
	return &StateError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// CheckpointError wraps checkpoint-store errors with operation context.
type CheckpointError struct {
	Op       string
	TaskID   string
	Sequence uint64
	Err      error
}

func (e *CheckpointError) Error() string {
	if e.Sequence > 0 {
		return fmt.Sprintf("%s failed for task %s checkpoint %d: %v", e.Op, e.TaskID, e.Sequence, e.Err)
	}

	return fmt.Sprintf("%s failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

func (e *CheckpointError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewCheckpointError creates a new checkpoint-store error with context.
func NewCheckpointError(op, taskID string, err error) *CheckpointError {
	return &CheckpointError{
		Op:     op,
		TaskID: taskID,
		Err:    err,
	}
}

// IsStateNotFound checks if an error indicates missing workflow state.
func IsStateNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound)
}

// IsCheckpointNotFound checks if an error indicates a missing checkpoint.
func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}

// IsChecksumMismatch checks if an error indicates failed integrity
// verification.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, ErrChecksumMismatch)
}

// IsCorruptRecord checks if an error indicates an undecodable stored record.
func IsCorruptRecord(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}
