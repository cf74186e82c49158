package state

import (
	"errors"
	"fmt"

	"github.com/drover-io/drover/pkg/persistence"
)

var (
	// ErrNotFound indicates no state has ever been persisted for the
	// workflow. Distinct from corruption: callers start fresh.
	ErrNotFound = errors.New("workflow state not found")

	// ErrAlreadyExists indicates Initialize was called for a workflow that
	// already has persisted state.
	ErrAlreadyExists = errors.New("workflow state already exists")

	// ErrCorruptState indicates the latest record failed verification and
	// no history entry could be recovered either.
	ErrCorruptState = errors.New("workflow state corrupt and unrecoverable")

	// ErrSchemaVersion indicates a stored schema version this build cannot
	// handle (newer than current, or pre-versioning).
	ErrSchemaVersion = errors.New("unsupported state schema version")

	// ErrPersist wraps failures on the write path.
	ErrPersist = errors.New("state persist failed")

	// ErrLoad wraps failures on the read path that are not corruption.
	ErrLoad = errors.New("state load failed")
)

// ManagerError wraps state-manager errors with the operation and workflow
// they occurred in.
type ManagerError struct {
	Op         string
	WorkflowID string
	Revision   uint64
	Err        error
}

func (e *ManagerError) Error() string {
	if e.Revision > 0 {
		return fmt.Sprintf("%s failed for workflow %s at revision %d: %v", e.Op, e.WorkflowID, e.Revision, e.Err)
	}

	return fmt.Sprintf("%s failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}

func (e *ManagerError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newManagerError(op, workflowID string, err error) *ManagerError {
	return &ManagerError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// IsNotFound checks if an error means the workflow has no stored state.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || persistence.IsStateNotFound(err)
}

// IsCorruptState checks if an error means every stored record failed
// verification.
func IsCorruptState(err error) bool {
	return errors.Is(err, ErrCorruptState)
}

// IsSchemaVersion checks if an error means the stored schema version cannot
// be migrated by this build.
func IsSchemaVersion(err error) bool {
	return errors.Is(err, ErrSchemaVersion)
}
