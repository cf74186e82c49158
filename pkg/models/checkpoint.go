package models

import "time"

// Checkpoint is a point-in-time snapshot of a task's execution, small enough
// to capture frequently and complete enough to restart from. Context is an
// opaque blob owned by the executor; the kernel stores and verifies it but
// never interprets it.
type Checkpoint struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	WorkflowID string        `json:"workflow_id"`
	StepID     string        `json:"step_id"`
	Sequence   uint64        `json:"sequence"`
	Status     StepStatus    `json:"status"`
	Progress   float64       `json:"progress"`
	Context    []byte        `json:"context,omitempty"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
	Compressed bool          `json:"compressed"`
	Checksum   string        `json:"checksum"`
	CapturedAt time.Time     `json:"captured_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}

	cp := *c
	cp.Context = append([]byte(nil), c.Context...)
	cp.Artifacts = append([]ArtifactRef(nil), c.Artifacts...)

	return &cp
}
