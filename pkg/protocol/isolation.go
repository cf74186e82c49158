package protocol

import "context"

// IsolationHandle is one isolated working copy, alive until released.
type IsolationHandle interface {
	// Path is the root directory the step should treat as its workspace.
	Path() string

	// Release returns the working copy to the provider. Safe to call once
	// per handle; the kernel releases after the step's final attempt.
	Release(ctx context.Context) error
}

// IsolationProvider hands out isolated working copies so parallel-group
// members never share a workspace. Internals (worktrees, overlay mounts,
// plain copies) are the provider's business.
type IsolationProvider interface {
	Acquire(ctx context.Context, taskID, stepID string) (IsolationHandle, error)
}
