package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow state: a mutable latest row per workflow plus an
			-- append-only revision history. The serialized state is stored as
			-- TEXT: the checksum covers the exact stored bytes. Timestamps
			-- are unix nanoseconds to avoid driver time formatting quirks.
			CREATE TABLE workflow_states (
				workflow_id TEXT PRIMARY KEY,
				schema_version INTEGER NOT NULL,
				revision INTEGER NOT NULL,
				checksum TEXT NOT NULL,
				saved_at INTEGER NOT NULL,
				state TEXT NOT NULL
			);

			CREATE TABLE workflow_state_history (
				workflow_id TEXT NOT NULL,
				revision INTEGER NOT NULL,
				schema_version INTEGER NOT NULL,
				checksum TEXT NOT NULL,
				saved_at INTEGER NOT NULL,
				state TEXT NOT NULL,
				PRIMARY KEY (workflow_id, revision)
			);
		`,
		2: `
			-- Execution checkpoints and recovery-learning outcomes.
			CREATE TABLE checkpoints (
				task_id TEXT NOT NULL,
				seq INTEGER NOT NULL,
				workflow_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				captured_at INTEGER NOT NULL,
				checkpoint TEXT NOT NULL,
				PRIMARY KEY (task_id, seq)
			);

			CREATE INDEX idx_checkpoints_captured_at ON checkpoints(captured_at);

			CREATE TABLE recovery_outcomes (
				category TEXT NOT NULL,
				action TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				successes INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (category, action)
			);
		`,
	}
}
