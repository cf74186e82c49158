package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow state: a mutable latest row per workflow plus an
			-- append-only revision history. The serialized state is stored as
			-- TEXT, not JSONB: the checksum covers the exact stored bytes and
			-- JSONB normalization would break verification.
			CREATE TABLE workflow_states (
				workflow_id VARCHAR(255) PRIMARY KEY,
				schema_version INT NOT NULL,
				revision BIGINT NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				saved_at TIMESTAMP WITH TIME ZONE NOT NULL,
				state TEXT NOT NULL
			);

			CREATE TABLE workflow_state_history (
				workflow_id VARCHAR(255) NOT NULL,
				revision BIGINT NOT NULL,
				schema_version INT NOT NULL,
				checksum VARCHAR(64) NOT NULL,
				saved_at TIMESTAMP WITH TIME ZONE NOT NULL,
				state TEXT NOT NULL,
				PRIMARY KEY (workflow_id, revision)
			);

			CREATE INDEX idx_workflow_state_history_saved_at ON workflow_state_history(saved_at);
		`,
		2: `
			-- Execution checkpoints and recovery-learning outcomes.
			CREATE TABLE checkpoints (
				task_id VARCHAR(255) NOT NULL,
				seq BIGINT NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				captured_at TIMESTAMP WITH TIME ZONE NOT NULL,
				checkpoint TEXT NOT NULL,
				PRIMARY KEY (task_id, seq)
			);

			CREATE INDEX idx_checkpoints_captured_at ON checkpoints(captured_at);

			CREATE TABLE recovery_outcomes (
				category VARCHAR(50) NOT NULL,
				action VARCHAR(255) NOT NULL,
				attempts BIGINT NOT NULL DEFAULT 0,
				successes BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (category, action)
			);
		`,
	}
}
