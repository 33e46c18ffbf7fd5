package sqlite

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE durable_executions (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				version INTEGER NOT NULL,
				input BLOB,
				status TEXT NOT NULL CHECK (status IN ('running', 'suspended', 'completed', 'failed')),
				current_step_id TEXT NOT NULL DEFAULT '',
				current_step TEXT NOT NULL DEFAULT '',
				invocations INTEGER NOT NULL DEFAULT 0,
				result BLOB,
				error TEXT NOT NULL DEFAULT '',
				pending_callback_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP
			);

			CREATE INDEX idx_durable_executions_created_at ON durable_executions(created_at);

			CREATE TABLE durable_steps (
				execution_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				members BLOB,
				result BLOB,
				error BLOB,
				completed_at TIMESTAMP NOT NULL,
				PRIMARY KEY (execution_id, step_id)
			);

			CREATE TABLE durable_callbacks (
				callback_id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				name TEXT NOT NULL,
				state TEXT NOT NULL CHECK (state IN ('pending', 'succeeded', 'failed')),
				value BLOB,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				deadline TIMESTAMP,
				resolved_at TIMESTAMP,
				UNIQUE (execution_id, step_id)
			);
		`,
	}
}
