package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE durable_executions (
				id TEXT PRIMARY KEY,
				workflow TEXT NOT NULL,
				version INTEGER NOT NULL,
				input BYTEA,
				status TEXT NOT NULL CHECK (status IN ('running', 'suspended', 'completed', 'failed')),
				current_step_id TEXT NOT NULL DEFAULT '',
				current_step TEXT NOT NULL DEFAULT '',
				invocations INTEGER NOT NULL DEFAULT 0,
				result BYTEA,
				error TEXT NOT NULL DEFAULT '',
				pending_callback_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_durable_executions_created_at ON durable_executions(created_at);
			CREATE INDEX idx_durable_executions_status ON durable_executions(status);

			CREATE TABLE durable_steps (
				execution_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				members BYTEA,
				result BYTEA,
				error BYTEA,
				completed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (execution_id, step_id)
			);

			CREATE TABLE durable_callbacks (
				callback_id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				step_id TEXT NOT NULL,
				name TEXT NOT NULL,
				state TEXT NOT NULL CHECK (state IN ('pending', 'succeeded', 'failed')),
				value BYTEA,
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deadline TIMESTAMP WITH TIME ZONE,
				resolved_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (execution_id, step_id)
			);
		`,
	}
}
