package postgres

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				retention_policy TEXT NOT NULL DEFAULT 'retain_all',
				allow_support_access BOOLEAN NOT NULL DEFAULT FALSE,
				run_timeout_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id),
				name TEXT NOT NULL,
				triggers JSONB NOT NULL DEFAULT '[]',
				jobs JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS dataclips (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id),
				type TEXT NOT NULL,
				body JSONB,
				request JSONB,
				wiped_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_dataclips_project_unwiped
				ON dataclips (project_id) WHERE wiped_at IS NULL;

			CREATE TABLE IF NOT EXISTS credentials (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL,
				body JSONB NOT NULL DEFAULT '{}',
				body_schema TEXT NOT NULL DEFAULT '',
				project_ids JSONB NOT NULL DEFAULT '[]',
				token_endpoint TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS work_orders (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL REFERENCES workflows(id),
				trigger_id TEXT,
				input_dataclip_id TEXT REFERENCES dataclips(id),
				state TEXT NOT NULL DEFAULT 'pending',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				work_order_id TEXT NOT NULL REFERENCES work_orders(id),
				starting_node_id TEXT NOT NULL,
				input_dataclip_id TEXT REFERENCES dataclips(id),
				state TEXT NOT NULL DEFAULT 'available',
				claimed_at TIMESTAMP WITH TIME ZONE,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				exit_reason TEXT,
				error_type TEXT,
				error_message TEXT,
				options JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_runs_available
				ON runs (created_at) WHERE state = 'available';

			CREATE INDEX IF NOT EXISTS idx_runs_work_order ON runs (work_order_id);

			CREATE TABLE IF NOT EXISTS steps (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				credential_id TEXT,
				input_dataclip_id TEXT REFERENCES dataclips(id),
				output_dataclip_id TEXT REFERENCES dataclips(id),
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				exit_reason TEXT,
				error_type TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS run_steps (
				run_id TEXT NOT NULL REFERENCES runs(id),
				step_id TEXT NOT NULL REFERENCES steps(id),
				inserted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (run_id, step_id)
			);

			CREATE TABLE IF NOT EXISTS log_lines (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL REFERENCES runs(id),
				step_id TEXT,
				level TEXT NOT NULL DEFAULT 'info',
				source TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL,
				timestamp TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_log_lines_run ON log_lines (run_id, timestamp);
		`,
	}
}
