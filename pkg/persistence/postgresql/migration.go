package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'published')),
				version INTEGER NOT NULL DEFAULT 0,
				flow_data JSONB NOT NULL,
				created_by TEXT NOT NULL DEFAULT '',
				execution_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				last_executed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flows_org_status ON flows(org_id, status);

			CREATE TABLE trigger_registrations (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				org_id TEXT NOT NULL,
				platform VARCHAR(50) NOT NULL DEFAULT '',
				trigger_type VARCHAR(100) NOT NULL,
				filters JSONB NOT NULL,
				start_node_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('active', 'inactive')),
				registered_at TIMESTAMP WITH TIME ZONE NOT NULL,
				last_triggered_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_trigger_registrations_match ON trigger_registrations(org_id, trigger_type, status);
			CREATE INDEX idx_trigger_registrations_flow ON trigger_registrations(flow_id);
		`,
		2: `
			CREATE TABLE scheduled_jobs (
				id TEXT PRIMARY KEY,
				org_id TEXT NOT NULL,
				flow_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL DEFAULT '',
				start_node_id TEXT NOT NULL DEFAULT '',
				trigger_type VARCHAR(100) NOT NULL DEFAULT '',
				trigger_data JSONB,
				message_config JSONB,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				executed_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				cancelled_at TIMESTAMP WITH TIME ZONE,
				cancel_reason TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_scheduled_jobs_status_fire_at ON scheduled_jobs(status, fire_at);
			CREATE INDEX idx_scheduled_jobs_org_flow ON scheduled_jobs(org_id, flow_id);
			CREATE INDEX idx_scheduled_jobs_org_conversation ON scheduled_jobs(org_id, conversation_id);

			CREATE TABLE execution_records (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				org_id TEXT NOT NULL,
				trigger_type VARCHAR(100) NOT NULL DEFAULT '',
				trigger_data JSONB,
				variables JSONB,
				logs JSONB NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('running', 'success', 'failed')),
				error JSONB,
				scheduled_job_id TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				duration_ms BIGINT NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_execution_records_flow ON execution_records(org_id, flow_id, created_at DESC);
		`,
	}
}
