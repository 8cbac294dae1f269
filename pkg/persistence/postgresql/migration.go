package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create workflow_definitions table
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				trigger_type VARCHAR(100) NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT false,
				nodes JSONB NOT NULL DEFAULT '[]',
				edges JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_definitions_active ON workflow_definitions(is_active, trigger_type);

			-- Create workflow_executions table
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				patient_id VARCHAR(255),
				appointment_id VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				current_node_id VARCHAR(255),
				current_step_index INTEGER NOT NULL DEFAULT 0,
				total_steps INTEGER NOT NULL DEFAULT 0,
				active_nodes TEXT[] NOT NULL DEFAULT '{}',
				failed_branches INTEGER NOT NULL DEFAULT 0,
				log JSONB NOT NULL DEFAULT '[]',
				error_message TEXT,
				context JSONB NOT NULL DEFAULT '{}',
				version INTEGER NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_patient_id ON workflow_executions(patient_id);
		`,
		2: `
			-- Create queue_jobs table
			CREATE TABLE queue_jobs (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				execution_id VARCHAR(255) NOT NULL,
				context JSONB NOT NULL DEFAULT '{}',
				resume_node_id VARCHAR(255) NOT NULL,
				from_node_id VARCHAR(255) NOT NULL DEFAULT '',
				scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('queued', 'claimed', 'done', 'failed', 'cancelled')),
				attempt_count INTEGER NOT NULL DEFAULT 0,
				deliveries INTEGER NOT NULL DEFAULT 0,
				max_deliveries INTEGER NOT NULL DEFAULT 0,
				priority INTEGER NOT NULL DEFAULT 1,
				lock_owner VARCHAR(255) NOT NULL DEFAULT '',
				lock_expires_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT NOT NULL DEFAULT '',
				tags TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_queue_jobs_due ON queue_jobs(status, scheduled_for);
			CREATE INDEX idx_queue_jobs_lease ON queue_jobs(status, lock_expires_at);
			CREATE INDEX idx_queue_jobs_execution_id ON queue_jobs(execution_id);

			-- Create join_states table
			CREATE TABLE join_states (
				execution_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				in_degree INTEGER NOT NULL,
				arrived TEXT[] NOT NULL DEFAULT '{}',
				pruned TEXT[] NOT NULL DEFAULT '{}',
				fired BOOLEAN NOT NULL DEFAULT false,
				PRIMARY KEY (execution_id, node_id)
			);
		`,
	}
}
