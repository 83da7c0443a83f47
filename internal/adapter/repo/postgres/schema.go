package postgres

import (
	"fmt"

	"github.com/oddish-run/oddish/internal/domain"
)

// schema is applied idempotently at startup. Statements are ordered so
// foreign-key targets exist before their referrers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS experiments (
		id           text PRIMARY KEY,
		name         text NOT NULL,
		org_id       text NOT NULL DEFAULT '',
		is_public    boolean NOT NULL DEFAULT false,
		public_token text NOT NULL DEFAULT '',
		created_at   timestamptz NOT NULL DEFAULT now(),
		UNIQUE (org_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id                  text PRIMARY KEY,
		name                text NOT NULL,
		org_id              text NOT NULL DEFAULT '',
		username            text NOT NULL DEFAULT '',
		priority            text NOT NULL DEFAULT 'low',
		status              text NOT NULL DEFAULT 'pending',
		task_path           text NOT NULL DEFAULT '',
		task_s3_key         text NOT NULL DEFAULT '',
		experiment_id       text REFERENCES experiments(id),
		tags                jsonb,
		run_analysis        boolean NOT NULL DEFAULT false,
		started_at          timestamptz,
		finished_at         timestamptz,
		verdict             jsonb,
		verdict_status      text,
		verdict_error       text NOT NULL DEFAULT '',
		verdict_started_at  timestamptz,
		verdict_finished_at timestamptz,
		created_at          timestamptz NOT NULL DEFAULT now(),
		updated_at          timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_experiment ON tasks (experiment_id)`,
	`CREATE TABLE IF NOT EXISTS trials (
		id                   text PRIMARY KEY,
		name                 text NOT NULL,
		task_id              text NOT NULL REFERENCES tasks(id),
		org_id               text NOT NULL DEFAULT '',
		agent                text NOT NULL,
		model                text NOT NULL DEFAULT '',
		queue_key            text NOT NULL,
		provider             text NOT NULL DEFAULT 'default',
		environment          text NOT NULL DEFAULT '',
		sandbox_config       jsonb,
		status               text NOT NULL DEFAULT 'queued',
		attempts             int NOT NULL DEFAULT 0,
		max_attempts         int NOT NULL DEFAULT 6,
		harbor_stage         text NOT NULL DEFAULT '',
		idem_token           text NOT NULL DEFAULT '',
		reward               int,
		error                text NOT NULL DEFAULT '',
		result_path          text NOT NULL DEFAULT '',
		trial_s3_key         text NOT NULL DEFAULT '',
		input_tokens         bigint,
		cache_tokens         bigint,
		output_tokens        bigint,
		cost_usd             double precision,
		phase_timing         jsonb,
		has_trajectory       boolean NOT NULL DEFAULT false,
		analysis             jsonb,
		analysis_status      text,
		analysis_error       text NOT NULL DEFAULT '',
		analysis_started_at  timestamptz,
		analysis_finished_at timestamptz,
		started_at           timestamptz,
		finished_at          timestamptz,
		created_at           timestamptz NOT NULL DEFAULT now(),
		updated_at           timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trials_task ON trials (task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trials_task_status ON trials (task_id, status)`,
	`CREATE TABLE IF NOT EXISTS jobq (
		id         bigserial PRIMARY KEY,
		priority   int NOT NULL DEFAULT 0,
		entrypoint text NOT NULL,
		payload    bytea NOT NULL,
		status     text NOT NULL DEFAULT 'queued',
		error      text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobq_status_entrypoint ON jobq (status, entrypoint)`,
	`CREATE TABLE IF NOT EXISTS jobq_log (
		job_id     bigint NOT NULL,
		status     text NOT NULL,
		entrypoint text NOT NULL,
		priority   int NOT NULL DEFAULT 0,
		at         timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobq_log_job ON jobq_log (job_id)`,
	`CREATE TABLE IF NOT EXISTS slots (
		queue_key    text NOT NULL,
		slot         int NOT NULL,
		locked_by    text,
		locked_until timestamptz,
		PRIMARY KEY (queue_key, slot)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_key_until ON slots (queue_key, locked_until)`,
}

// EnsureSchema creates all tables and indexes if they do not exist.
func EnsureSchema(ctx domain.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.ensure_schema: %w", err)
		}
	}
	return nil
}
