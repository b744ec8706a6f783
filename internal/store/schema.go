package store

import (
	"context"

	"github.com/strandkit/strand/pkg/errors"
)

// schemaStatements is the full schema, valid in both SQLite and
// PostgreSQL. TEXT/INTEGER column types and partial unique indexes are
// portable across the two; timestamps are stored as RFC3339Nano text.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS core_executions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		lane TEXT NOT NULL DEFAULT 'default',
		priority TEXT NOT NULL DEFAULT 'normal',
		params TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error TEXT,
		error_category TEXT,
		idempotency_key TEXT,
		parent_execution_id TEXT,
		retry_of_execution_id TEXT,
		correlation_id TEXT,
		batch_id TEXT,
		trigger_source TEXT NOT NULL DEFAULT 'api',
		attempt INTEGER NOT NULL DEFAULT 1,
		max_retries INTEGER NOT NULL DEFAULT 0,
		retry_delay_seconds INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	)`,
	// One live run per idempotency key. Failed and cancelled runs fall
	// out of the index so a retry can reuse the key.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_idempotency
		ON core_executions (idempotency_key)
		WHERE idempotency_key IS NOT NULL
		AND status IN ('pending', 'queued', 'running', 'completed')`,
	`CREATE INDEX IF NOT EXISTS idx_executions_status
		ON core_executions (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_name
		ON core_executions (name, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_parent
		ON core_executions (parent_execution_id)
		WHERE parent_execution_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS core_execution_events (
		execution_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		ts TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (execution_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type
		ON core_execution_events (event_type, ts)`,

	`CREATE TABLE IF NOT EXISTS core_manifest (
		domain TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		execution_id TEXT,
		completed_at TEXT NOT NULL,
		metadata TEXT,
		PRIMARY KEY (domain, partition_key, stage)
	)`,

	`CREATE TABLE IF NOT EXISTS core_rejects (
		id TEXT PRIMARY KEY,
		execution_id TEXT,
		domain TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		record TEXT,
		rejected_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rejects_partition
		ON core_rejects (domain, partition_key)`,

	`CREATE TABLE IF NOT EXISTS core_quality (
		id TEXT PRIMARY KEY,
		execution_id TEXT,
		partition_key TEXT NOT NULL,
		check_name TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT,
		actual TEXT,
		expected TEXT,
		checked_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quality_execution
		ON core_quality (execution_id)`,

	`CREATE TABLE IF NOT EXISTS core_anomalies (
		id TEXT PRIMARY KEY,
		execution_id TEXT,
		stage TEXT NOT NULL,
		partition_key TEXT,
		severity TEXT NOT NULL,
		category TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT,
		detected_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution_note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_open
		ON core_anomalies (severity, detected_at)
		WHERE resolved_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS core_work_items (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		lane TEXT NOT NULL,
		priority INTEGER NOT NULL,
		status TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		leased_by TEXT,
		leased_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_status
		ON core_work_items (status, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS core_dead_letters (
		id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL,
		error_category TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		replayed_at TEXT,
		replay_execution_id TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_created
		ON core_dead_letters (created_at)`,

	`CREATE TABLE IF NOT EXISTS core_concurrency_locks (
		lock_key TEXT PRIMARY KEY,
		owner_execution_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS core_schedule_locks (
		schedule_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS core_schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		cron_expr TEXT,
		interval_seconds INTEGER,
		fire_at TEXT,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		enabled INTEGER NOT NULL DEFAULT 1,
		max_instances INTEGER NOT NULL DEFAULT 1,
		misfire_grace_seconds INTEGER NOT NULL DEFAULT 300,
		lane TEXT NOT NULL DEFAULT 'default',
		priority TEXT NOT NULL DEFAULT 'normal',
		next_run_at TEXT,
		last_run_at TEXT,
		last_run_status TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due
		ON core_schedules (next_run_at)
		WHERE enabled = 1`,

	`CREATE TABLE IF NOT EXISTS core_schedule_runs (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		execution_id TEXT,
		scheduled_for TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		fired_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule
		ON core_schedule_runs (schedule_id, fired_at)`,

	`CREATE TABLE IF NOT EXISTS core_calc_dependencies (
		id TEXT PRIMARY KEY,
		calc_name TEXT NOT NULL,
		depends_on_domain TEXT NOT NULL,
		depends_on_stage TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_calc_deps_unique
		ON core_calc_dependencies (calc_name, depends_on_domain, depends_on_stage)`,

	`CREATE TABLE IF NOT EXISTS core_expected_schedules (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		source TEXT NOT NULL,
		cadence TEXT NOT NULL,
		grace_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS core_data_readiness (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		certified_by TEXT NOT NULL,
		certified_at TEXT NOT NULL,
		metadata TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_readiness_unique
		ON core_data_readiness (domain, partition_key)`,

	`CREATE TABLE IF NOT EXISTS core_watermarks (
		domain TEXT NOT NULL,
		source TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		high_water TEXT NOT NULL,
		low_water TEXT,
		metadata TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (domain, source, partition_key)
	)`,

	`CREATE TABLE IF NOT EXISTS core_backfill_plans (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		source TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		partition_keys TEXT NOT NULL,
		completed_keys TEXT NOT NULL DEFAULT '[]',
		failed_keys TEXT NOT NULL DEFAULT '{}',
		checkpoint TEXT,
		range_start TEXT,
		range_end TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backfill_status
		ON core_backfill_plans (status, created_at)`,
}

// Migrate creates all missing tables and indexes. Every statement is
// idempotent, so Migrate is safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &errors.StorageError{Op: "migrate schema", Cause: err}
		}
	}
	s.logger.Debug("schema migrated", "statements", len(schemaStatements))
	return nil
}

// Tables lists the schema's table names, used by health checks and the
// retention purge.
func Tables() []string {
	return []string{
		"core_executions",
		"core_execution_events",
		"core_manifest",
		"core_rejects",
		"core_quality",
		"core_anomalies",
		"core_work_items",
		"core_dead_letters",
		"core_concurrency_locks",
		"core_schedule_locks",
		"core_schedules",
		"core_schedule_runs",
		"core_calc_dependencies",
		"core_expected_schedules",
		"core_data_readiness",
		"core_watermarks",
		"core_backfill_plans",
	}
}
