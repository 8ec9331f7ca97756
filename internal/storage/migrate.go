package storage

import "context"

// schema is portable between SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		source_system TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		occurred_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_mappings (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		target_system TEXT NOT NULL,
		mapping TEXT NOT NULL,
		version TEXT NOT NULL,
		required BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id TEXT PRIMARY KEY,
		system_name TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT NOT NULL,
		event_types TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints(id),
		event_id TEXT NOT NULL REFERENCES events(id),
		target_system TEXT NOT NULL,
		required BOOLEAN NOT NULL DEFAULT TRUE,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP,
		claim_token TEXT NOT NULL DEFAULT '',
		claimed_until TIMESTAMP,
		last_attempt_at TIMESTAMP,
		response_code INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id TEXT PRIMARY KEY,
		delivery_id TEXT NOT NULL REFERENCES webhook_deliveries(id),
		attempt_number INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		response_body TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS retry_queue (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		next_retry_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES events(id),
		reason TEXT NOT NULL,
		archived_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		window_start TIMESTAMP NOT NULL,
		count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_version ON event_mappings(event_type, target_system, version)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_endpoints_system_url ON webhook_endpoints(system_name, url)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_pair ON webhook_deliveries(endpoint_id, event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON webhook_deliveries(event_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_retry_event ON retry_queue(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(next_retry_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_dead_letters_event ON dead_letters(event_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_rate_limits_window ON rate_limits(client_id, window_start)`,
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
