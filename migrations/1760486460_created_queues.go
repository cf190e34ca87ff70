package migrations

import "github.com/pocketbase/dbx"

func init() {
	Register(func(db dbx.Builder) error {
		return exec(db,
			`CREATE TABLE IF NOT EXISTS queues (
				id          TEXT PRIMARY KEY NOT NULL,
				business_id TEXT NOT NULL,
				name        TEXT NOT NULL DEFAULT '',
				limit_size  INTEGER,
				start_time  TEXT,
				end_time    TEXT,
				status      TEXT NOT NULL DEFAULT 'registered',
				employee_id TEXT,
				created_at  TEXT NOT NULL DEFAULT '',
				updated_at  TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queues_business ON queues (business_id)`,
			`CREATE TABLE IF NOT EXISTS queue_services (
				id               TEXT PRIMARY KEY NOT NULL,
				service_id       TEXT NOT NULL,
				business_id      TEXT NOT NULL,
				queue_id         TEXT,
				service_fee      NUMERIC,
				fee_type         TEXT,
				avg_service_time INTEGER,
				description      TEXT,
				status           TEXT NOT NULL DEFAULT 'active'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_services_business ON queue_services (business_id)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_services_queue ON queue_services (queue_id)`,
		)
	})
}
