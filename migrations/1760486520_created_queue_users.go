package migrations

import "github.com/pocketbase/dbx"

func init() {
	Register(func(db dbx.Builder) error {
		return exec(db,
			`CREATE TABLE IF NOT EXISTS queue_users (
				id                     TEXT PRIMARY KEY NOT NULL,
				user_id                TEXT NOT NULL,
				queue_id               TEXT NOT NULL,
				queue_date             TEXT NOT NULL,
				token_seq              INTEGER NOT NULL,
				token_number           TEXT NOT NULL,
				status                 TEXT NOT NULL,
				priority               BOOLEAN NOT NULL DEFAULT FALSE,
				turn_time              INTEGER,
				enqueue_time           TEXT NOT NULL DEFAULT '',
				dequeue_time           TEXT NOT NULL DEFAULT '',
				estimated_enqueue_time TEXT NOT NULL DEFAULT '',
				estimated_dequeue_time TEXT NOT NULL DEFAULT '',
				is_scheduled           BOOLEAN NOT NULL DEFAULT FALSE,
				notes                  TEXT NOT NULL DEFAULT '',
				cancellation_reason    TEXT NOT NULL DEFAULT '',
				reschedule_count       INTEGER NOT NULL DEFAULT 0,
				created_at             TEXT NOT NULL,
				updated_at             TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_users_token
				ON queue_users (queue_id, queue_date, token_seq)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_users_active
				ON queue_users (user_id, queue_id, queue_date)
				WHERE status IN ('registered', 'in_progress')`,
			`CREATE INDEX IF NOT EXISTS idx_queue_users_day
				ON queue_users (queue_id, queue_date, status)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_users_user
				ON queue_users (user_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS queue_user_services (
				id               TEXT PRIMARY KEY NOT NULL,
				queue_user_id    TEXT NOT NULL,
				queue_service_id TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_user_services_entry
				ON queue_user_services (queue_user_id)`,
		)
	})
}
