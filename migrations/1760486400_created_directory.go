package migrations

import "github.com/pocketbase/dbx"

func init() {
	Register(func(db dbx.Builder) error {
		return exec(db,
			`CREATE TABLE IF NOT EXISTS businesses (
				id   TEXT PRIMARY KEY NOT NULL,
				name TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id           TEXT PRIMARY KEY NOT NULL,
				full_name    TEXT NOT NULL DEFAULT '',
				email        TEXT NOT NULL DEFAULT '',
				phone_number TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS services (
				id          TEXT PRIMARY KEY NOT NULL,
				name        TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT ''
			)`,
		)
	})
}
