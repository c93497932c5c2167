package store

import (
	"context"
	"fmt"
)

// Timestamps and calendar values are stored as text so both drivers share one schema.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id        TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		registered_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance (
		user_id      TEXT NOT NULL REFERENCES users(user_id),
		date         TEXT NOT NULL,
		day_of_week  TEXT NOT NULL,
		in_time      TEXT NOT NULL,
		out_time     TEXT,
		duration     TEXT,
		PRIMARY KEY (user_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_user_id ON attendance(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_date ON attendance(date)`,
	`CREATE TABLE IF NOT EXISTS face_samples (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(user_id),
		ref         TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_face_samples_user_id ON face_samples(user_id)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id   TEXT PRIMARY KEY,
		created_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		token       TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		expires_at  BIGINT NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
}

// Migrate creates the schema if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
