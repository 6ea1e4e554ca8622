package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements 建表语句（幂等）
// breaches_one_open_per_device: 每个设备最多一条未解决的 breach
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id              TEXT PRIMARY KEY,
		name                   TEXT NOT NULL,
		location               TEXT NOT NULL DEFAULT '',
		threshold_min          DOUBLE PRECISION,
		threshold_max          DOUBLE PRECISION,
		breach_duration        INTEGER,
		email                  TEXT NOT NULL DEFAULT '',
		is_currently_in_breach BOOLEAN NOT NULL DEFAULT FALSE,
		breach_start_time      TIMESTAMPTZ,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS readings (
		id          BIGSERIAL PRIMARY KEY,
		device_id   TEXT NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		humidity    DOUBLE PRECISION,
		timestamp   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS readings_device_time_idx ON readings (device_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS breaches (
		breach_id         UUID PRIMARY KEY,
		device_id         TEXT NOT NULL,
		device_name       TEXT NOT NULL DEFAULT '',
		location          TEXT NOT NULL DEFAULT '',
		start_time        TIMESTAMPTZ NOT NULL,
		end_time          TIMESTAMPTZ,
		start_temperature DOUBLE PRECISION NOT NULL,
		end_temperature   DOUBLE PRECISION,
		peak_temperature  DOUBLE PRECISION NOT NULL,
		threshold_min     DOUBLE PRECISION NOT NULL,
		threshold_max     DOUBLE PRECISION NOT NULL,
		breach_type       TEXT NOT NULL CHECK (breach_type IN ('too_hot', 'too_cold')),
		duration          DOUBLE PRECISION,
		is_resolved       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS breaches_one_open_per_device ON breaches (device_id) WHERE NOT is_resolved`,
	`CREATE INDEX IF NOT EXISTS breaches_device_start_idx ON breaches (device_id, start_time DESC)`,
}

// EnsureSchema 创建表和索引（服务启动时调用）
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
