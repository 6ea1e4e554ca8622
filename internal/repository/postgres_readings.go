package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bruhslowed/TDashboard/internal/domain"

	"go.uber.org/zap"
)

// PostgresReadingsRepo 读数仓库（readings 表，只追加）
type PostgresReadingsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingsRepo 创建读数仓库
func NewPostgresReadingsRepo(db *sql.DB, logger *zap.Logger) *PostgresReadingsRepo {
	return &PostgresReadingsRepo{db: db, logger: logger}
}

// AppendReading 写入一条读数
func (r *PostgresReadingsRepo) AppendReading(ctx context.Context, reading *domain.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if err := reading.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO readings (device_id, temperature, humidity, timestamp)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := r.db.QueryRowContext(ctx, query,
		reading.DeviceID,
		reading.Temperature,
		nullFloat(reading.Humidity),
		reading.Timestamp,
	).Scan(&reading.ID); err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// ListReadings 最近 limit 条读数（时间倒序）
func (r *PostgresReadingsRepo) ListReadings(ctx context.Context, deviceID string, limit int) ([]*domain.Reading, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if deviceID != "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, device_id, temperature, humidity, timestamp
			FROM readings
			WHERE device_id = $1
			ORDER BY timestamp DESC, id DESC
			LIMIT $2
		`, deviceID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, device_id, temperature, humidity, timestamp
			FROM readings
			ORDER BY timestamp DESC, id DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []*domain.Reading{}
	for rows.Next() {
		var rd domain.Reading
		var humidity sql.NullFloat64
		if err := rows.Scan(&rd.ID, &rd.DeviceID, &rd.Temperature, &humidity, &rd.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		rd.Humidity = floatFromNull(humidity)
		readings = append(readings, &rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}

// LatestReading 设备最新一条读数
func (r *PostgresReadingsRepo) LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error) {
	readings, err := r.ListReadings(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("reading for device %s: %w", deviceID, ErrNotFound)
	}
	return readings[0], nil
}
