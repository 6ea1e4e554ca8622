package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"

	"go.uber.org/zap"
)

const deviceColumns = `
	device_id,
	name,
	location,
	threshold_min,
	threshold_max,
	breach_duration,
	email,
	is_currently_in_breach,
	breach_start_time,
	created_at,
	updated_at`

// PostgresDevicesRepo 设备仓库
type PostgresDevicesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepo 创建设备仓库
func NewPostgresDevicesRepo(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db, logger: logger}
}

func scanDevice(s rowScanner) (*domain.Device, error) {
	var d domain.Device
	var thresholdMin, thresholdMax sql.NullFloat64
	var breachDuration sql.NullInt64
	var breachStart sql.NullTime

	if err := s.Scan(
		&d.DeviceID,
		&d.Name,
		&d.Location,
		&thresholdMin,
		&thresholdMax,
		&breachDuration,
		&d.Email,
		&d.IsCurrentlyInBreach,
		&breachStart,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.ThresholdMin = floatFromNull(thresholdMin)
	d.ThresholdMax = floatFromNull(thresholdMax)
	if breachDuration.Valid {
		v := int(breachDuration.Int64)
		d.BreachDuration = &v
	}
	if breachStart.Valid {
		t := breachStart.Time
		d.BreachStartTime = &t
	}
	return &d, nil
}

// ListDevices 查询所有设备
func (r *PostgresDevicesRepo) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at, device_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []*domain.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

// GetDevice 根据 deviceId 获取设备
func (r *PostgresDevicesRepo) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

// CreateDevice 注册设备（实时状态总是从 NORMAL 开始）
func (r *PostgresDevicesRepo) CreateDevice(ctx context.Context, device *domain.Device) error {
	if device == nil {
		return fmt.Errorf("device is required")
	}
	device.IsCurrentlyInBreach = false
	device.BreachStartTime = nil
	if err := device.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	var breachDuration sql.NullInt64
	if device.BreachDuration != nil {
		breachDuration = sql.NullInt64{Int64: int64(*device.BreachDuration), Valid: true}
	}

	query := `
		INSERT INTO devices (
			device_id, name, location, threshold_min, threshold_max,
			breach_duration, email, is_currently_in_breach, breach_start_time,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		device.DeviceID,
		device.Name,
		device.Location,
		nullFloat(device.ThresholdMin),
		nullFloat(device.ThresholdMax),
		breachDuration,
		device.Email,
		device.CreatedAt,
		device.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", mapPQError(err))
	}
	return nil
}

// UpdateDevice 部分更新（SELECT ... FOR UPDATE 后写回）
func (r *PostgresDevicesRepo) UpdateDevice(ctx context.Context, deviceID string, update domain.DeviceUpdate) (*domain.Device, error) {
	var out *domain.Device
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1 FOR UPDATE`
		d, err := scanDevice(tx.QueryRowContext(ctx, query, deviceID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
			}
			return fmt.Errorf("failed to load device: %w", err)
		}

		update.Apply(d)
		d.UpdatedAt = time.Now().UTC()
		if err := d.Validate(); err != nil {
			return err
		}

		var breachDuration sql.NullInt64
		if d.BreachDuration != nil {
			breachDuration = sql.NullInt64{Int64: int64(*d.BreachDuration), Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET name = $2,
				location = $3,
				threshold_min = $4,
				threshold_max = $5,
				breach_duration = $6,
				email = $7,
				updated_at = $8
			WHERE device_id = $1
		`,
			deviceID,
			d.Name,
			d.Location,
			nullFloat(d.ThresholdMin),
			nullFloat(d.ThresholdMax),
			breachDuration,
			d.Email,
			d.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update device: %w", err)
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetDeviceBreachState 修正设备的 breach 实时状态
func (r *PostgresDevicesRepo) SetDeviceBreachState(ctx context.Context, deviceID string, start *time.Time) error {
	var breachStart sql.NullTime
	if start != nil {
		breachStart = sql.NullTime{Time: *start, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET is_currently_in_breach = $2,
			breach_start_time = $3
		WHERE device_id = $1
	`, deviceID, start != nil, breachStart)
	if err != nil {
		return fmt.Errorf("failed to set device breach state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return nil
}
