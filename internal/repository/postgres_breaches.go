package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bruhslowed/TDashboard/internal/domain"

	"go.uber.org/zap"
)

const breachColumns = `
	breach_id,
	device_id,
	device_name,
	location,
	start_time,
	end_time,
	start_temperature,
	end_temperature,
	peak_temperature,
	threshold_min,
	threshold_max,
	breach_type,
	duration,
	is_resolved,
	created_at`

// PostgresBreachesRepo breach 仓库
// OpenBreach / ResolveBreach 会在同一事务里改写 devices 表的实时状态
type PostgresBreachesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresBreachesRepo 创建 breach 仓库
func NewPostgresBreachesRepo(db *sql.DB, logger *zap.Logger) *PostgresBreachesRepo {
	return &PostgresBreachesRepo{db: db, logger: logger}
}

func scanBreach(s rowScanner) (*domain.Breach, error) {
	var b domain.Breach
	var endTime sql.NullTime
	var endTemperature, duration sql.NullFloat64
	var breachType string

	if err := s.Scan(
		&b.BreachID,
		&b.DeviceID,
		&b.DeviceName,
		&b.Location,
		&b.StartTime,
		&endTime,
		&b.StartTemperature,
		&endTemperature,
		&b.PeakTemperature,
		&b.ThresholdMin,
		&b.ThresholdMax,
		&breachType,
		&duration,
		&b.IsResolved,
		&b.CreatedAt,
	); err != nil {
		return nil, err
	}

	b.BreachType = domain.BreachType(breachType)
	if endTime.Valid {
		t := endTime.Time
		b.EndTime = &t
	}
	b.EndTemperature = floatFromNull(endTemperature)
	b.Duration = floatFromNull(duration)
	return &b, nil
}

func (r *PostgresBreachesRepo) queryBreaches(ctx context.Context, query string, args ...any) ([]*domain.Breach, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaches: %w", err)
	}
	defer rows.Close()

	breaches := []*domain.Breach{}
	for rows.Next() {
		b, err := scanBreach(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan breach: %w", err)
		}
		breaches = append(breaches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate breaches: %w", err)
	}
	return breaches, nil
}

// ListBreaches 按过滤条件查询（start_time 倒序）
func (r *PostgresBreachesRepo) ListBreaches(ctx context.Context, filters BreachFilters) ([]*domain.Breach, error) {
	where := []string{"TRUE"}
	args := []any{}
	argN := 1

	if filters.DeviceID != "" {
		where = append(where, fmt.Sprintf("device_id = $%d", argN))
		args = append(args, filters.DeviceID)
		argN++
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("start_time >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("start_time <= $%d", argN))
		args = append(args, *filters.EndTime)
	}

	query := `SELECT ` + breachColumns + `
		FROM breaches
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY start_time DESC`
	return r.queryBreaches(ctx, query, args...)
}

// ListOpenBreaches 未解决的 breach（start_time 倒序）
func (r *PostgresBreachesRepo) ListOpenBreaches(ctx context.Context, deviceID string) ([]*domain.Breach, error) {
	if deviceID == "" {
		return r.queryBreaches(ctx, `SELECT `+breachColumns+`
			FROM breaches
			WHERE NOT is_resolved
			ORDER BY start_time DESC`)
	}
	return r.queryBreaches(ctx, `SELECT `+breachColumns+`
		FROM breaches
		WHERE device_id = $1 AND NOT is_resolved
		ORDER BY start_time DESC`, deviceID)
}

// OpenBreach 插入 breach 并把设备标记为越限（同一事务）
func (r *PostgresBreachesRepo) OpenBreach(ctx context.Context, breach *domain.Breach) error {
	if breach == nil {
		return fmt.Errorf("breach is required")
	}
	if breach.IsResolved {
		return fmt.Errorf("%w: cannot open a resolved breach", domain.ErrValidation)
	}
	if err := breach.Validate(); err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO breaches (
				breach_id, device_id, device_name, location, start_time,
				start_temperature, peak_temperature, threshold_min, threshold_max,
				breach_type, is_resolved, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)
		`,
			breach.BreachID,
			breach.DeviceID,
			breach.DeviceName,
			breach.Location,
			breach.StartTime,
			breach.StartTemperature,
			breach.PeakTemperature,
			breach.ThresholdMin,
			breach.ThresholdMax,
			string(breach.BreachType),
			breach.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert breach: %w", mapPQError(err))
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET is_currently_in_breach = TRUE,
				breach_start_time = $2
			WHERE device_id = $1
		`, breach.DeviceID, breach.StartTime)
		if err != nil {
			return fmt.Errorf("failed to mark device in breach: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("device %s: %w", breach.DeviceID, ErrNotFound)
		}
		return nil
	})
}

// UpdateBreachPeak 更新未解决 breach 的峰值
func (r *PostgresBreachesRepo) UpdateBreachPeak(ctx context.Context, breachID string, peak float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE breaches
		SET peak_temperature = $2
		WHERE breach_id = $1 AND NOT is_resolved
	`, breachID, peak)
	if err != nil {
		return fmt.Errorf("failed to update breach peak: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("open breach %s: %w", breachID, ErrNotFound)
	}
	return nil
}

// ResolveBreach 写入结束字段并复位设备状态（同一事务）
func (r *PostgresBreachesRepo) ResolveBreach(ctx context.Context, breach *domain.Breach) error {
	if breach == nil {
		return fmt.Errorf("breach is required")
	}
	if !breach.IsResolved {
		return fmt.Errorf("%w: breach %s is not resolved", domain.ErrValidation, breach.BreachID)
	}
	if err := breach.Validate(); err != nil {
		return err
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE breaches
			SET end_time = $2,
				end_temperature = $3,
				duration = $4,
				peak_temperature = $5,
				is_resolved = TRUE
			WHERE breach_id = $1 AND NOT is_resolved
		`,
			breach.BreachID,
			*breach.EndTime,
			*breach.EndTemperature,
			*breach.Duration,
			breach.PeakTemperature,
		)
		if err != nil {
			return fmt.Errorf("failed to resolve breach: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("open breach %s: %w", breach.BreachID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET is_currently_in_breach = FALSE,
				breach_start_time = NULL
			WHERE device_id = $1
		`, breach.DeviceID); err != nil {
			return fmt.Errorf("failed to reset device breach state: %w", err)
		}
		return nil
	})
}
