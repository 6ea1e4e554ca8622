package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore Postgres 实现的 Store
type PostgresStore struct {
	*PostgresDevicesRepo
	*PostgresReadingsRepo
	*PostgresBreachesRepo
}

// NewPostgresStore 创建 Postgres Store（db 由调用方打开和关闭）
func NewPostgresStore(db *sql.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		PostgresDevicesRepo:  NewPostgresDevicesRepo(db, logger),
		PostgresReadingsRepo: NewPostgresReadingsRepo(db, logger),
		PostgresBreachesRepo: NewPostgresBreachesRepo(db, logger),
	}
}

// rowScanner sql.Row 与 sql.Rows 的公共接口
type rowScanner interface {
	Scan(dest ...any) error
}

// withTx 在事务内执行 fn，fn 返回错误则回滚
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapPQError 唯一约束冲突映射为 ErrConflict
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
