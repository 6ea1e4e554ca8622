package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrConflict 唯一约束冲突（重复 deviceId、同一设备第二条未解决 breach）
	ErrConflict = errors.New("conflict")
)

// DevicesRepository 设备Repository接口
type DevicesRepository interface {
	ListDevices(ctx context.Context) ([]*domain.Device, error)
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	CreateDevice(ctx context.Context, device *domain.Device) error
	// UpdateDevice 部分更新配置字段并刷新 updatedAt
	UpdateDevice(ctx context.Context, deviceID string, update domain.DeviceUpdate) (*domain.Device, error)
	// SetDeviceBreachState 只改 breach 实时状态（start 为 nil 表示恢复正常）
	SetDeviceBreachState(ctx context.Context, deviceID string, start *time.Time) error
}

// ReadingsRepository 读数Repository接口（只追加）
type ReadingsRepository interface {
	AppendReading(ctx context.Context, reading *domain.Reading) error
	// ListReadings 按时间倒序取最近 limit 条；deviceID 为空时不过滤设备
	ListReadings(ctx context.Context, deviceID string, limit int) ([]*domain.Reading, error)
	LatestReading(ctx context.Context, deviceID string) (*domain.Reading, error)
}

// BreachFilters breach 查询过滤器
type BreachFilters struct {
	DeviceID  string
	StartTime *time.Time // start_time >= StartTime
	EndTime   *time.Time // start_time <= EndTime
}

// BreachesRepository breach Repository接口
type BreachesRepository interface {
	// ListBreaches 按 startTime 倒序
	ListBreaches(ctx context.Context, filters BreachFilters) ([]*domain.Breach, error)
	// ListOpenBreaches 未解决的 breach，按 startTime 倒序；deviceID 为空时返回所有设备
	ListOpenBreaches(ctx context.Context, deviceID string) ([]*domain.Breach, error)

	// OpenBreach 原子地：插入未解决 breach + 设备标记为越限（breachStartTime = breach.StartTime）
	OpenBreach(ctx context.Context, breach *domain.Breach) error
	// UpdateBreachPeak 只更新未解决 breach 的峰值
	UpdateBreachPeak(ctx context.Context, breachID string, peak float64) error
	// ResolveBreach 原子地：写入结束字段 + 设备恢复正常
	ResolveBreach(ctx context.Context, breach *domain.Breach) error
}

// Store 三个 Repository 的组合（Postgres / 内存两种实现）
type Store interface {
	DevicesRepository
	ReadingsRepository
	BreachesRepository
}
