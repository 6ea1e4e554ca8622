package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bruhslowed/TDashboard/internal/domain"
)

const latestReadingKeyPrefix = "temperature:latest:"

// ReadingCache 每个设备最新读数的缓存
type ReadingCache interface {
	SetLatest(ctx context.Context, reading *domain.Reading) error
	// GetLatest 未命中返回 ErrMiss
	GetLatest(ctx context.Context, deviceID string) (*domain.Reading, error)
}

// LatestReadingKey 缓存键：temperature:latest:{deviceId}
func LatestReadingKey(deviceID string) string {
	return latestReadingKeyPrefix + deviceID
}

// KVReadingCache 基于 KV 的读数缓存（JSON 序列化）
type KVReadingCache struct {
	kv  KV
	ttl time.Duration
}

// NewKVReadingCache ttl <= 0 表示不过期
func NewKVReadingCache(kv KV, ttl time.Duration) *KVReadingCache {
	if ttl < 0 {
		ttl = 0
	}
	return &KVReadingCache{kv: kv, ttl: ttl}
}

func (c *KVReadingCache) SetLatest(ctx context.Context, reading *domain.Reading) error {
	if reading == nil || reading.DeviceID == "" {
		return fmt.Errorf("reading with deviceId is required")
	}
	b, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}
	return c.kv.Set(ctx, LatestReadingKey(reading.DeviceID), string(b), c.ttl)
}

func (c *KVReadingCache) GetLatest(ctx context.Context, deviceID string) (*domain.Reading, error) {
	val, err := c.kv.Get(ctx, LatestReadingKey(deviceID))
	if err != nil {
		return nil, err
	}
	var r domain.Reading
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached reading: %w", err)
	}
	return &r, nil
}

// NopReadingCache Redis 未启用时使用：写入丢弃，读取总是未命中
type NopReadingCache struct{}

func (NopReadingCache) SetLatest(context.Context, *domain.Reading) error { return nil }

func (NopReadingCache) GetLatest(context.Context, string) (*domain.Reading, error) {
	return nil, ErrMiss
}
