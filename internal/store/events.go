package store

import (
	"context"
	"fmt"

	rediscommon "github.com/bruhslowed/TDashboard/common/redis"
	"github.com/bruhslowed/TDashboard/internal/domain"

	"github.com/go-redis/redis/v8"
)

// DefaultBreachEventStream breach 事件流默认名称
const DefaultBreachEventStream = "breach:events:stream"

// breachEventStreamMaxLen 事件流近似保留条数
const breachEventStreamMaxLen = 10000

// RedisBreachPublisher 把 breach 开始/结束写入 Redis Stream（字段：event, data, timestamp）
type RedisBreachPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisBreachPublisher 创建 breach 事件发布器
func NewRedisBreachPublisher(client *redis.Client, stream string) *RedisBreachPublisher {
	if stream == "" {
		stream = DefaultBreachEventStream
	}
	return &RedisBreachPublisher{client: client, stream: stream}
}

// PublishBreachEvent 实现 evaluator.EventPublisher
func (p *RedisBreachPublisher) PublishBreachEvent(ctx context.Context, event string, breach *domain.Breach) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, breachEventStreamMaxLen, event, breach); err != nil {
		return fmt.Errorf("failed to publish breach event to %s: %w", p.stream, err)
	}
	return nil
}
