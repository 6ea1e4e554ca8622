package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqttcommon "github.com/bruhslowed/TDashboard/common/mqtt"
	"github.com/bruhslowed/TDashboard/internal/config"
	"github.com/bruhslowed/TDashboard/internal/domain"
	"github.com/bruhslowed/TDashboard/internal/evaluator"
	"github.com/bruhslowed/TDashboard/internal/store"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（*mqttcommon.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// ReadingAppender 读数落库
type ReadingAppender interface {
	AppendReading(ctx context.Context, reading *domain.Reading) error
}

// Evaluator breach 评估（*evaluator.BreachEvaluator 实现）
type Evaluator interface {
	Evaluate(ctx context.Context, deviceID string, temperature float64, observedAt time.Time) (*evaluator.Result, error)
}

// MQTTConsumer 温度消息消费者：读数落库 -> 刷新最新读数缓存 -> breach 评估
type MQTTConsumer struct {
	config     *config.Config
	mqttClient Subscriber
	readings   ReadingAppender
	cache      store.ReadingCache
	evaluator  Evaluator
	logger     *zap.Logger
	now        func() time.Time
}

// NewMQTTConsumer 创建MQTT消费者（cache 可为 nil）
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient Subscriber,
	readings ReadingAppender,
	cache store.ReadingCache,
	eval Evaluator,
	logger *zap.Logger,
) *MQTTConsumer {
	if cache == nil {
		cache = store.NopReadingCache{}
	}
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		readings:   readings,
		cache:      cache,
		evaluator:  eval,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *MQTTConsumer) topics() []string {
	var topics []string
	for _, t := range []string{c.config.Topics.Data, c.config.Topics.DeviceData} {
		if t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// Start 订阅温度主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	for _, topic := range c.topics() {
		if err := c.mqttClient.Subscribe(topic, c.config.MQTT.QoS, c.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to data topic: %w", err)
		}
		c.logger.Info("MQTT consumer subscribed", zap.String("topic", topic))
	}

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(_ context.Context) error {
	if topics := c.topics(); len(topics) > 0 {
		if err := c.mqttClient.Unsubscribe(topics...); err != nil {
			c.logger.Error("Failed to unsubscribe", zap.Error(err))
		}
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理一条温度消息
// 无效消息记录后丢弃（返回 nil）；存储 / 评估失败返回错误，由 MQTT 客户端记录
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	sample, err := ParseSample(topic, payload)
	if err != nil {
		c.logger.Warn("Discarding invalid temperature message",
			zap.String("topic", topic),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return nil
	}

	ctx := context.Background()
	reading := &domain.Reading{
		DeviceID:    sample.DeviceID,
		Temperature: sample.Temperature,
		Humidity:    sample.Humidity,
		Timestamp:   c.now().UTC().Truncate(time.Millisecond),
	}

	if err := c.readings.AppendReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to store reading for device %s: %w", sample.DeviceID, err)
	}

	if err := c.cache.SetLatest(ctx, reading); err != nil {
		c.logger.Warn("Failed to cache latest reading",
			zap.String("device_id", sample.DeviceID),
			zap.Error(err),
		)
	}

	result, err := c.evaluator.Evaluate(ctx, sample.DeviceID, sample.Temperature, reading.Timestamp)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			c.logger.Warn("Sample rejected by breach evaluator",
				zap.String("device_id", sample.DeviceID),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("failed to evaluate reading for device %s: %w", sample.DeviceID, err)
	}

	c.logger.Debug("Temperature reading processed",
		zap.String("device_id", sample.DeviceID),
		zap.Float64("temperature", sample.Temperature),
		zap.String("outcome", string(result.Outcome)),
	)
	return nil
}
