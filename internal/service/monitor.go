package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bruhslowed/TDashboard/common/database"
	mqttcommon "github.com/bruhslowed/TDashboard/common/mqtt"
	rediscommon "github.com/bruhslowed/TDashboard/common/redis"
	"github.com/bruhslowed/TDashboard/internal/config"
	"github.com/bruhslowed/TDashboard/internal/consumer"
	"github.com/bruhslowed/TDashboard/internal/evaluator"
	httpapi "github.com/bruhslowed/TDashboard/internal/http"
	"github.com/bruhslowed/TDashboard/internal/repository"
	"github.com/bruhslowed/TDashboard/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	connectTimeout  = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// MonitorService 温度监控服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	// 各层组件
	store     repository.Store
	cache     store.ReadingCache
	evaluator *evaluator.BreachEvaluator
	consumer  *consumer.MQTTConsumer
	router    *httpapi.Router
	server    *Server
}

// NewMonitorService 创建服务
// 数据库不可用时退回内存存储；Redis 不可用时关闭缓存和事件流；MQTT 连不上直接返回错误
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	s := &MonitorService{config: cfg, logger: logger}

	// 1. 存储
	s.store, s.db = openStore(cfg, logger)

	// 2. Redis（可选）
	var publisher evaluator.EventPublisher
	s.redisClient = openRedis(cfg, logger)
	if s.redisClient != nil {
		s.cache = store.NewKVReadingCache(store.NewRedisKV(s.redisClient), cfg.Cache.LatestReadingTTL)
		publisher = store.NewRedisBreachPublisher(s.redisClient, cfg.BreachEventStream)
	} else {
		s.cache = store.NopReadingCache{}
	}

	// 3. MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}
	s.mqttClient = mqttClient

	// 4. 评估器 + 消费者
	s.evaluator = evaluator.NewBreachEvaluator(s.store, publisher, logger)
	s.consumer = consumer.NewMQTTConsumer(cfg, mqttClient, s.store, s.cache, s.evaluator, logger)

	// 5. HTTP
	s.router = httpapi.NewRouter(logger)
	s.router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(s.store, logger))
	s.router.RegisterTemperatureRoutes(httpapi.NewTemperatureHandler(s.store, s.cache, logger))
	s.router.RegisterBreachRoutes(httpapi.NewBreachHandler(s.store, logger))
	s.server = NewServer(cfg.HTTP.Addr, s.router, logger)

	return s, nil
}

// openStore DB_ENABLED=false 或连接 / 建表失败时使用内存存储
func openStore(cfg *config.Config, logger *zap.Logger) (repository.Store, *sql.DB) {
	if !cfg.DBEnabled {
		logger.Warn("Database disabled, using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		logger.Warn("Database unavailable, falling back to in-memory store", zap.Error(err))
		return repository.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := database.EnsureSchema(ctx, db); err != nil {
		logger.Warn("Failed to ensure schema, falling back to in-memory store", zap.Error(err))
		_ = database.Close(db)
		return repository.NewMemoryStore(), nil
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Database),
	)
	return repository.NewPostgresStore(db, logger), db
}

// openRedis 返回 nil 表示不使用 Redis
func openRedis(cfg *config.Config, logger *zap.Logger) *redis.Client {
	if !cfg.RedisEnabled {
		logger.Warn("Redis disabled, latest-reading cache and breach event stream are off")
		return nil
	}

	client := rediscommon.NewRedisClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := rediscommon.Ping(ctx, client); err != nil {
		logger.Warn("Redis unavailable, latest-reading cache and breach event stream are off",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
		_ = rediscommon.Close(client)
		return nil
	}
	return client
}

// Handler HTTP 路由（测试用）
func (s *MonitorService) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务和 MQTT 消费者，阻塞到 ctx 取消或任一组件出错
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.String("mqtt_broker", s.config.MQTT.Broker),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := s.consumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("mqtt consumer: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop 停止服务
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_ = s.consumer.Stop(ctx)
	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	s.mqttClient.Disconnect()
	s.closeBackends()
	return nil
}

func (s *MonitorService) closeBackends() {
	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
}
