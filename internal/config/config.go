package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	commoncfg "github.com/bruhslowed/TDashboard/common/config"

	"gopkg.in/yaml.v3"
)

// Config TDashboard 服务配置
// 加载顺序：默认值 -> CONFIG_FILE（YAML，可选）-> 环境变量
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	DBEnabled bool                     `yaml:"db_enabled"`
	Database  commoncfg.DatabaseConfig `yaml:"database"`

	RedisEnabled bool                  `yaml:"redis_enabled"`
	Redis        commoncfg.RedisConfig `yaml:"redis"`

	MQTT   commoncfg.MQTTConfig `yaml:"mqtt"`
	Topics struct {
		Data       string `yaml:"data"`        // 共享主题，如 "temperature/data"
		DeviceData string `yaml:"device_data"` // 按设备主题，如 "temperature/+/data"
	} `yaml:"topics"`

	Cache struct {
		LatestReadingTTL time.Duration `yaml:"latest_reading_ttl"`
	} `yaml:"cache"`

	BreachEventStream string `yaml:"breach_event_stream"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":3001"

	cfg.DBEnabled = true
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "tdashboard"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.RedisEnabled = true
	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "tdashboard"
	cfg.MQTT.QoS = 1
	cfg.Topics.Data = "temperature/data"
	cfg.Topics.DeviceData = "temperature/+/data"

	cfg.Cache.LatestReadingTTL = 24 * time.Hour
	cfg.BreachEventStream = "breach:events:stream"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)

	cfg.DBEnabled = getBool("DB_ENABLED", cfg.DBEnabled)
	cfg.Database.LoadFromEnv("DB")

	cfg.RedisEnabled = getBool("REDIS_ENABLED", cfg.RedisEnabled)
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.LoadFromEnv("MQTT")
	cfg.Topics.Data = getEnv("MQTT_TOPIC", cfg.Topics.Data)
	cfg.Topics.DeviceData = getEnv("MQTT_TOPIC_DEVICE", cfg.Topics.DeviceData)

	if ttl := os.Getenv("LATEST_READING_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid LATEST_READING_TTL %q: %w", ttl, err)
		}
		cfg.Cache.LatestReadingTTL = d
	}
	cfg.BreachEventStream = getEnv("BREACH_EVENT_STREAM", cfg.BreachEventStream)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if cfg.Topics.Data == "" && cfg.Topics.DeviceData == "" {
		return nil, fmt.Errorf("at least one of MQTT_TOPIC or MQTT_TOPIC_DEVICE must be set")
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}
