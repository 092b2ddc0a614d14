package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/IoTtalk/DeviceTalk-to-v1/common/config"
)

// ConfigFileEnv 可选的 YAML 配置文件路径
const ConfigFileEnv = "CODEGEN_CONFIG_FILE"

// CodegenConfig 代码生成服务配置
type CodegenConfig struct {
	// StorageRoot 基础文件、库文件等上传文件的根目录
	StorageRoot string `yaml:"storage_root"`
	// OutputRoot 生成目录的根目录，每个设备一个子目录
	OutputRoot string `yaml:"output_root"`
	// ArchiveRoot zip 输出目录
	ArchiveRoot string `yaml:"archive_root"`

	// Redis Streams 配置（用于接收生成请求）
	AssembleStream string `yaml:"assemble_stream"`
	ConsumerGroup  string `yaml:"consumer_group"`
	ConsumerName   string `yaml:"consumer_name"`
	BatchSize      int    `yaml:"batch_size"`
	// 失败请求的重试间隔（秒）和最多处理次数
	RetryInterval int `yaml:"retry_interval"`
	MaxAttempts   int `yaml:"max_attempts"`

	BuildLockPrefix string `yaml:"build_lock_prefix"`
	BuildLockTTL    int    `yaml:"build_lock_ttl"` // 秒

	SkeletonCachePrefix string `yaml:"skeleton_cache_prefix"`
	SkeletonCacheTTL    int    `yaml:"skeleton_cache_ttl"` // 秒

	// MQTT 构建事件
	NotifyEnabled    bool   `yaml:"notify_enabled"`
	BuildTopicPrefix string `yaml:"build_topic_prefix"`
}

// DMClientConfig 设备对象服务
type DMClientConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout int    `yaml:"timeout"` // 秒
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config 代码生成服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`
	Codegen  CodegenConfig         `yaml:"codegen"`
	DMClient DMClientConfig        `yaml:"dm_client"`
	Log      LogConfig             `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "devicetalk"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	// 大于消费者的阻塞读取时间（2s）
	cfg.Redis.ReadTimeout = 10

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "devicetalk-codegen"
	cfg.MQTT.QoS = 1

	cfg.Codegen.StorageRoot = "./media"
	cfg.Codegen.OutputRoot = "./media/output"
	cfg.Codegen.ArchiveRoot = "./media/archives"
	cfg.Codegen.AssembleStream = "devicetalk:assemble"
	cfg.Codegen.ConsumerGroup = "codegen-group"
	cfg.Codegen.ConsumerName = "codegen-1"
	cfg.Codegen.BatchSize = 10
	cfg.Codegen.RetryInterval = 30
	cfg.Codegen.MaxAttempts = 5
	cfg.Codegen.BuildLockPrefix = "devicetalk:build:lock:"
	cfg.Codegen.BuildLockTTL = 300
	cfg.Codegen.SkeletonCachePrefix = "devicetalk:skeleton:"
	cfg.Codegen.SkeletonCacheTTL = 3600
	cfg.Codegen.NotifyEnabled = true
	cfg.Codegen.BuildTopicPrefix = "devicetalk/build"

	cfg.DMClient.BaseURL = "https://classgui.iottalk.tw"
	cfg.DMClient.Timeout = 10

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load 加载配置：默认值 -> YAML 文件（CODEGEN_CONFIG_FILE）-> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Database.LoadFromEnv("DB")
	cfg.Redis.LoadFromEnv("REDIS")
	cfg.MQTT.LoadFromEnv("MQTT")

	c := &cfg.Codegen
	c.StorageRoot = getEnv("CODEGEN_STORAGE_ROOT", c.StorageRoot)
	c.OutputRoot = getEnv("CODEGEN_OUTPUT_ROOT", c.OutputRoot)
	c.ArchiveRoot = getEnv("CODEGEN_ARCHIVE_ROOT", c.ArchiveRoot)
	c.AssembleStream = getEnv("CODEGEN_ASSEMBLE_STREAM", c.AssembleStream)
	c.ConsumerGroup = getEnv("CODEGEN_CONSUMER_GROUP", c.ConsumerGroup)
	c.ConsumerName = getEnv("CODEGEN_CONSUMER_NAME", c.ConsumerName)
	c.BatchSize = getEnvInt("CODEGEN_BATCH_SIZE", c.BatchSize)
	c.RetryInterval = getEnvInt("CODEGEN_RETRY_INTERVAL", c.RetryInterval)
	c.MaxAttempts = getEnvInt("CODEGEN_MAX_ATTEMPTS", c.MaxAttempts)
	c.BuildLockPrefix = getEnv("CODEGEN_BUILD_LOCK_PREFIX", c.BuildLockPrefix)
	c.BuildLockTTL = getEnvInt("CODEGEN_BUILD_LOCK_TTL", c.BuildLockTTL)
	c.SkeletonCachePrefix = getEnv("CODEGEN_SKELETON_CACHE_PREFIX", c.SkeletonCachePrefix)
	c.SkeletonCacheTTL = getEnvInt("CODEGEN_SKELETON_CACHE_TTL", c.SkeletonCacheTTL)
	c.BuildTopicPrefix = getEnv("CODEGEN_BUILD_TOPIC_PREFIX", c.BuildTopicPrefix)
	if v := os.Getenv("CODEGEN_NOTIFY_ENABLED"); v != "" {
		c.NotifyEnabled = v == "true"
	}

	cfg.DMClient.BaseURL = getEnv("DM_API_URL", cfg.DMClient.BaseURL)
	cfg.DMClient.Timeout = getEnvInt("DM_API_TIMEOUT", cfg.DMClient.Timeout)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查必须为正数的配置
func (c *Config) Validate() error {
	if c.Codegen.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.Codegen.BatchSize)
	}
	if c.Codegen.MaxAttempts <= 0 {
		return fmt.Errorf("invalid max attempts: %d", c.Codegen.MaxAttempts)
	}
	if c.Codegen.BuildLockTTL <= 0 {
		return fmt.Errorf("invalid build lock ttl: %d", c.Codegen.BuildLockTTL)
	}
	if c.Codegen.OutputRoot == "" || c.Codegen.StorageRoot == "" {
		return fmt.Errorf("storage root and output root are required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
