// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	envconfig "github.com/ronanzhan/servicecomb-saga/pkg/config"
	"github.com/ronanzhan/servicecomb-saga/pkg/snowflake"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config 服务配置
type Config struct {
	ServiceName string `yaml:"serviceName"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"logLevel"`
	HTTPPort    int    `yaml:"httpPort"`

	// Store 事件存储：postgres | memory
	Store string `yaml:"store"`

	// PostgreSQL
	DBHost     string `yaml:"dbHost"`
	DBPort     int    `yaml:"dbPort"`
	DBUser     string `yaml:"dbUser"`
	DBPassword string `yaml:"dbPassword"`
	DBName     string `yaml:"dbName"`
	DBSSLMode  string `yaml:"dbSSLMode"`

	DBMaxOpenConns int `yaml:"dbMaxOpenConns"`
	DBMaxIdleConns int `yaml:"dbMaxIdleConns"`

	// Redis
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// Streams
	EventStream   string `yaml:"eventStream"`
	ConsumerGroup string `yaml:"consumerGroup"`
	ConsumerName  string `yaml:"consumerName"`

	// Reconciliation
	PollingInterval     time.Duration `yaml:"-"`
	PollingIntervalMs   int64         `yaml:"pollingIntervalMs"`
	CompensationTimeout time.Duration `yaml:"compensationTimeout"`
	OmegaTTL            time.Duration `yaml:"omegaTTL"`

	InternalToken string `yaml:"internalToken"`

	// Tracing
	TracingEnabled    bool    `yaml:"tracingEnabled"`
	TracingEndpoint   string  `yaml:"tracingEndpoint"`
	TracingSampleRate float64 `yaml:"tracingSampleRate"`

	WorkerID int64 `yaml:"workerID"`
}

func defaults() *Config {
	return &Config{
		ServiceName: "saga-alpha",
		Env:         "dev",
		LogLevel:    "info",
		HTTPPort:    8090,
		Store:       StorePostgres,

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "saga",
		DBPassword: "saga",
		DBName:     "saga",
		DBSSLMode:  "disable",

		DBMaxOpenConns: 20,
		DBMaxIdleConns: 5,

		RedisAddr: "localhost:6379",

		EventStream:   "saga:events",
		ConsumerGroup: "alpha-group",

		PollingIntervalMs:   500,
		CompensationTimeout: 5 * time.Second,
		OmegaTTL:            time.Minute,

		InternalToken: "dev-internal-token-change-me",

		TracingEndpoint:   "http://localhost:14268/api/traces",
		TracingSampleRate: 1.0,

		// 未配置时由 consumer 名派生
		WorkerID: -1,
	}
}

// Load 加载配置：默认值 < YAML 文件（ALPHA_CONFIG_FILE）< 环境变量
func Load() (*Config, error) {
	c := defaults()
	if err := envconfig.LoadYAML(envconfig.GetEnv("ALPHA_CONFIG_FILE", ""), c); err != nil {
		return nil, err
	}

	c.ServiceName = envconfig.GetEnv("SERVICE_NAME", c.ServiceName)
	c.Env = envconfig.GetEnv("ALPHA_ENV", c.Env)
	c.LogLevel = envconfig.GetEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPPort = envconfig.GetEnvInt("HTTP_PORT", c.HTTPPort)
	c.Store = strings.ToLower(envconfig.GetEnv("ALPHA_STORE", c.Store))

	c.DBHost = envconfig.GetEnv("DB_HOST", c.DBHost)
	c.DBPort = envconfig.GetEnvInt("DB_PORT", c.DBPort)
	c.DBUser = envconfig.GetEnv("DB_USER", c.DBUser)
	c.DBPassword = envconfig.GetEnv("DB_PASSWORD", c.DBPassword)
	c.DBName = envconfig.GetEnv("DB_NAME", c.DBName)
	c.DBSSLMode = envconfig.GetEnv("DB_SSLMODE", c.DBSSLMode)
	c.DBMaxOpenConns = envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", c.DBMaxOpenConns)
	c.DBMaxIdleConns = envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", c.DBMaxIdleConns)

	c.RedisAddr = envconfig.GetEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = envconfig.GetEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = envconfig.GetEnvInt("REDIS_DB", c.RedisDB)

	c.EventStream = envconfig.GetEnv("EVENT_STREAM", c.EventStream)
	c.ConsumerGroup = envconfig.GetEnv("CONSUMER_GROUP", c.ConsumerGroup)
	c.ConsumerName = envconfig.GetEnv("CONSUMER_NAME", c.ConsumerName)
	if c.ConsumerName == "" {
		c.ConsumerName = "alpha-" + uuid.NewString()[:8]
	}

	c.PollingInterval = envconfig.GetEnvMillis("ALPHA_POLLING_INTERVAL_MS", time.Duration(c.PollingIntervalMs)*time.Millisecond)
	c.CompensationTimeout = envconfig.GetEnvDuration("COMPENSATION_TIMEOUT", c.CompensationTimeout)
	c.OmegaTTL = envconfig.GetEnvDuration("OMEGA_TTL", c.OmegaTTL)

	c.InternalToken = envconfig.GetEnv("INTERNAL_TOKEN", c.InternalToken)

	c.TracingEnabled = envconfig.GetEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = envconfig.GetEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingSampleRate = envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", c.TracingSampleRate)

	c.WorkerID = envconfig.GetEnvInt64("WORKER_ID", c.WorkerID)
	if c.WorkerID < 0 {
		c.WorkerID = snowflake.WorkerIDFor(c.ConsumerName)
	}
	return c, nil
}

// Validate 启动前校验
func (c *Config) Validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("polling interval must be positive, got %s", c.PollingInterval)
	}
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("unknown store %q (expected %s or %s)", c.Store, StorePostgres, StoreMemory)
	}
	if c.CompensationTimeout <= 0 {
		return fmt.Errorf("compensation timeout must be positive, got %s", c.CompensationTimeout)
	}
	if c.WorkerID < 0 || c.WorkerID > snowflake.MaxWorkerID {
		return fmt.Errorf("worker id must be in [0, %d], got %d", snowflake.MaxWorkerID, c.WorkerID)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	if strings.EqualFold(c.Env, "production") {
		if envconfig.IsInsecureDevSecret(c.InternalToken) || len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be set to a non-default secret in production")
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
