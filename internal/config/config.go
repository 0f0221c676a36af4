package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"
)

// Config 全局配置结构体（与 config/config.yaml 对应）
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`      // 运维 HTTP 服务
	Database    DatabaseConfig    `mapstructure:"database"`    // PostgreSQL 配置
	Log         LogConfig         `mapstructure:"log"`         // 日志配置
	Enrichment  EnrichmentConfig  `mapstructure:"enrichment"`  // 外部数据源补全
	Aggregation AggregationConfig `mapstructure:"aggregation"` // 统计聚合
}

// ServerConfig 运维服务配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN（URL 形式）
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`     // 单次读写超时
	LogLevel        string        `mapstructure:"log_level"`         // GORM 日志：silent/error/warn/info
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // text/json
}

// EnrichmentConfig 外部数据源补全配置
type EnrichmentConfig struct {
	Provider        string        `mapstructure:"provider"`         // 数据源适配器名
	BaseURL         string        `mapstructure:"base_url"`         // API基础地址
	AuthToken       string        `mapstructure:"auth_token"`       // 认证Token（建议走 .env）
	Proxy           string        `mapstructure:"proxy"`            // 代理地址
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`  // 单次请求超时
	RateLimit       float64       `mapstructure:"rate_limit"`       // 全局每秒请求数
	Workers         int           `mapstructure:"workers"`          // 并发抓取协程数（共享限流器）
	BatchSize       int           `mapstructure:"batch_size"`       // 队列分页大小
	CheckpointEvery int           `mapstructure:"checkpoint_every"` // 每提交 N 个实体落盘一次
	CheckpointPath  string        `mapstructure:"checkpoint_path"`  // checkpoint 文件路径
	Retry           RetryConfig   `mapstructure:"retry"`            // 重试策略
}

// RetryConfig 重试策略配置
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// AggregationConfig 统计聚合配置
type AggregationConfig struct {
	PageSize  int `mapstructure:"page_size"`  // 事件日志分页大小
	WriteSize int `mapstructure:"write_size"` // 统计批量写入大小
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.query_timeout", 30*time.Second)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("enrichment.provider", "racingapi")
	v.SetDefault("enrichment.request_timeout", 15*time.Second)
	v.SetDefault("enrichment.rate_limit", 2.0)
	v.SetDefault("enrichment.workers", 1)
	v.SetDefault("enrichment.batch_size", 500)
	v.SetDefault("enrichment.checkpoint_every", 100)
	v.SetDefault("enrichment.checkpoint_path", "./data/enrichment_checkpoint.json")
	v.SetDefault("enrichment.retry.max_attempts", 5)
	v.SetDefault("enrichment.retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("enrichment.retry.max_delay", 30*time.Second)
	v.SetDefault("enrichment.retry.multiplier", 2.0)
	v.SetDefault("aggregation.page_size", 50000)
	v.SetDefault("aggregation.write_size", 1000)
}

// LoadConfig 加载配置文件（path 为空时读 ./config/config.yaml），敏感项从 .env 覆盖（不提交 git）
func LoadConfig(path string) (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load()

	// 2. 读取 config.yaml；文件不存在时只用默认值
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 敏感字段：用 env 覆盖（优先级 env > yaml）
	overrideFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("RACESTATS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RACESTATS_ENRICHMENT_AUTH_TOKEN"); v != "" {
		cfg.Enrichment.AuthToken = v
	}
	if v := os.Getenv("RACESTATS_ENRICHMENT_PROXY"); v != "" {
		cfg.Enrichment.Proxy = v
	}
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	e := c.Enrichment
	switch {
	case e.RateLimit <= 0:
		return fmt.Errorf("enrichment.rate_limit 必须大于0，当前 %v", e.RateLimit)
	case e.Workers < 1:
		return fmt.Errorf("enrichment.workers 必须大于等于1，当前 %d", e.Workers)
	case e.BatchSize < 1:
		return fmt.Errorf("enrichment.batch_size 必须大于等于1，当前 %d", e.BatchSize)
	case e.CheckpointEvery < 1:
		return fmt.Errorf("enrichment.checkpoint_every 必须大于等于1，当前 %d", e.CheckpointEvery)
	case e.Retry.MaxAttempts < 1:
		return fmt.Errorf("enrichment.retry.max_attempts 必须大于等于1，当前 %d", e.Retry.MaxAttempts)
	case c.Aggregation.PageSize < 1 || c.Aggregation.WriteSize < 1:
		return fmt.Errorf("aggregation.page_size / write_size 必须大于等于1")
	}
	return nil
}

// GormLogLevel 将配置的字符串映射为 GORM 日志级别
func (d *DatabaseConfig) GormLogLevel() logger.LogLevel {
	switch d.LogLevel {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
