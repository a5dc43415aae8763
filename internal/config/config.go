package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"MEMEX-Node/pkg/logger"
)

// Config 描述了 memexd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Redis    RedisConfig    `json:"redis"`
	Epoch    EpochConfig    `json:"epoch"`
	Sweep    SweepConfig    `json:"sweep"`
	Ledger   LedgerConfig   `json:"ledger"`
	Protocol ProtocolConfig `json:"protocol"`
	Founder  FounderConfig  `json:"founder"`
	Logging  logger.Config  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 选择账本与治理数据的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	LockWaitTimeoutSeconds int    `json:"lock_wait_timeout_seconds"`
}

// RedisConfig 为纪元时钟与 Redis 队列共享的连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EpochConfig 控制纪元时钟。
type EpochConfig struct {
	// Clock 为 memory 或 redis，多实例部署必须使用 redis。
	Clock string `json:"clock"`
	Key   string `json:"key"`
	Start int64  `json:"start"`
	// TickSeconds 大于 0 时自动推进纪元，为 0 时只能由创始人接口推进。
	TickSeconds int `json:"tick_seconds"`
}

// SweepConfig 控制后台清扫与作业队列。
type SweepConfig struct {
	IntervalSeconds int            `json:"interval_seconds"`
	Workers         int            `json:"workers"`
	RewardBackfill  int64          `json:"reward_backfill"`
	Queue           QueueConfig    `json:"queue"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
}

// QueueConfig 选择作业队列实现。
type QueueConfig struct {
	Driver           string `json:"driver"`
	Name             string `json:"name"`
	Size             int    `json:"size"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LedgerConfig 控制账本并发参数。
type LedgerConfig struct {
	LockTimeoutMillis  int `json:"lock_timeout_ms"`
	MaxRetries         int `json:"max_retries"`
	RetryBackoffMillis int `json:"retry_backoff_ms"`
}

// ProtocolConfig 指向协议经济参数文件。
type ProtocolConfig struct {
	ParamsPath string `json:"params_path"`
}

// FounderConfig 保护创始人接口。
type FounderConfig struct {
	AgentID   string `json:"agent_id"`
	Secret    string `json:"secret"`
	SecretEnv string `json:"secret_env"`
}

// MetricsConfig 控制独立的指标端口，地址为空时挂载到 API 服务的 /metrics。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置告警渠道，日志渠道总是启用。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查驱动组合是否可用。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.Epoch.Clock {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("epoch.clock=redis 需要配置 redis.address")
		}
	default:
		return fmt.Errorf("未知的纪元时钟: %s", c.Epoch.Clock)
	}
	switch c.Sweep.Queue.Driver {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("sweep.queue.driver=redis 需要配置 redis.address")
		}
	case "rabbitmq":
		if c.Sweep.RabbitMQ.URL == "" {
			return errors.New("sweep.queue.driver=rabbitmq 需要配置 sweep.rabbitmq.url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Sweep.Queue.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Epoch.Clock == "memory" {
		// 共享存储配合进程内时钟会让多个实例看到不同的纪元。
		return errors.New("storage.driver=mysql 需要 epoch.clock=redis")
	}
	return nil
}

// FounderSecret 返回创始人密钥，优先读取环境变量。
func (c *Config) FounderSecret() string {
	if c.Founder.SecretEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.Founder.SecretEnv)); v != "" {
			return v
		}
	}
	return c.Founder.Secret
}

// SweepInterval 返回清扫间隔。
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// EpochTick 返回纪元自动推进间隔，0 表示关闭。
func (c *Config) EpochTick() time.Duration {
	return time.Duration(c.Epoch.TickSeconds) * time.Second
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.LockWaitTimeoutSeconds <= 0 {
		c.Storage.MySQL.LockWaitTimeoutSeconds = 5
	}

	if c.Epoch.Clock == "" {
		c.Epoch.Clock = "memory"
	}
	if c.Epoch.Key == "" {
		c.Epoch.Key = "memex:epoch"
	}

	if c.Sweep.IntervalSeconds <= 0 {
		c.Sweep.IntervalSeconds = 30
	}
	if c.Sweep.Workers <= 0 {
		c.Sweep.Workers = 2
	}
	if c.Sweep.RewardBackfill <= 0 {
		c.Sweep.RewardBackfill = 24
	}
	if c.Sweep.Queue.Driver == "" {
		c.Sweep.Queue.Driver = "memory"
	}
	if c.Sweep.Queue.Size <= 0 {
		c.Sweep.Queue.Size = 1024
	}
	if c.Sweep.Queue.BlockWaitSeconds <= 0 {
		c.Sweep.Queue.BlockWaitSeconds = 5
	}

	if c.Ledger.LockTimeoutMillis <= 0 {
		c.Ledger.LockTimeoutMillis = 2000
	}
	if c.Ledger.MaxRetries <= 0 {
		c.Ledger.MaxRetries = 3
	}
	if c.Ledger.RetryBackoffMillis <= 0 {
		c.Ledger.RetryBackoffMillis = 20
	}

	if c.Protocol.ParamsPath == "" {
		c.Protocol.ParamsPath = filepath.Join(baseDir, "protocol.yaml")
	} else if !filepath.IsAbs(c.Protocol.ParamsPath) {
		c.Protocol.ParamsPath = filepath.Join(baseDir, c.Protocol.ParamsPath)
	}

	if c.Founder.AgentID == "" {
		c.Founder.AgentID = "founder"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "memexd"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}
