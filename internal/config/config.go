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
)

// Config 描述了 AgentHub 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Limiter  LimiterConfig  `json:"limiter"`
	Fetch    FetchConfig    `json:"fetch"`
	LLM      LLMConfig      `json:"llm"`
	Realtime RealtimeConfig `json:"realtime"`
	Storage  StorageConfig  `json:"storage"`
	Archive  ArchiveConfig  `json:"archive"`
	Payments PaymentsConfig `json:"payments"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
	Agents   AgentsConfig   `json:"agents"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// LimiterConfig 控制每个用户的滑动窗口限流。
type LimiterConfig struct {
	Driver   string      `json:"driver"`
	Limit    int         `json:"limit"`
	WindowMs int         `json:"window_ms"`
	Redis    RedisConfig `json:"redis"`
}

// Window 返回窗口时长。
func (c LimiterConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// FetchConfig 控制外部内容抓取与缓存。
type FetchConfig struct {
	PrimaryURL     string      `json:"primary_url"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	FreshnessSecs  int         `json:"freshness_seconds"`
	Store          string      `json:"store"`
	Redis          RedisConfig `json:"redis"`
	UserAgent      string      `json:"user_agent"`
	RespectRobots  bool        `json:"respect_robots"`
	PerDomainRPS   float64     `json:"per_domain_rps"`
	MaxBodyBytes   int64       `json:"max_body_bytes"`
	AllowPrivate   bool        `json:"allow_private_hosts"`
}

// Timeout 返回单次抓取的超时时间。
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Freshness 返回缓存的新鲜期。
func (c FetchConfig) Freshness() time.Duration {
	return time.Duration(c.FreshnessSecs) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string        `json:"provider"`
	OpenAI   OpenAIConfig  `json:"openai"`
	Ollama   OllamaConfig  `json:"ollama"`
	Breaker  BreakerConfig `json:"breaker"`
}

// OpenAIConfig 描述兼容 OpenAI 的 Chat Completions 服务。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 OpenAI 请求超时时间，0 表示不限制。
func (c OpenAIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先读取显式配置，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	key := strings.TrimSpace(c.APIKey)
	if key == "" && c.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return key
}

// OllamaConfig 描述本地 Ollama 服务。
type OllamaConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 Ollama 请求超时时间，0 表示不限制。
func (c OllamaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BreakerConfig 描述补全服务的熔断参数。
type BreakerConfig struct {
	Enabled          bool   `json:"enabled"`
	FailureThreshold uint32 `json:"failure_threshold"`
	OpenSeconds      int    `json:"open_seconds"`
	HalfOpenRequests uint32 `json:"half_open_requests"`
}

// RealtimeConfig 描述需要维持的长连接。
type RealtimeConfig struct {
	Endpoints       []EndpointConfig `json:"endpoints"`
	BaseDelayMs     int              `json:"base_delay_ms"`
	MaxDelayMs      int              `json:"max_delay_ms"`
	MaxAttempts     int              `json:"max_attempts"`
	HandshakeSecond int              `json:"handshake_timeout_seconds"`
}

// EndpointConfig 表示一个实时通道地址。
type EndpointConfig struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StorageConfig 描述对话记录的持久化后端。
type StorageConfig struct {
	Transcripts TranscriptStoreConfig `json:"transcripts"`
}

// TranscriptStoreConfig 支持 memory 与 mysql 两种驱动。
type TranscriptStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	HistoryLimit           int    `json:"history_limit"`
}

// ArchiveConfig 描述交互归档（Pinata/IPFS）与队列。
type ArchiveConfig struct {
	Enabled       bool        `json:"enabled"`
	PinataURL     string      `json:"pinata_url"`
	GatewayURL    string      `json:"gateway_url"`
	APIKeyEnv     string      `json:"api_key_env"`
	SecretKeyEnv  string      `json:"secret_key_env"`
	AppendReceipt bool        `json:"append_receipt"`
	MaxRetries    int         `json:"max_retries"`
	Queue         QueueConfig `json:"queue"`
}

// QueueConfig 描述归档任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Buffer   int            `json:"buffer"`
	Redis    RedisQueueConf `json:"redis"`
	RabbitMQ RabbitMQConf   `json:"rabbitmq"`
}

// RedisQueueConf 描述基于 Redis 列表的队列。
type RedisQueueConf struct {
	RedisConfig
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConf 描述 RabbitMQ 队列。
type RabbitMQConf struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PaymentsConfig 配置支付交易的链上确认。RPCURL 为空时只按交易哈希格式判断。
type PaymentsConfig struct {
	RPCURL               string `json:"rpc_url"`
	VerifyTimeoutSeconds int    `json:"verify_timeout_seconds"`
}

// VerifyTimeout 返回确认交易的超时时间。
func (p PaymentsConfig) VerifyTimeout() time.Duration {
	return time.Duration(p.VerifyTimeoutSeconds) * time.Second
}

// MetricsConfig 控制 Prometheus 指标端口。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// AgentsConfig 指定智能体目录。为空时使用内置目录。
type AgentsConfig struct {
	CatalogPath   string `json:"catalog_path"`
	ContextWindow int    `json:"context_window"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "logs/audit.log"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Limiter.Driver == "" {
		c.Limiter.Driver = "memory"
	}
	if c.Limiter.Limit <= 0 {
		c.Limiter.Limit = 100
	}
	if c.Limiter.WindowMs <= 0 {
		c.Limiter.WindowMs = 60000
	}
	if c.Limiter.Redis.Prefix == "" {
		c.Limiter.Redis.Prefix = "agenthub:ratelimit"
	}

	if c.Fetch.TimeoutSeconds <= 0 {
		c.Fetch.TimeoutSeconds = 15
	}
	if c.Fetch.FreshnessSecs <= 0 {
		c.Fetch.FreshnessSecs = 300
	}
	if c.Fetch.Store == "" {
		c.Fetch.Store = "memory"
	}
	if c.Fetch.Redis.Prefix == "" {
		c.Fetch.Redis.Prefix = "agenthub:fetch"
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "AgentHubBot/1.0 (+https://agenthub.local/bot)"
	}
	if c.Fetch.PerDomainRPS <= 0 {
		c.Fetch.PerDomainRPS = 1
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 5 << 20
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "ollama"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Ollama.BaseURL == "" {
		c.LLM.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.LLM.Ollama.Model == "" {
		c.LLM.Ollama.Model = "gemma3"
	}
	if c.LLM.Breaker.FailureThreshold == 0 {
		c.LLM.Breaker.FailureThreshold = 5
	}
	if c.LLM.Breaker.OpenSeconds <= 0 {
		c.LLM.Breaker.OpenSeconds = 30
	}
	if c.LLM.Breaker.HalfOpenRequests == 0 {
		c.LLM.Breaker.HalfOpenRequests = 1
	}

	if c.Realtime.BaseDelayMs <= 0 {
		c.Realtime.BaseDelayMs = 1000
	}
	if c.Realtime.MaxDelayMs <= 0 {
		c.Realtime.MaxDelayMs = 30000
	}
	if c.Realtime.MaxAttempts <= 0 {
		c.Realtime.MaxAttempts = 5
	}
	if c.Realtime.HandshakeSecond <= 0 {
		c.Realtime.HandshakeSecond = 10
	}

	if c.Storage.Transcripts.Driver == "" {
		c.Storage.Transcripts.Driver = "memory"
	}
	if c.Storage.Transcripts.HistoryLimit <= 0 {
		c.Storage.Transcripts.HistoryLimit = 500
	}

	if c.Archive.PinataURL == "" {
		c.Archive.PinataURL = "https://api.pinata.cloud"
	}
	if c.Archive.GatewayURL == "" {
		c.Archive.GatewayURL = "https://gateway.pinata.cloud/ipfs"
	}
	if c.Archive.APIKeyEnv == "" {
		c.Archive.APIKeyEnv = "PINATA_API_KEY"
	}
	if c.Archive.SecretKeyEnv == "" {
		c.Archive.SecretKeyEnv = "PINATA_SECRET_KEY"
	}
	if c.Payments.VerifyTimeoutSeconds <= 0 {
		c.Payments.VerifyTimeoutSeconds = 5
	}

	if c.Archive.MaxRetries <= 0 {
		c.Archive.MaxRetries = 3
	}
	if c.Archive.Queue.Driver == "" {
		c.Archive.Queue.Driver = "memory"
	}
	if c.Archive.Queue.Workers <= 0 {
		c.Archive.Queue.Workers = 2
	}
	if c.Archive.Queue.Buffer <= 0 {
		c.Archive.Queue.Buffer = 256
	}
	if c.Archive.Queue.Redis.Queue == "" {
		c.Archive.Queue.Redis.Queue = "agenthub:archive"
	}
	if c.Archive.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Archive.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Archive.Queue.RabbitMQ.Queue == "" {
		c.Archive.Queue.RabbitMQ.Queue = "agenthub.archive"
	}
	if c.Archive.Queue.RabbitMQ.Prefetch <= 0 {
		c.Archive.Queue.RabbitMQ.Prefetch = 8
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Agents.CatalogPath != "" && !filepath.IsAbs(c.Agents.CatalogPath) {
		c.Agents.CatalogPath = filepath.Join(baseDir, c.Agents.CatalogPath)
	}
	if c.Agents.ContextWindow <= 0 {
		c.Agents.ContextWindow = 10
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// validate 检查取值范围。
func (c *Config) validate() error {
	limit := c.Storage.Transcripts.HistoryLimit
	if limit < 100 || limit > 1000 {
		return fmt.Errorf("storage.transcripts.history_limit 必须位于 100 到 1000 之间，当前为 %d", limit)
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider)
	}
	for i, ep := range c.Realtime.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("realtime.endpoints[%d].url 不能为空", i)
		}
	}
	return nil
}
