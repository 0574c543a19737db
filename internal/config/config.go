package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"RelayAgent/internal/auth"
	"RelayAgent/pkg/logger"
)

// EnvPrefix 是环境变量覆盖使用的前缀，例如 RELAY_LLM_API_KEY。
const EnvPrefix = "RELAY"

// Config 描述了 relayd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" envconfig:"SERVER"`
	LLM      LLMConfig      `json:"llm" envconfig:"LLM"`
	Prompts  PromptsConfig  `json:"prompts" envconfig:"PROMPTS"`
	Agent    AgentConfig    `json:"agent" envconfig:"AGENT"`
	Tools    ToolsConfig    `json:"tools" envconfig:"TOOLS"`
	Storage  StorageConfig  `json:"storage" envconfig:"STORAGE"`
	Queue    QueueConfig    `json:"queue" envconfig:"QUEUE"`
	Tracing  TracingConfig  `json:"tracing" envconfig:"TRACING"`
	Alerting AlertingConfig `json:"alerting" envconfig:"ALERTING"`
	Logging  logger.Config  `json:"logging" envconfig:"LOGGING"`
}

// ServerConfig 控制 HTTP 服务。
type ServerConfig struct {
	Address         string   `json:"address"`
	ReadTimeout     Duration `json:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    Duration `json:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	RequestTimeout  Duration `json:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// MetricsAddress 非空时在独立端口上额外暴露 /metrics。
	MetricsAddress string `json:"metrics_address" envconfig:"METRICS_ADDRESS"`
	// APITokens 非空时 /api 路由需要 Bearer 令牌。
	APITokens []auth.Token `json:"api_tokens" ignored:"true"`
	// APIToken 是通过环境变量配置一个读写令牌的简写。
	APIToken string `json:"-" envconfig:"API_TOKEN"`
}

// LLMConfig 选择补全服务并配置其韧性策略。
type LLMConfig struct {
	// Provider 可选 openai 或 gemini。
	Provider    string   `json:"provider"`
	APIKey      string   `json:"api_key" envconfig:"API_KEY"`
	BaseURL     string   `json:"base_url" envconfig:"BASE_URL"`
	Model       string   `json:"model"`
	Temperature float32  `json:"temperature"`
	Timeout     Duration `json:"timeout"`
	// Resilient 开启后为补全调用加上超时、重试与限流。
	Resilient  bool     `json:"resilient"`
	MaxRetries int      `json:"max_retries" envconfig:"MAX_RETRIES"`
	Backoff    Duration `json:"backoff"`
	RateLimit  float64  `json:"rate_limit" envconfig:"RATE_LIMIT"`
	Burst      int      `json:"burst"`
}

// PromptsConfig 描述提示词模板的来源与缓存。
type PromptsConfig struct {
	Dir   string   `json:"dir"`
	Label string   `json:"label"`
	TTL   Duration `json:"ttl"`
	Watch bool     `json:"watch"`
	// RedisAddress 非空时使用 Redis 作为共享模板缓存。
	RedisAddress string `json:"redis_address" envconfig:"REDIS_ADDRESS"`
	RedisPrefix  string `json:"redis_prefix" envconfig:"REDIS_PREFIX"`
}

// AgentConfig 控制编排循环。
type AgentConfig struct {
	MaxSteps     int    `json:"max_steps" envconfig:"MAX_STEPS"`
	HistoryDepth int    `json:"history_depth" envconfig:"HISTORY_DEPTH"`
	EnableIntent bool   `json:"enable_intent" envconfig:"ENABLE_INTENT"`
	EnableDecide bool   `json:"enable_decide" envconfig:"ENABLE_DECIDE"`
	Model        string `json:"model"`
}

// ToolsConfig 配置各个外部工具，未配置地址的工具不会注册。
type ToolsConfig struct {
	CallTimeout Duration          `json:"call_timeout" envconfig:"CALL_TIMEOUT"`
	Budget      BudgetConfig      `json:"budget"`
	TaskManager TaskManagerConfig `json:"task_manager" envconfig:"TASK_MANAGER"`
	Web         WebConfig         `json:"web"`
	Email       EmailConfig       `json:"email"`
}

// BudgetConfig 配置记账服务。
type BudgetConfig struct {
	BaseURL        string `json:"base_url" envconfig:"BASE_URL"`
	Token          string `json:"token"`
	DefaultAccount string `json:"default_account" envconfig:"DEFAULT_ACCOUNT"`
	Limit          int    `json:"limit"`
	Model          string `json:"model"`
}

// TaskManagerConfig 配置待办服务。
type TaskManagerConfig struct {
	BaseURL string `json:"base_url" envconfig:"BASE_URL"`
	Token   string `json:"token"`
}

// WebConfig 配置网页抓取。
type WebConfig struct {
	Enabled   bool     `json:"enabled"`
	Timeout   Duration `json:"timeout"`
	MaxBytes  int64    `json:"max_bytes" envconfig:"MAX_BYTES"`
	MaxLength int      `json:"max_length" envconfig:"MAX_LENGTH"`
}

// EmailConfig 描述 SMTP 发信参数，邮件工具与邮件告警共用。
type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

// Enabled 报告 SMTP 是否已配置。
func (c EmailConfig) Enabled() bool {
	return strings.TrimSpace(c.Host) != "" && strings.TrimSpace(c.From) != ""
}

// StorageConfig 选择账本与运行记录的存储后端。
type StorageConfig struct {
	// Driver 可选 memory 或 mysql。
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql" envconfig:"MYSQL"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" envconfig:"MAX_OPEN_CONNS"`
	MaxIdleConns    int      `json:"max_idle_conns" envconfig:"MAX_IDLE_CONNS"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME"`
	AutoMigrate     bool     `json:"auto_migrate" envconfig:"AUTO_MIGRATE"`
}

// QueueConfig 配置异步运行队列与处理器。
type QueueConfig struct {
	// Driver 可选 memory、redis 或 rabbitmq。
	Driver        string         `json:"driver"`
	Workers       int            `json:"workers"`
	MaxRetries    int            `json:"max_retries" envconfig:"MAX_RETRIES"`
	RunTimeout    Duration       `json:"run_timeout" envconfig:"RUN_TIMEOUT"`
	FallbackReply string         `json:"fallback_reply" envconfig:"FALLBACK_REPLY"`
	MemorySize    int            `json:"memory_size" envconfig:"MEMORY_SIZE"`
	Redis         RedisConfig    `json:"redis"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq" envconfig:"RABBITMQ"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait" envconfig:"BLOCK_WAIT"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete" envconfig:"AUTO_DELETE"`
}

// TracingConfig 控制追踪导出。
type TracingConfig struct {
	Exporter    string `json:"exporter"`
	ServiceName string `json:"service_name" envconfig:"SERVICE_NAME"`
	Output      string `json:"output"`
}

// AlertingConfig 配置运行失败告警。
type AlertingConfig struct {
	EmailTo       []string  `json:"email_to" envconfig:"EMAIL_TO"`
	SubjectPrefix string    `json:"subject_prefix" envconfig:"SUBJECT_PREFIX"`
	Webhooks      []Webhook `json:"webhooks" ignored:"true"`
	// WebhookURL 是通过环境变量配置单个 webhook 的简写。
	WebhookURL    string `json:"-" envconfig:"WEBHOOK_URL"`
	WebhookFormat string `json:"-" envconfig:"WEBHOOK_FORMAT"`
}

// Webhook 描述一个告警回调地址。
type Webhook struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// Load 依次读取 JSON 配置文件、.env 文件与 RELAY_* 环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
		baseDir = filepath.Dir(path)
	}

	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	if cfg.Server.APIToken != "" {
		cfg.Server.APITokens = append(cfg.Server.APITokens, auth.Token{
			Name:        "env",
			Secret:      cfg.Server.APIToken,
			Permissions: []string{auth.PermissionRead, auth.PermissionWrite},
		})
	}
	if cfg.Alerting.WebhookURL != "" {
		cfg.Alerting.Webhooks = append(cfg.Alerting.Webhooks, Webhook{URL: cfg.Alerting.WebhookURL, Format: cfg.Alerting.WebhookFormat})
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := json.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	return nil
}

// loadDotEnv 加载 .env 文件，文件不存在时忽略。已存在的环境变量不会被覆盖。
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("读取 .env 失败: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Seconds(15)
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Seconds(120)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = c.Server.RequestTimeout + Seconds(10)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Seconds(15)
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Resilient && c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 2
	}

	if c.Prompts.Dir != "" && !filepath.IsAbs(c.Prompts.Dir) {
		c.Prompts.Dir = filepath.Join(baseDir, c.Prompts.Dir)
	}
	if c.Prompts.TTL == 0 {
		c.Prompts.TTL = Seconds(60)
	}
	if c.Prompts.RedisPrefix == "" {
		c.Prompts.RedisPrefix = "relay:prompt:"
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.HistoryDepth == 0 {
		c.Agent.HistoryDepth = 10
	}

	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = Seconds(60)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RunTimeout == 0 {
		c.Queue.RunTimeout = c.Server.RequestTimeout
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "relayd"
	}

	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("不支持的 llm.provider %q", c.LLM.Provider))
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			errs = append(errs, errors.New("storage.driver=mysql 时必须配置 storage.mysql.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 storage.driver %q", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.Redis.Address) == "" {
			errs = append(errs, errors.New("queue.driver=redis 时必须配置 queue.redis.address"))
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("queue.driver=rabbitmq 时必须配置 queue.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 queue.driver %q", c.Queue.Driver))
	}
	if c.Agent.MaxSteps < 0 {
		errs = append(errs, errors.New("agent.max_steps 不能为负数"))
	}
	return errors.Join(errs...)
}
