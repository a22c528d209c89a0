package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"OpenMCP-Assistant/internal/session"
	"OpenMCP-Assistant/internal/storage/mysql"
)

// EnvPrefix 是覆盖配置的环境变量前缀，双下划线表示层级。
const EnvPrefix = "OPENMCP_"

const maxConfigFileSize = 1 << 20

// Config 描述了 openmcpd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Safety       SafetyConfig       `koanf:"safety"`
	Undo         UndoConfig         `koanf:"undo"`
	Session      SessionConfig      `koanf:"session"`
	Locks        LocksConfig        `koanf:"locks"`
	Ledger       LedgerConfig       `koanf:"ledger"`
	History      HistoryConfig      `koanf:"history"`
	Oracle       OracleConfig       `koanf:"oracle"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`
	TaskQueue    TaskQueueConfig    `koanf:"task_queue"`
	Events       EventsConfig       `koanf:"events"`
	Redis        RedisConfig        `koanf:"redis"`
	MySQL        mysql.Config       `koanf:"mysql"`
	Runtime      RuntimeConfig      `koanf:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `koanf:"address" validate:"required"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `koanf:"metrics_address"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string      `koanf:"level" validate:"oneof=debug info warn error"`
	Format      string      `koanf:"format" validate:"oneof=json text"`
	OutputPaths []string    `koanf:"output_paths"`
	Audit       AuditConfig `koanf:"audit"`
}

// AuditConfig 控制审计日志文件与滚动策略。
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

// OrchestratorConfig 控制主循环的边界。
type OrchestratorConfig struct {
	MaxIterations     int           `koanf:"max_iterations" validate:"gte=1"`
	TurnTimeout       time.Duration `koanf:"turn_timeout" validate:"gt=0"`
	PersistTimeout    time.Duration `koanf:"persist_timeout" validate:"gt=0"`
	KnowledgeMaxChars int           `koanf:"knowledge_max_chars" validate:"gte=1"`
	HistoryDepth      int           `koanf:"history_depth" validate:"gte=0"`
}

// SafetyConfig 控制确认策略。
type SafetyConfig struct {
	ConfirmThreshold int `koanf:"confirm_threshold" validate:"gte=0"`
	PreviewSample    int `koanf:"preview_sample" validate:"gte=1"`
}

// UndoConfig 控制撤销窗口与记录保留时间。
type UndoConfig struct {
	Window    time.Duration `koanf:"window" validate:"gt=0"`
	Retention time.Duration `koanf:"retention" validate:"gte=0"`
}

// SessionConfig 选择会话存储。
type SessionConfig struct {
	Driver        string        `koanf:"driver" validate:"oneof=memory redis mysql"`
	TTL           time.Duration `koanf:"ttl" validate:"gt=0"`
	Prefix        string        `koanf:"prefix"`
	PurgeInterval time.Duration `koanf:"purge_interval" validate:"gte=0"`
	Cache         CacheConfig   `koanf:"cache"`
}

// CacheConfig 控制会话存储前的进程内缓存。
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	Idle    time.Duration `koanf:"idle" validate:"gte=0"`
	Sweep   time.Duration `koanf:"sweep" validate:"gte=0"`
}

// LocksConfig 选择会话独占锁的实现。
type LocksConfig struct {
	Driver string        `koanf:"driver" validate:"oneof=memory redis"`
	Wait   time.Duration `koanf:"wait" validate:"gte=0"`
	TTL    time.Duration `koanf:"ttl" validate:"gt=0"`
	Prefix string        `koanf:"prefix"`
}

// LedgerConfig 选择撤销记录的存储。
type LedgerConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory redis"`
	Prefix string `koanf:"prefix"`
}

// HistoryConfig 选择轮次历史的存储。
type HistoryConfig struct {
	Driver string `koanf:"driver" validate:"oneof=none file mysql"`
}

// OracleConfig 选择决策模型。
type OracleConfig struct {
	Provider string             `koanf:"provider" validate:"oneof=openai python_bridge"`
	OpenAI   OpenAIConfig       `koanf:"openai"`
	Python   PythonBridgeConfig `koanf:"python_bridge"`
}

// OpenAIConfig 描述 Chat Completions 接入参数。
type OpenAIConfig struct {
	APIKey      string        `koanf:"api_key"`
	APIKeyEnv   string        `koanf:"api_key_env"`
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout" validate:"gte=0"`
	Temperature float64       `koanf:"temperature" validate:"gte=0,lte=2"`
}

// ResolveAPIKey 返回直接配置或来自环境变量的 API Key。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// PythonBridgeConfig 描述通过 Python 脚本完成决策时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `koanf:"python_executable"`
	ScriptPath       string `koanf:"script_path"`
	WorkingDir       string `koanf:"working_dir"`
}

// CapabilitiesConfig 指向能力定义文件。
type CapabilitiesConfig struct {
	Path        string        `koanf:"path" validate:"required"`
	CallTimeout time.Duration `koanf:"call_timeout" validate:"gte=0"`
}

// TaskQueueConfig 控制异步轮次。
type TaskQueueConfig struct {
	Enabled    bool           `koanf:"enabled"`
	Driver     string         `koanf:"driver" validate:"oneof=memory redis rabbitmq"`
	Store      string         `koanf:"store" validate:"oneof=memory mysql"`
	Workers    int            `koanf:"workers" validate:"gte=1"`
	Retries    int            `koanf:"retries" validate:"gte=1"`
	RetryDelay time.Duration  `koanf:"retry_delay" validate:"gte=0"`
	Redis      RedisQueue     `koanf:"redis"`
	RabbitMQ   RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisQueue 是 Redis 队列的参数，连接使用顶层 redis 配置。
type RedisQueue struct {
	Key       string        `koanf:"key"`
	BlockWait time.Duration `koanf:"block_wait" validate:"gte=0"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `koanf:"url"`
	Queue      string `koanf:"queue"`
	Prefetch   int    `koanf:"prefetch" validate:"gte=0"`
	Durable    bool   `koanf:"durable"`
	AutoDelete bool   `koanf:"auto_delete"`
}

// EventsConfig 控制事件的外部投递。
type EventsConfig struct {
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig 为空 URL 时不连接 NATS。
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// RedisConfig 是会话、锁、撤销记录与队列共用的 Redis 连接。
type RedisConfig struct {
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// UsesRedis 判断是否有组件依赖 Redis。
func (c *Config) UsesRedis() bool {
	return c.Session.Driver == "redis" || c.Locks.Driver == "redis" || c.Ledger.Driver == "redis" ||
		(c.TaskQueue.Enabled && c.TaskQueue.Driver == "redis")
}

// UsesMySQL 判断是否有组件依赖 MySQL。
func (c *Config) UsesMySQL() bool {
	return c.Session.Driver == "mysql" || c.History.Driver == "mysql" ||
		(c.TaskQueue.Enabled && c.TaskQueue.Store == "mysql")
}

// Load 读取 YAML 配置文件并叠加环境变量。path 为空时只使用环境变量与默认值。
// 同目录下的 .env 文件会先被载入，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	baseDir := "."

	if path != "" {
		baseDir = filepath.Dir(path)
		if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
			return nil, err
		}
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
		}
	}

	// OPENMCP_ORCHESTRATOR__MAX_ITERATIONS -> orchestrator.max_iterations
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("配置文件过大: %d 字节", info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return content, nil
}

// Validate 校验字段约束以及驱动之间的依赖关系。
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if c.UsesRedis() && c.Redis.Address == "" {
		return fmt.Errorf("配置校验失败: redis.address 不能为空")
	}
	if c.UsesMySQL() && c.MySQL.DSN == "" {
		return fmt.Errorf("配置校验失败: mysql.dsn 不能为空")
	}
	if c.TaskQueue.Enabled && c.TaskQueue.Driver == "rabbitmq" && c.TaskQueue.RabbitMQ.URL == "" {
		return fmt.Errorf("配置校验失败: task_queue.rabbitmq.url 不能为空")
	}
	// 分布式锁必须覆盖一整轮执行与落盘，否则锁会在轮次中途过期。
	if c.Locks.Driver == "redis" {
		if budget := c.Orchestrator.TurnTimeout + c.Orchestrator.PersistTimeout; c.Locks.TTL <= budget {
			return fmt.Errorf("配置校验失败: locks.ttl (%s) 必须大于 orchestrator.turn_timeout + persist_timeout (%s)", c.Locks.TTL, budget)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stdout"}
	}
	if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path)
	}

	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 10
	}
	if c.Orchestrator.TurnTimeout == 0 {
		c.Orchestrator.TurnTimeout = 60 * time.Second
	}
	if c.Orchestrator.PersistTimeout == 0 {
		c.Orchestrator.PersistTimeout = 5 * time.Second
	}
	if c.Orchestrator.KnowledgeMaxChars == 0 {
		c.Orchestrator.KnowledgeMaxChars = 2000
	}
	if c.Orchestrator.HistoryDepth == 0 {
		c.Orchestrator.HistoryDepth = 5
	}

	if c.Safety.ConfirmThreshold == 0 {
		c.Safety.ConfirmThreshold = 1
	}
	if c.Safety.PreviewSample == 0 {
		c.Safety.PreviewSample = 5
	}

	if c.Undo.Window == 0 {
		c.Undo.Window = 5 * time.Minute
	}
	if c.Undo.Retention == 0 {
		c.Undo.Retention = 10 * time.Minute
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = session.DefaultTTL
	}
	if c.Session.Prefix == "" {
		c.Session.Prefix = "openmcp:session:"
	}
	if c.Session.PurgeInterval == 0 {
		c.Session.PurgeInterval = 10 * time.Minute
	}
	if c.Session.Cache.Idle == 0 {
		c.Session.Cache.Idle = 15 * time.Minute
	}
	if c.Session.Cache.Sweep == 0 {
		c.Session.Cache.Sweep = time.Minute
	}

	if c.Locks.Driver == "" {
		c.Locks.Driver = "memory"
	}
	if c.Locks.TTL == 0 {
		c.Locks.TTL = 2 * time.Minute
	}
	if c.Locks.Prefix == "" {
		c.Locks.Prefix = "openmcp:lock:"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Prefix == "" {
		c.Ledger.Prefix = "openmcp:undo:"
	}

	if c.History.Driver == "" {
		c.History.Driver = "file"
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "python_bridge"
	}
	if c.Oracle.Python.PythonExecutable == "" {
		c.Oracle.Python.PythonExecutable = "python3"
	}
	if c.Oracle.Python.WorkingDir == "" {
		c.Oracle.Python.WorkingDir = baseDir
	} else {
		c.Oracle.Python.WorkingDir = resolvePath(baseDir, c.Oracle.Python.WorkingDir)
	}
	if c.Oracle.OpenAI.APIKeyEnv == "" {
		c.Oracle.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Capabilities.Path == "" {
		c.Capabilities.Path = "capabilities.yaml"
	}
	c.Capabilities.Path = resolvePath(baseDir, c.Capabilities.Path)
	if c.Capabilities.CallTimeout == 0 {
		c.Capabilities.CallTimeout = 15 * time.Second
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Store == "" {
		c.TaskQueue.Store = "memory"
	}
	if c.TaskQueue.Workers == 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.Retries == 0 {
		c.TaskQueue.Retries = 3
	}
	if c.TaskQueue.RetryDelay == 0 {
		c.TaskQueue.RetryDelay = 500 * time.Millisecond
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
