package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀，例如 INTENTARC_SERVER_ADDRESS。
const EnvPrefix = "INTENTARC"

// DemoSender 是内存网关模式下默认使用的钱包地址。
const DemoSender = "0x5000000000000000000000000000000000000005"

// Config 描述了 IntentArc 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Intent       IntentConfig       `mapstructure:"intent"`
	Web3         Web3Config         `mapstructure:"web3"`
	Registry     RegistryConfig     `mapstructure:"registry"`
	AddressBook  AddressBookConfig  `mapstructure:"addressbook"`
	FX           FXConfig           `mapstructure:"fx"`
	Yield        YieldConfig        `mapstructure:"yield"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Events       EventsConfig       `mapstructure:"events"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	Outputs     []string `mapstructure:"outputs"`
	AddSource   bool     `mapstructure:"add_source"`
	AuditFile   string   `mapstructure:"audit_file"`
	AuditMaxMB  int      `mapstructure:"audit_max_mb"`
	AuditBackup int      `mapstructure:"audit_backups"`
	AuditMaxAge int      `mapstructure:"audit_max_age_days"`
}

// LLMConfig 用于配置大模型推理的调用方式。provider 为 none 时只使用规则解析。
type LLMConfig struct {
	Provider string             `mapstructure:"provider"`
	OpenAI   OpenAIConfig       `mapstructure:"openai"`
	Python   PythonBridgeConfig `mapstructure:"python_bridge"`
}

// OpenAIConfig 描述兼容 OpenAI Chat Completions 协议的服务。
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `mapstructure:"python_executable"`
	ScriptPath       string `mapstructure:"script_path"`
	WorkingDir       string `mapstructure:"working_dir"`
}

// IntentConfig 中的两个阈值允许在不改代码的情况下校准解析器。
type IntentConfig struct {
	AcceptThreshold float64 `mapstructure:"accept_threshold"`
	RuleConfidence  float64 `mapstructure:"rule_confidence"`
}

// Web3Config 描述链访问方式。driver 为 memory 时使用进程内网关。
type Web3Config struct {
	Driver       string `mapstructure:"driver"`
	ChainConfig  string `mapstructure:"chain_config"`
	DefaultChain string `mapstructure:"default_chain"`
	RPCURL       string `mapstructure:"rpc_url"`
	ChainID      int64  `mapstructure:"chain_id"`
	SignerKeyEnv string `mapstructure:"signer_key_env"`
	FXRouter     string `mapstructure:"fx_router"`
	// DemoBalances 只在 driver=memory 时生效，为默认发送方预置余额。
	DemoBalances map[string]string `mapstructure:"demo_balances"`
}

// RegistryConfig 指向可选的币种注册表 YAML 文件。
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// AddressBookConfig 描述收款人名称到地址的映射来源。
type AddressBookConfig struct {
	Driver  string            `mapstructure:"driver"`
	Entries map[string]string `mapstructure:"entries"`
	Redis   RedisConfig       `mapstructure:"redis"`
}

// RedisConfig 是 Redis 连接的公共参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// FXConfig 描述静态汇率表，键形如 "EURC/USDC"。
type FXConfig struct {
	Rates       map[string]string `mapstructure:"rates"`
	PriceImpact string            `mapstructure:"price_impact"`
	GasEstimate string            `mapstructure:"gas_estimate"`
}

// YieldConfig 控制收益相关的默认值与存款台账的存储方式。
type YieldConfig struct {
	APY             float64 `mapstructure:"apy"`
	PlaceholderDays int     `mapstructure:"placeholder_days"`
	Ledger          string  `mapstructure:"ledger"`
}

// OrchestratorConfig 控制网关调用超时与状态轮询节奏。
type OrchestratorConfig struct {
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

// StorageConfig 统一描述交易记录与 MySQL 连接信息。
type StorageConfig struct {
	Records         string        `mapstructure:"records"`
	DataDir         string        `mapstructure:"data_dir"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EventsConfig 描述交易事件队列。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Workers  int            `mapstructure:"workers"`
	Redis    RedisConfig    `mapstructure:"redis"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
	Durable  bool   `mapstructure:"durable"`
}

// AgentConfig 控制会话管理。default_sender 用于请求中未携带钱包地址的场景。
type AgentConfig struct {
	DefaultSender string        `mapstructure:"default_sender"`
	ParseTimeout  time.Duration `mapstructure:"parse_timeout"`
	MaxSessions   int           `mapstructure:"max_sessions"`
}

// MetricsConfig 为空地址时 /metrics 挂在 API 服务上，否则单独监听。
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// AlertingConfig 描述结算失败告警的投递方式。
type AlertingConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Load 解析指定路径的配置文件（YAML 或 JSON），并叠加 INTENTARC_* 环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 注册所有键，保证 AutomaticEnv 能覆盖未出现在文件中的字段。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputs", []string{"stdout"})
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.audit_file", "")
	v.SetDefault("logging.audit_max_mb", 50)
	v.SetDefault("logging.audit_backups", 5)
	v.SetDefault("logging.audit_max_age_days", 90)
	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm.openai.base_url", "")
	v.SetDefault("llm.openai.model", "")
	v.SetDefault("llm.openai.timeout", "10s")
	v.SetDefault("llm.python_bridge.python_executable", "python3")
	v.SetDefault("llm.python_bridge.script_path", "")
	v.SetDefault("llm.python_bridge.working_dir", "")
	v.SetDefault("intent.accept_threshold", 0.7)
	v.SetDefault("intent.rule_confidence", 0.9)
	v.SetDefault("web3.driver", "memory")
	v.SetDefault("web3.chain_config", "")
	v.SetDefault("web3.default_chain", "")
	v.SetDefault("web3.rpc_url", "")
	v.SetDefault("web3.chain_id", 0)
	v.SetDefault("web3.signer_key_env", "INTENTARC_SIGNER_KEY")
	v.SetDefault("web3.fx_router", "")
	v.SetDefault("registry.path", "")
	v.SetDefault("addressbook.driver", "memory")
	v.SetDefault("addressbook.redis.address", "127.0.0.1:6379")
	v.SetDefault("addressbook.redis.password", "")
	v.SetDefault("addressbook.redis.db", 0)
	v.SetDefault("addressbook.redis.prefix", "intentarc:addressbook")
	v.SetDefault("fx.price_impact", "0.001")
	v.SetDefault("fx.gas_estimate", "0.015")
	v.SetDefault("yield.apy", 5.0)
	v.SetDefault("yield.placeholder_days", 30)
	v.SetDefault("yield.ledger", "memory")
	v.SetDefault("orchestrator.call_timeout", "10s")
	v.SetDefault("orchestrator.poll_interval", "2s")
	v.SetDefault("orchestrator.poll_timeout", "2m")
	v.SetDefault("storage.records", "memory")
	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 10)
	v.SetDefault("storage.max_idle_conns", 5)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("events.driver", "memory")
	v.SetDefault("events.workers", 2)
	v.SetDefault("events.redis.address", "127.0.0.1:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.prefix", "intentarc:events")
	v.SetDefault("events.rabbitmq.url", "")
	v.SetDefault("events.rabbitmq.queue", "intentarc.transactions")
	v.SetDefault("events.rabbitmq.prefetch", 16)
	v.SetDefault("events.rabbitmq.durable", true)
	v.SetDefault("agent.default_sender", "")
	v.SetDefault("agent.parse_timeout", "15s")
	v.SetDefault("agent.max_sessions", 1024)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", "")
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.timeout", "5s")
}

// applyDefaults 处理依赖配置文件所在目录的路径字段，以及无法用 SetDefault 表达的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Web3.Driver == "memory" {
		if len(c.Web3.DemoBalances) == 0 {
			c.Web3.DemoBalances = map[string]string{"USDC": "1000", "EURC": "500"}
		}
		if c.Agent.DefaultSender == "" {
			c.Agent.DefaultSender = DemoSender
		}
	}
	if len(c.FX.Rates) == 0 {
		c.FX.Rates = map[string]string{"EURC/USDC": "1.05", "USDC/EURC": "0.95"}
	}
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}
	c.Registry.Path = resolve(baseDir, c.Registry.Path)
	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	c.Storage.DataDir = resolve(baseDir, c.Storage.DataDir)
	if c.Logging.AuditFile != "" {
		c.Logging.AuditFile = resolve(baseDir, c.Logging.AuditFile)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查驱动名称与相互依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "none", "openai", "python_bridge":
	default:
		errs = append(errs, fmt.Errorf("未知的大模型提供方: %s", c.LLM.Provider))
	}
	if c.LLM.Provider == "python_bridge" && c.LLM.Python.ScriptPath == "" {
		errs = append(errs, errors.New("llm.python_bridge.script_path 未配置"))
	}
	switch c.Web3.Driver {
	case "memory":
	case "evm":
		if c.Web3.ChainConfig == "" && c.Web3.RPCURL == "" {
			errs = append(errs, errors.New("web3.driver=evm 需要 rpc_url 或 chain_config"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的链驱动: %s", c.Web3.Driver))
	}
	if c.AddressBook.Driver != "memory" && c.AddressBook.Driver != "redis" {
		errs = append(errs, fmt.Errorf("未知的地址簿驱动: %s", c.AddressBook.Driver))
	}
	needsDSN := false
	for name, driver := range map[string]string{"storage.records": c.Storage.Records, "yield.ledger": c.Yield.Ledger} {
		switch driver {
		case "memory":
		case "mysql":
			needsDSN = true
		default:
			errs = append(errs, fmt.Errorf("%s 使用了未知的驱动: %s", name, driver))
		}
	}
	if needsDSN && c.Storage.DSN == "" {
		errs = append(errs, errors.New("使用 mysql 时必须配置 storage.dsn"))
	}
	switch c.Events.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("events.rabbitmq.url 未配置"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的事件队列驱动: %s", c.Events.Driver))
	}
	if c.Intent.AcceptThreshold <= 0 || c.Intent.AcceptThreshold > 1 {
		errs = append(errs, fmt.Errorf("intent.accept_threshold 超出范围: %v", c.Intent.AcceptThreshold))
	}
	if c.Orchestrator.PollInterval <= 0 || c.Orchestrator.CallTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator 的时间参数必须为正数"))
	}
	return errors.Join(errs...)
}
