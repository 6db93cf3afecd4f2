// Package app 根据配置装配 IntentArc 的全部组件，守护进程与命令行共用同一套装配逻辑。
package app

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"IntentArc/internal/addressbook"
	"IntentArc/internal/agent"
	"IntentArc/internal/config"
	"IntentArc/internal/currency"
	xerrors "IntentArc/internal/errors"
	"IntentArc/internal/events"
	"IntentArc/internal/fx"
	"IntentArc/internal/gateway"
	"IntentArc/internal/intent"
	"IntentArc/internal/llm"
	"IntentArc/internal/llm/openai"
	"IntentArc/internal/llm/pythonbridge"
	"IntentArc/internal/observability/alerting"
	"IntentArc/internal/observability/metrics"
	"IntentArc/internal/orchestrator"
	"IntentArc/internal/resolver"
	mysqlstore "IntentArc/internal/storage/mysql"
	"IntentArc/internal/txrecord"
	"IntentArc/internal/web3/provider"
	"IntentArc/internal/yield"
	"IntentArc/pkg/logger"
)

// App 持有装配完成的组件。Close 按创建的逆序释放资源。
type App struct {
	Config   *config.Config
	Registry *currency.Registry
	Parser   intent.Parser
	Gateway  gateway.Gateway
	// Chains 仅在 evm 模式下非空。
	Chains *provider.Registry
	// Memory 仅在内存网关模式下非空，便于演示与测试直接操作余额。
	Memory    *gateway.MemoryGateway
	Resolver  *resolver.Resolver
	Agent     *agent.Manager
	Records   txrecord.Store
	Ledger    yield.Ledger
	Metrics   *metrics.Registry
	Queue     events.Queue
	Processor *events.Processor
	Sender    string

	closers []func() error
	logger  *slog.Logger
}

// New 按配置创建所有组件。任何一步失败都会释放已经创建的资源。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logger.Named("app")}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("释放已创建的资源失败", slog.Any("error", cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	var err error
	if a.Registry, err = loadRegistry(cfg.Registry.Path); err != nil {
		return err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	intentCfg := intent.Config{AcceptThreshold: cfg.Intent.AcceptThreshold, RuleConfidence: cfg.Intent.RuleConfidence}
	a.Parser = intent.NewParser(llmClient, a.Registry, intentCfg)

	book, err := a.openAddressBook(ctx)
	if err != nil {
		return err
	}

	rates, err := fx.NewStaticRates(cfg.FX.Rates, cfg.FX.PriceImpact, cfg.FX.GasEstimate)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "invalid fx table")
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}

	apy, err := a.openGateway(ctx, book, rates)
	if err != nil {
		return err
	}

	if err := a.openStorage(ctx); err != nil {
		return err
	}
	if err := a.openEvents(ctx); err != nil {
		return err
	}

	a.Resolver = resolver.New(a.Gateway, a.Registry,
		resolver.WithAPYSource(apy),
		resolver.WithLedger(a.Ledger),
		resolver.WithPlaceholderDays(cfg.Yield.PlaceholderDays))

	agentOpts := []agent.Option{
		agent.WithIntentConfig(intentCfg),
		agent.WithDefaultSender(a.Sender),
		agent.WithParseTimeout(cfg.Agent.ParseTimeout),
		agent.WithMaxSessions(cfg.Agent.MaxSessions),
		agent.WithSessionOptions(
			orchestrator.WithStore(a.Records),
			orchestrator.WithNotifier(events.NewNotifier(a.Queue)),
			orchestrator.WithPolling(cfg.Orchestrator.PollInterval, cfg.Orchestrator.PollTimeout),
		),
	}
	if a.Metrics != nil {
		agentOpts = append(agentOpts, agent.WithObserver(a.Metrics))
	}
	a.Agent = agent.New(a.Parser, a.Resolver, a.Gateway, agentOpts...)
	a.closers = append(a.closers, func() error { a.Agent.Close(); return nil })
	return nil
}

// RunProcessor 消费交易事件直到 ctx 取消。
func (a *App) RunProcessor(ctx context.Context) error {
	err := a.Processor.Start(ctx)
	if err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 释放所有资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

func loadRegistry(path string) (*currency.Registry, error) {
	if strings.TrimSpace(path) == "" {
		return currency.Default(), nil
	}
	return currency.LoadFile(path)
}

func (a *App) openAddressBook(ctx context.Context) (addressbook.Book, error) {
	cfg := a.Config.AddressBook
	switch cfg.Driver {
	case "", "memory":
		return addressbook.NewMemoryBook(cfg.Entries)
	case "redis":
		book, err := addressbook.NewRedisBook(ctx, addressbook.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, book.Close)
		if err := book.Seed(ctx, cfg.Entries); err != nil {
			return nil, err
		}
		return book, nil
	default:
		return nil, fmt.Errorf("未知的地址簿驱动: %s", cfg.Driver)
	}
}

// openGateway 创建链网关并确定默认发送方，返回与之匹配的收益率来源。
func (a *App) openGateway(ctx context.Context, book addressbook.Book, rates fx.RateSource) (yield.APYSource, error) {
	cfg := a.Config
	a.Sender = strings.TrimSpace(cfg.Agent.DefaultSender)
	fallbackAPY := decimal.NewFromFloat(cfg.Yield.APY)

	var (
		gw  gateway.Gateway
		apy yield.APYSource = yield.StaticAPY{Percent: fallbackAPY}
	)
	switch cfg.Web3.Driver {
	case "", "memory":
		opts := make([]gateway.MemoryOption, 0, len(cfg.Web3.DemoBalances))
		if common.IsHexAddress(a.Sender) {
			for token, amount := range cfg.Web3.DemoBalances {
				if _, err := currency.ParseAmount(amount); err != nil {
					return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "invalid demo balance for "+token)
				}
				opts = append(opts, gateway.WithBalance(a.Sender, token, amount))
			}
		}
		a.Memory = gateway.NewMemoryGateway(a.Registry, book, rates, opts...)
		gw = a.Memory
		a.logger.Warn("使用内存网关，交易不会上链")
	case "evm":
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链节点失败")
		}
		a.closers = append(a.closers, func() error { chains.Close(); return nil })
		a.Chains = chains
		client, err := chains.DefaultClient()
		if err != nil {
			return nil, err
		}
		if a.Sender == "" {
			if signer, ok := client.Signer(); ok {
				a.Sender = signer.Hex()
			}
		}
		gw = gateway.NewChainGateway(client, book, rates, a.Registry,
			gateway.WithRouter(cfg.Web3.FXRouter),
			gateway.WithFallbackGas(cfg.FX.GasEstimate))
		if entry, ok := a.Registry.Lookup(a.Registry.YieldBearing()); ok && entry.Address != "" {
			apy = yield.NewContractAPY(client, entry.TokenAddress(), fallbackAPY)
		}
	default:
		return nil, fmt.Errorf("未知的链驱动: %s", cfg.Web3.Driver)
	}

	gw = gateway.WithTimeout(gw, cfg.Orchestrator.CallTimeout)
	if a.Metrics != nil {
		gw = gateway.WithObserver(gw, a.Metrics)
	}
	a.Gateway = gw
	return apy, nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	var db *sql.DB
	if cfg.Storage.Records == "mysql" || cfg.Yield.Ledger == "mysql" {
		var err error
		db, err = mysqlstore.Open(ctx, mysqlstore.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
	}

	switch cfg.Storage.Records {
	case "mysql":
		store, err := txrecord.NewMySQLStore(db)
		if err != nil {
			return err
		}
		a.Records = store
	default:
		if cfg.Storage.DataDir != "" {
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
				return err
			}
		}
		store, err := txrecord.NewMemoryStore(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		a.Records = store
	}
	a.closers = append(a.closers, a.Records.Close)

	switch cfg.Yield.Ledger {
	case "mysql":
		ledger, err := yield.NewMySQLLedger(db)
		if err != nil {
			return err
		}
		a.Ledger = ledger
	default:
		a.Ledger = yield.NewMemoryLedger()
	}
	a.closers = append(a.closers, a.Ledger.Close)
	return nil
}

func (a *App) openEvents(ctx context.Context) error {
	cfg := a.Config.Events
	switch cfg.Driver {
	case "", "memory":
		a.Queue = events.NewMemoryQueue(1024)
	case "redis":
		queue, err := events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Prefix,
		})
		if err != nil {
			return err
		}
		a.Queue = queue
	case "rabbitmq":
		queue, err := events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		a.Queue = queue
	default:
		return fmt.Errorf("未知的事件队列驱动: %s", cfg.Driver)
	}
	a.closers = append(a.closers, a.Queue.Close)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(a.Config.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, a.Config.Alerting.Timeout))
	}
	opts := []events.ProcessorOption{
		events.WithWorkerCount(cfg.Workers),
		events.WithLedger(a.Ledger),
		events.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	}
	if a.Metrics != nil {
		opts = append(opts, events.WithSettlementObserver(a.Metrics))
	}
	a.Processor = events.NewProcessor(a.Queue, opts...)
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, stdErrors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
