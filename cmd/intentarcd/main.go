package main

import (
	"context"
	stdErrors "errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"IntentArc/internal/api"
	"IntentArc/internal/app"
	"IntentArc/internal/config"
	"IntentArc/pkg/logger"
)

// main 是 IntentArc 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("intentarcd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时忽略，环境变量可以直接由部署平台注入。
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg)); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("intentarcd")

	application, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	go func() {
		if err := application.RunProcessor(ctx); err != nil {
			lg.Error("事件处理器退出", slog.Any("error", err))
		}
	}()

	opts := []api.Option{
		api.WithRecordStore(application.Records),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
	}
	if application.Chains != nil {
		opts = append(opts, api.WithChainProbe(application.Chains))
	}
	if application.Metrics != nil {
		if cfg.Metrics.Address != "" {
			go func() {
				if err := application.Metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !stdErrors.Is(err, context.Canceled) {
					lg.Error("指标服务退出", slog.Any("error", err))
				}
			}()
		} else {
			opts = append(opts, api.WithMetrics(application.Metrics))
		}
	}

	lg.Info("IntentArc 启动",
		slog.String("web3_driver", cfg.Web3.Driver),
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("sender", application.Sender))

	server := api.NewServer(cfg.Server.Address, application.Agent, opts...)
	if err := server.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("IntentArc 已停止")
	return nil
}

// configPath 优先读取 INTENTARC_CONFIG，其次使用 configs/intentarc.yaml（存在时）。
func configPath() string {
	if path := os.Getenv("INTENTARC_CONFIG"); path != "" {
		return path
	}
	path := filepath.Join("configs", "intentarc.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditFile != "",
			Path:       cfg.Logging.AuditFile,
			MaxSizeMB:  cfg.Logging.AuditMaxMB,
			MaxBackups: cfg.Logging.AuditBackup,
			MaxAgeDays: cfg.Logging.AuditMaxAge,
		},
	}
}
