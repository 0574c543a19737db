package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RelayAgent/internal/agent"
	"RelayAgent/internal/api"
	"RelayAgent/internal/auth"
	"RelayAgent/internal/config"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/task"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
	"RelayAgent/pkg/logger"
)

// main 是 relayd 守护进程的入口。
func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "JSON 配置文件路径，为空时只读取环境变量")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("relayd")

	tracer, shutdownTracing, err := trace.Setup(trace.Config{
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		Output:      cfg.Tracing.Output,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("关闭追踪导出器失败", slog.Any("error", err))
		}
	}()

	m := metrics.New()

	completion, err := buildCompletion(ctx, cfg.LLM, m)
	if err != nil {
		return err
	}

	prompts, closePrompts, err := buildPrompts(ctx, cfg.Prompts)
	if err != nil {
		return err
	}
	defer closePrompts()

	handlers, err := buildTools(cfg, completion, prompts, m)
	if err != nil {
		return err
	}
	registry, err := tools.NewRegistry(handlers...)
	if err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry,
		tools.WithTracer(tracer),
		tools.WithMetrics(m),
		tools.WithCallTimeout(cfg.Tools.CallTimeout.Std()),
	)
	log.Info("工具注册完成", slog.Any("tools", registry.IDs()))

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.close(log)

	controller := agent.NewController(completion, dispatcher, stores.ledger,
		agent.WithPrompts(prompts),
		agent.WithTracer(tracer),
		agent.WithMetrics(m),
		agent.WithModel(cfg.Agent.Model),
		agent.WithPromptTTL(cfg.Prompts.TTL.Std()),
		agent.WithHistoryDepth(cfg.Agent.HistoryDepth),
		agent.WithIntent(cfg.Agent.EnableIntent),
		agent.WithDecide(cfg.Agent.EnableDecide),
	)
	ag := agent.New(controller, stores.ledger, cfg.Agent.MaxSteps)

	queue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	runs := task.NewService(stores.runs, queue, cfg.Queue.MaxRetries)
	defer func() {
		if err := runs.Close(); err != nil {
			log.Warn("关闭运行服务失败", slog.Any("error", err))
		}
	}()

	procOpts := []task.ProcessorOption{
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithRunTimeout(cfg.Queue.RunTimeout.Std()),
		task.WithProcessorMetrics(m),
	}
	if cfg.Queue.FallbackReply != "" {
		procOpts = append(procOpts, task.WithRecoveryHandler(task.FallbackReply{Message: cfg.Queue.FallbackReply}))
	}
	if alerts := buildAlerting(cfg); alerts.Len() > 0 {
		procOpts = append(procOpts, task.WithAlertDispatcher(alerts))
		log.Info("运行告警已启用", slog.Int("notifiers", alerts.Len()))
	}
	processor := task.NewProcessor(ag, stores.runs, queue, queue, procOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := m.StartServer(ctx, addr); err != nil {
				log.Error("指标服务异常退出", slog.String("addr", addr), slog.Any("error", err))
			}
		}()
	}

	guard, err := auth.New(auth.Config{Tokens: cfg.Server.APITokens})
	if err != nil {
		return fmt.Errorf("初始化 API 认证失败: %w", err)
	}
	if !guard.Enabled() {
		log.Warn("未配置 API 令牌，接口不做认证")
	}

	server := api.NewServer(cfg.Server.Address, ag,
		api.WithRuns(runs),
		api.WithAuth(guard),
		api.WithMetrics(m),
		api.WithRequestTimeout(cfg.Server.RequestTimeout.Std()),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	)
	log.Info("relayd 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("provider", cfg.LLM.Provider),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("relayd 已停止")
	return nil
}

var _ task.Executor = (*agent.Agent)(nil)
