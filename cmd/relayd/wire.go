package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"RelayAgent/internal/config"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/llm/gemini"
	"RelayAgent/internal/llm/openai"
	"RelayAgent/internal/observability/alerting"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/prompt"
	"RelayAgent/internal/storage/mysql"
	"RelayAgent/internal/task"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/tools/budget"
	"RelayAgent/internal/tools/email"
	"RelayAgent/internal/tools/taskmanager"
	"RelayAgent/internal/tools/web"
	"RelayAgent/pkg/logger"
)

// buildCompletion 根据 provider 创建补全服务，并按需叠加韧性策略与指标。
func buildCompletion(ctx context.Context, cfg config.LLMConfig, m *metrics.Metrics) (llm.CompletionService, error) {
	var (
		client llm.CompletionService
		err    error
	)
	switch cfg.Provider {
	case "openai":
		client, err = openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout.Std(),
		})
	case "gemini":
		client, err = gemini.NewClient(ctx, gemini.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		err = fmt.Errorf("不支持的 LLM 提供方: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Resilient {
		client = llm.NewResilient(client,
			llm.WithTimeout(cfg.Timeout.Std()),
			llm.WithRetry(cfg.MaxRetries, cfg.Backoff.Std()),
			llm.WithRateLimit(cfg.RateLimit, cfg.Burst),
		)
	}
	return llm.NewMetered(client, m), nil
}

// buildPrompts 创建模板仓库。目录为空时只使用内置模板。
func buildPrompts(ctx context.Context, cfg config.PromptsConfig) (*prompt.Repository, func(), error) {
	noop := func() {}
	var (
		source prompt.Source
		opts   = []prompt.RepositoryOption{prompt.WithLabel(cfg.Label)}
		closer = noop
	)
	if cfg.RedisAddress != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("连接提示词缓存失败: %w", err)
		}
		opts = append(opts, prompt.WithCache(prompt.NewRedisCache(client, cfg.RedisPrefix)))
		closer = func() { _ = client.Close() }
	}

	var files *prompt.FileSource
	if cfg.Dir != "" {
		files = prompt.NewFileSource(cfg.Dir)
		source = files
	}
	repo := prompt.NewRepository(source, opts...)

	if files != nil && cfg.Watch {
		go func() {
			if err := files.Watch(ctx, repo); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("提示词目录监听退出", slog.Any("error", err))
			}
		}()
	}
	return repo, closer, nil
}

// buildTools 只注册已配置的工具。
func buildTools(cfg *config.Config, completion llm.CompletionService, prompts *prompt.Repository, m *metrics.Metrics) ([]tools.Handler, error) {
	httpClient := &http.Client{Timeout: cfg.Tools.CallTimeout.Std()}
	var handlers []tools.Handler

	if b := cfg.Tools.Budget; b.BaseURL != "" {
		model := b.Model
		if model == "" {
			model = cfg.Agent.Model
		}
		handlers = append(handlers, budget.New(
			budget.NewHTTPLedger(b.BaseURL, b.Token, httpClient),
			completion,
			budget.Config{
				Model:          model,
				Limit:          b.Limit,
				DefaultAccount: b.DefaultAccount,
				PromptTTL:      cfg.Prompts.TTL.Std(),
			},
			budget.WithPrompts(prompts),
			budget.WithMetrics(m),
		))
	}
	if tm := cfg.Tools.TaskManager; tm.BaseURL != "" {
		handlers = append(handlers, taskmanager.New(taskmanager.NewClient(tm.BaseURL, tm.Token, httpClient)))
	}
	if w := cfg.Tools.Web; w.Enabled {
		handlers = append(handlers, web.New(nil, web.Config{
			Timeout:   w.Timeout.Std(),
			MaxBytes:  w.MaxBytes,
			MaxLength: w.MaxLength,
		}))
	}
	if cfg.Tools.Email.Enabled() {
		handlers = append(handlers, email.New(smtpSender(cfg.Tools.Email)))
	}
	if len(handlers) == 0 {
		logger.L().Warn("未配置任何工具，智能体只能直接回答")
	}
	return handlers, nil
}

func smtpSender(cfg config.EmailConfig) *email.SMTPSender {
	return email.NewSMTPSender(email.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	})
}

type stores struct {
	ledger ledger.Store
	runs   task.Store
}

func (s stores) close(log *slog.Logger) {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			log.Warn("关闭账本存储失败", slog.Any("error", err))
		}
	}
}

// openStores 创建账本与运行存储。mysql 模式下两者共享同一个连接池，
// 连接由账本存储负责关闭。
func openStores(ctx context.Context, cfg config.StorageConfig) (stores, error) {
	switch cfg.Driver {
	case "memory":
		return stores{ledger: ledger.NewMemoryStore(), runs: task.NewMemoryStore()}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime.Std(),
			AutoMigrate:     cfg.MySQL.AutoMigrate,
		})
		if err != nil {
			return stores{}, err
		}
		runs, err := task.NewMySQLStore(db)
		if err != nil {
			_ = db.Close()
			return stores{}, err
		}
		return stores{ledger: mysql.NewLedgerStoreWithDB(db), runs: runs}, nil
	}
	return stores{}, fmt.Errorf("不支持的存储驱动: %s", cfg.Driver)
}

// openQueue 创建运行队列。
func openQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.MemorySize), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	}
	return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
}

// buildAlerting 组装运行失败告警的通知渠道。
func buildAlerting(cfg *config.Config) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if len(cfg.Alerting.EmailTo) > 0 && cfg.Tools.Email.Enabled() {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender:        smtpSender(cfg.Tools.Email),
			To:            cfg.Alerting.EmailTo,
			SubjectPrefix: cfg.Alerting.SubjectPrefix,
		})
	}
	client := &http.Client{Timeout: 10 * time.Second}
	for _, hook := range cfg.Alerting.Webhooks {
		if hook.URL == "" {
			continue
		}
		notifiers = append(notifiers, alerting.NewWebhookNotifier(hook.URL, hook.Format, client))
	}
	return alerting.NewFanout(notifiers...)
}
