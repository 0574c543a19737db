package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/observability/alerting"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/pkg/logger"
)

// Executor 定义了处理器所需的 Agent 能力。messageID 用于保证重试时用户消息只写入一次。
type Executor interface {
	RespondMessage(ctx context.Context, conversationID, messageID, message string) (string, error)
}

// Processor 负责从队列消费运行并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	runTimeout  time.Duration
	log         *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRunTimeout 限制单次执行的时长。
func WithRunTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.runTimeout = timeout
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 设置指标收集器。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		log:         logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，阻塞直到 ctx 结束或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	run, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) ||
			stdErrors.Is(err, ErrRunExhausted) || stdErrors.Is(err, ErrRunConflict) {
			p.log.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.log.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	execCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}
	reply, execErr := p.executor.RespondMessage(execCtx, run.ConversationID, run.ID, run.Message)
	if execErr != nil {
		return p.handleFailure(ctx, run, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, run.ID, reply); err != nil {
		p.log.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", run.ID))
		return err
	}
	p.metrics.ObserveRun(string(StatusSucceeded))
	logger.Audit().Info("运行执行成功",
		slog.String("run_id", run.ID),
		slog.String("conversation_id", run.ConversationID),
		slog.Int("attempts", run.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, run *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || run.Attempts >= run.MaxRetries

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, run, execErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeRunCompensate, recErr, "运行补偿失败")
			p.log.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("run_id", run.ID))
			p.emitAlert(ctx, run, CodeRunCompensate, wrapped, "compensate")
		case fallback != "":
			if err := p.store.MarkSucceeded(ctx, run.ID, fallback); err != nil {
				p.log.Error("记录降级结果失败", slog.Any("error", err), slog.String("run_id", run.ID))
				return err
			}
			p.metrics.ObserveRun("degraded")
			logger.Audit().Warn("运行降级完成",
				slog.String("run_id", run.ID),
				slog.String("conversation_id", run.ConversationID),
				slog.String("error_code", string(code)),
			)
			p.emitAlert(ctx, run, code, execErr, "degraded")
			return nil
		}
	}

	if err := p.store.MarkFailed(ctx, run.ID, string(code), execErr.Error(), terminal); err != nil {
		p.log.Error("标记运行失败状态出错", slog.Any("error", err), slog.String("run_id", run.ID))
		return err
	}
	logger.Audit().Warn("运行执行失败",
		slog.String("run_id", run.ID),
		slog.String("conversation_id", run.ConversationID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.Int("attempts", run.Attempts),
		slog.Int("max_retries", run.MaxRetries),
		slog.Any("error", execErr),
	)

	if terminal {
		p.metrics.ObserveRun(string(StatusFailed))
		p.emitAlert(ctx, run, code, execErr, "terminal")
		return nil
	}
	p.metrics.ObserveRun("retry")
	if err := p.producer.Publish(ctx, run.ID); err != nil {
		wrapped := xerrors.Wrap(CodeRunPublish, err, "运行重投失败")
		_ = p.store.MarkFailed(ctx, run.ID, string(CodeRunPublish), wrapped.Error(), true)
		p.emitAlert(ctx, run, CodeRunPublish, wrapped, "requeue")
		return nil
	}
	p.log.Debug("运行已重新排队", slog.String("run_id", run.ID), slog.Int("attempts", run.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, run *Run, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || run == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:           code,
		Message:        attrs.Message,
		Severity:       attrs.Severity,
		Stage:          stage,
		RunID:          run.ID,
		ConversationID: run.ConversationID,
		Attempts:       run.Attempts,
		MaxRetries:     run.MaxRetries,
		OccurredAt:     time.Now(),
	}
	if cause != nil {
		event.Message = cause.Error()
		if raw := xerrors.MetadataOf(cause, "phase"); raw != "" {
			event.Metadata = map[string]string{"phase": raw}
		}
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.log.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
			slog.String("stage", stage),
		)
	}
}
