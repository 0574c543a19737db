package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/state"
	"RelayAgent/internal/trace"
	"RelayAgent/pkg/logger"
)

// Outcome 是一次调度的结果，Documents 永远非空。
type Outcome struct {
	Documents []document.Document
	Status    state.ActionStatus
	// Err 保留被吸收的错误，仅用于日志与指标。
	Err error
}

// Dispatcher 把工具调用路由到处理器，并将所有失败转为 ERROR 结果。
type Dispatcher struct {
	registry *Registry
	tracer   trace.Service
	metrics  *metrics.Metrics
	timeout  time.Duration
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithTracer 设置追踪服务。
func WithTracer(t trace.Service) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = trace.NewSafe(t)
		}
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithCallTimeout 限制单次工具调用的时长。
func WithCallTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewDispatcher 创建调度器。
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: registry, tracer: trace.NewSafe(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Registry 返回调度器使用的工具表。
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute 执行工具调用，不会返回错误也不会 panic。
func (d *Dispatcher) Execute(ctx context.Context, call Call) Outcome {
	start := time.Now()
	log := logger.WithConversation(call.ConversationID).With(
		slog.String("tool", string(call.Tool)),
		slog.String("action", call.Action))

	span := d.tracer.StartSpan(ctx, call.Trace, "tool."+string(call.Tool)+"."+call.Action, call.Params,
		map[string]string{"conversation_id": call.ConversationID})
	call.Trace = span

	out := d.execute(ctx, call, log)

	level, message := trace.LevelDefault, ""
	if out.Status == state.ActionError {
		level, message = trace.LevelError, errorMessage(out.Err)
	} else if out.Err != nil {
		level, message = trace.LevelWarning, errorMessage(out.Err)
	}
	d.tracer.End(span, summarize(out.Documents), level, message)
	d.metrics.ObserveTool(string(call.Tool), call.Action, string(out.Status), time.Since(start))
	return out
}

func (d *Dispatcher) execute(ctx context.Context, call Call, log *slog.Logger) Outcome {
	handler, ok := d.registry.Lookup(call.Tool)
	if !ok {
		err := xerrors.New(xerrors.CodeUnknownTool, fmt.Sprintf("unknown tool %q", call.Tool))
		log.Warn("调用了未注册的工具")
		return failure(call, err)
	}
	spec, ok := d.registry.Action(call.Tool, call.Action)
	if !ok {
		err := xerrors.New(xerrors.CodeUnknownTool, fmt.Sprintf("tool %q has no action %q", call.Tool, call.Action))
		log.Warn("调用了未注册的动作")
		return failure(call, err)
	}
	if missing := Missing(call.Params, spec.Required()); len(missing) > 0 {
		err := xerrors.New(xerrors.CodeValidation, "missing required parameters: "+strings.Join(missing, ", "),
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
		log.Info("工具参数不完整", slog.Any("missing", missing))
		return failure(call, err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	docs, err := invoke(ctx, handler, call)
	switch {
	case err != nil && xerrors.KindOf(err) == xerrors.KindPartialFanOut && len(docs) > 0:
		log.Warn("批量操作部分失败", slog.Any("error", err))
		return Outcome{Documents: stamp(docs, call), Status: state.ActionSuccess, Err: err}
	case err != nil:
		log.Warn("工具执行失败", slog.Any("error", err))
		return failure(call, err)
	case len(docs) == 0:
		doc := document.New(call.ConversationID,
			fmt.Sprintf("%s.%s completed with no output.", call.Tool, call.Action),
			document.Metadata{Source: document.SourceSystem, Name: "no_output", Tool: string(call.Tool), Action: call.Action})
		return Outcome{Documents: []document.Document{doc}, Status: state.ActionSuccess}
	default:
		log.Debug("工具执行成功", slog.Int("documents", len(docs)))
		return Outcome{Documents: stamp(docs, call), Status: state.ActionSuccess}
	}
}

func invoke(ctx context.Context, handler Handler, call Call) (docs []document.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("工具处理器 panic",
				slog.String("tool", string(call.Tool)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			docs = nil
			err = xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("tool panicked: %v", r))
		}
	}()
	docs, err = handler.Execute(ctx, call)
	if err != nil {
		if _, coded := xerrors.From(err); !coded {
			// 超时与取消保留 TIMEOUT 语义，不降级为普通工具失败。
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				err = xerrors.Wrap(xerrors.CodeTimeout, err, "tool call did not finish before the deadline")
			} else {
				err = xerrors.Wrap(xerrors.CodeToolFailure, err, "tool returned an error")
			}
		}
	}
	return docs, err
}

func failure(call Call, err error) Outcome {
	doc := document.Error(call.ConversationID, string(call.Tool), call.Action, err)
	return Outcome{Documents: []document.Document{doc}, Status: state.ActionError, Err: err}
}

// stamp 为处理器遗漏的字段补全会话与来源信息。
func stamp(docs []document.Document, call Call) []document.Document {
	out := make([]document.Document, len(docs))
	for i, doc := range docs {
		if doc.ConversationID == "" {
			doc.ConversationID = call.ConversationID
		}
		if doc.Metadata.Tool == "" {
			doc.Metadata.Tool = string(call.Tool)
		}
		if doc.Metadata.Action == "" {
			doc.Metadata.Action = call.Action
		}
		if doc.Metadata.Source == "" {
			doc.Metadata.Source = document.SourceTool
		}
		out[i] = doc
	}
	return out
}

func summarize(docs []document.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Summary())
	}
	return out
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
