package agent

import (
	"context"
	"log/slog"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/prompt"
	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
	"RelayAgent/pkg/logger"
)

// Handler 是编排循环中的一个阶段。实现不得修改传入的状态。
type Handler interface {
	Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error)
}

const defaultHistoryDepth = 10

// env 是各阶段共享的依赖。
type env struct {
	llm          llm.CompletionService
	prompts      *prompt.Repository
	dispatcher   *tools.Dispatcher
	registry     *tools.Registry
	store        ledger.Store
	tracer       trace.Service
	metrics      *metrics.Metrics
	model        string
	promptTTL    time.Duration
	historyDepth int
	now          func() time.Time
}

// complete 渲染阶段提示词、调用模型并把 JSON 结果解析进 out，返回原始输出。
func (e *env) complete(ctx context.Context, st state.State, span trace.Handle, name string, vars map[string]any, out any) (string, error) {
	fallback := fallbackTemplate(name)
	system, tpl, err := e.prompts.Compose(ctx, "agent."+name, e.promptTTL, &fallback, vars)
	if err != nil {
		return "", err
	}
	model := tpl.Model
	if model == "" {
		model = e.model
	}

	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, conversation(st, e.historyDepth)...)
	gen := e.tracer.StartGeneration(ctx, span, name+".completion", messages, map[string]string{
		"model":  model,
		"prompt": tpl.Name,
		"label":  tpl.Label,
	})
	raw, err := e.llm.Complete(ctx, messages, model, true)
	if err != nil {
		e.tracer.End(gen, nil, trace.LevelError, err.Error())
		if _, coded := xerrors.From(err); !coded {
			err = xerrors.Wrap(xerrors.CodeCompletionTransport, err, name+" completion failed")
		}
		return "", err
	}
	e.tracer.End(gen, raw, trace.LevelDefault, "")

	if err := llm.DecodeJSON(raw, out); err != nil {
		return raw, malformed(name, raw, err.Error())
	}
	return raw, nil
}

// malformed 构造结构化输出不合法的致命错误，原始输出放在元数据 raw 中。
func malformed(phase, raw, reason string) error {
	return xerrors.New(xerrors.CodeMalformedOutput, phase+" returned malformed output: "+reason,
		xerrors.WithMetadata("raw", raw),
		xerrors.WithMetadata("phase", phase))
}

func storageErr(err error, message string) error {
	if err == nil {
		return nil
	}
	if e, ok := xerrors.From(err); ok && e.Kind() == xerrors.KindFatal {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func (e *env) log(st state.State) *slog.Logger {
	return logger.WithConversation(st.ConversationID).With(slog.String("component", "agent"))
}
