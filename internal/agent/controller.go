package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/observability/metrics"
	"RelayAgent/internal/prompt"
	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
)

// Controller 按 PLAN→(DECIDE)→DEFINE→EXECUTE 的顺序驱动有界循环，结束后回答一次。
type Controller struct {
	env           *env
	intentEnabled bool
	decideEnabled bool

	intent  Handler
	plan    Handler
	decide  Handler
	define  Handler
	execute Handler
	answer  Handler
}

// Option 定义可选配置。
type Option func(*Controller)

// WithPrompts 设置模板仓库，未设置时只使用内置模板。
func WithPrompts(repo *prompt.Repository) Option {
	return func(c *Controller) { c.env.prompts = repo }
}

// WithTracer 设置追踪服务。
func WithTracer(t trace.Service) Option {
	return func(c *Controller) {
		if t != nil {
			c.env.tracer = trace.NewSafe(t)
		}
	}
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.env.metrics = m }
}

// WithModel 设置模板未指定模型时使用的默认模型。
func WithModel(model string) Option {
	return func(c *Controller) { c.env.model = model }
}

// WithPromptTTL 设置模板缓存时长。
func WithPromptTTL(ttl time.Duration) Option {
	return func(c *Controller) { c.env.promptTTL = ttl }
}

// WithHistoryDepth 设置提示词中携带的会话消息条数。
func WithHistoryDepth(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.env.historyDepth = n
		}
	}
}

// WithIntent 控制是否在首次规划前识别意图。
func WithIntent(enabled bool) Option {
	return func(c *Controller) { c.intentEnabled = enabled }
}

// WithDecide 控制是否在规划后收敛到唯一的工具与动作。
func WithDecide(enabled bool) Option {
	return func(c *Controller) { c.decideEnabled = enabled }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.env.now = now
		}
	}
}

// NewController 创建控制器。
func NewController(completion llm.CompletionService, dispatcher *tools.Dispatcher, store ledger.Store, opts ...Option) *Controller {
	c := &Controller{env: &env{
		llm:          completion,
		dispatcher:   dispatcher,
		registry:     dispatcher.Registry(),
		store:        store,
		tracer:       trace.NewSafe(nil),
		historyDepth: defaultHistoryDepth,
		now:          time.Now,
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.intent = intentPhase{c.env}
	c.plan = planPhase{c.env}
	c.decide = decidePhase{c.env}
	c.define = definePhase{c.env}
	c.execute = executePhase{c.env}
	c.answer = answerPhase{c.env}
	return c
}

// Run 执行一次完整编排并返回最终回复。返回的错误均会终止本次编排，且不会追加助手消息。
func (c *Controller) Run(ctx context.Context, initial state.State) (string, error) {
	final, err := c.RunState(ctx, initial)
	if err != nil {
		return "", err
	}
	msg, _ := final.LastAssistantMessage()
	return msg.Content, nil
}

// RunState 与 Run 相同，但返回最终状态。
func (c *Controller) RunState(ctx context.Context, initial state.State) (state.State, error) {
	st := initial
	root := c.env.tracer.StartSpan(ctx, trace.Handle{}, "agent.run", st.LastUserMessage(), map[string]string{
		"conversation_id": st.ConversationID,
		"max_steps":       strconv.Itoa(st.MaxSteps),
	})

	var err error
	if c.intentEnabled {
		if st, err = c.step(ctx, st, root, state.PhaseIntent, c.intent); err != nil {
			return c.fail(root, st, err)
		}
	}
	for !st.Exhausted() {
		if st, err = c.step(ctx, st, root, state.PhasePlan, c.plan); err != nil {
			return c.fail(root, st, err)
		}
		if st.Interaction.IsFinal() {
			break
		}
		if c.decideEnabled {
			if st, err = c.step(ctx, st, root, state.PhaseDecide, c.decide); err != nil {
				return c.fail(root, st, err)
			}
			if st.Interaction.IsFinal() {
				break
			}
		}
		if st, err = c.step(ctx, st, root, state.PhaseDefine, c.define); err != nil {
			return c.fail(root, st, err)
		}
		if st, err = c.step(ctx, st, root, state.PhaseExecute, c.execute); err != nil {
			return c.fail(root, st, err)
		}
		st = st.AdvanceStep()
	}
	if st, err = c.step(ctx, st, root, state.PhaseAnswer, c.answer); err != nil {
		return c.fail(root, st, err)
	}

	msg, _ := st.LastAssistantMessage()
	c.env.tracer.End(root, msg.Content, trace.LevelDefault, "")
	return st, nil
}

func (c *Controller) step(ctx context.Context, st state.State, root trace.Handle, phase state.Phase, h Handler) (state.State, error) {
	if err := ctx.Err(); err != nil {
		return st.WithPhase(phase), xerrors.Wrap(xerrors.CodeTimeout, err, "run cancelled before "+string(phase),
			xerrors.WithKind(xerrors.KindFatal))
	}
	st = st.WithPhase(phase)
	name := strings.ToLower(string(phase))
	span := c.env.tracer.StartSpan(ctx, root, "phase."+name, nil, map[string]string{
		"step": strconv.Itoa(st.CurrentStep),
	})

	start := time.Now()
	next, err := h.Handle(ctx, st, span)
	c.env.metrics.ObservePhase(name, err, time.Since(start))
	if err != nil {
		c.env.tracer.End(span, xerrors.MetadataOf(err, "raw"), trace.LevelError, err.Error())
		return st, err
	}
	c.env.tracer.End(span, next.Interaction, trace.LevelDefault, "")
	c.env.log(st).Debug("阶段完成",
		slog.String("phase", string(phase)),
		slog.Int("step", st.CurrentStep),
		slog.Duration("duration", time.Since(start)))
	return next, nil
}

// fail 记录致命错误，包含模型原始输出。
func (c *Controller) fail(root trace.Handle, st state.State, err error) (state.State, error) {
	c.env.log(st).Error("编排终止",
		slog.String("phase", string(st.Phase)),
		slog.Int("step", st.CurrentStep),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.String("kind", string(xerrors.KindOf(err))),
		slog.String("raw", xerrors.MetadataOf(err, "raw")),
		slog.Any("error", err))
	c.env.tracer.End(root, nil, trace.LevelError, err.Error())
	return st, err
}
