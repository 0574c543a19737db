package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/state"
	"RelayAgent/pkg/logger"
)

// DefaultMaxSteps 是未配置时每次回复允许的工具调用轮数。
const DefaultMaxSteps = 5

// Agent 在一次编排前后加载并保存会话历史，是 HTTP 接口与异步任务共用的入口。
type Agent struct {
	controller *Controller
	store      ledger.Store
	maxSteps   int
}

// New 创建 Agent。maxSteps 小于 0 时使用默认值，等于 0 时直接回答。
func New(controller *Controller, store ledger.Store, maxSteps int) *Agent {
	if maxSteps < 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Agent{controller: controller, store: store, maxSteps: maxSteps}
}

// Respond 处理一条用户消息并返回助手回复。
func (a *Agent) Respond(ctx context.Context, conversationID, message string) (string, error) {
	return a.RespondMessage(ctx, conversationID, uuid.NewString(), message)
}

// RespondMessage 与 Respond 相同，但使用调用方给定的消息 ID。
// 同一 ID 重复提交时用户消息只保存一次，异步任务重试依赖这一点。
func (a *Agent) RespondMessage(ctx context.Context, conversationID, messageID, message string) (string, error) {
	start := time.Now()
	reply, steps, err := a.respond(ctx, conversationID, messageID, message)
	a.controller.env.metrics.ObserveResponse(err)

	attrs := []any{
		slog.String("conversation_id", conversationID),
		slog.Int("steps", steps),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		logger.Audit().Warn("会话回复失败", attrs...)
		return "", err
	}
	logger.Audit().Info("会话回复完成", attrs...)
	return reply, nil
}

func (a *Agent) respond(ctx context.Context, conversationID, messageID, message string) (string, int, error) {
	conversationID = strings.TrimSpace(conversationID)
	message = strings.TrimSpace(message)
	if conversationID == "" {
		return "", 0, xerrors.New(xerrors.CodeInvalidArgument, "conversation id is required")
	}
	if message == "" {
		return "", 0, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	if strings.TrimSpace(messageID) == "" {
		messageID = uuid.NewString()
	}

	history, err := a.store.FindMessages(ctx, conversationID)
	if err != nil {
		return "", 0, storageErr(err, "load messages")
	}
	history = withoutMessage(history, messageID)
	tasks, err := a.store.LoadTasks(ctx, conversationID)
	if err != nil {
		return "", 0, storageErr(err, "load tasks")
	}

	user := state.Message{
		ID:             messageID,
		ConversationID: conversationID,
		Role:           state.RoleUser,
		Content:        message,
		CreatedAt:      a.controller.env.now().UTC(),
	}
	if err := a.store.SaveMessage(ctx, user); err != nil {
		return "", 0, storageErr(err, "save message")
	}

	initial := state.New(conversationID, a.maxSteps, history, tasks).WithMessage(user)
	final, err := a.controller.RunState(ctx, initial)
	if err != nil {
		return "", final.CurrentStep, err
	}
	reply, ok := final.LastAssistantMessage()
	if !ok {
		return "", final.CurrentStep, xerrors.New(xerrors.CodeMalformedOutput, "run finished without a reply")
	}
	if err := a.store.SaveMessage(ctx, reply); err != nil {
		return "", final.CurrentStep, storageErr(err, "save reply")
	}
	return reply.Content, final.CurrentStep, nil
}

func withoutMessage(history []state.Message, id string) []state.Message {
	out := history[:0:0]
	for _, m := range history {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// Tasks 返回会话的任务与动作记录。
func (a *Agent) Tasks(ctx context.Context, conversationID string) ([]state.Task, error) {
	return a.store.LoadTasks(ctx, conversationID)
}

// Messages 返回会话消息。
func (a *Agent) Messages(ctx context.Context, conversationID string) ([]state.Message, error) {
	return a.store.FindMessages(ctx, conversationID)
}

// Document 按 ID 返回文档。
func (a *Agent) Document(ctx context.Context, id string) (document.Document, error) {
	return a.store.FindDocument(ctx, id)
}
