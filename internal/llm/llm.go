package llm

import (
	"context"
	"strings"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是发送给模型的一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionService 定义了调用大模型的统一接口。
// 实现不负责重试，需要韧性的调用方使用 Resilient 包装。
type CompletionService interface {
	Complete(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error)
}

// Func 允许普通函数充当 CompletionService。
type Func func(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error)

// Complete 实现 CompletionService。
func (f Func) Complete(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
	return f(ctx, messages, model, jsonMode)
}

// SplitSystem 将系统消息合并为一段指令，返回其余消息。
func SplitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if text := strings.TrimSpace(m.Content); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
