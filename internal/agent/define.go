package agent

import (
	"context"
	"log/slog"
	"strings"

	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
)

// definePhase 为选定的工具解析动作与参数。
type definePhase struct{ *env }

func (p definePhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	interaction := st.Interaction
	handler, ok := p.registry.Lookup(tools.ID(interaction.Tool))
	if !ok {
		return st, malformed(promptDefine, "", "tool "+interaction.Tool+" is not registered")
	}

	var dynamic string
	if provider, ok := handler.(tools.ContextProvider); ok {
		text, err := provider.DynamicContext(ctx, st.ConversationID)
		if err != nil {
			p.log(st).Warn("获取工具上下文失败", slog.String("tool", interaction.Tool), slog.Any("error", err))
			text = "(unavailable: " + err.Error() + ")"
		}
		dynamic = text
	}

	var out struct {
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload"`
		Reason  string         `json:"reason"`
	}
	raw, err := p.complete(ctx, st, span, promptDefine, map[string]any{
		"Tool":           interaction.Tool,
		"Query":          interaction.Query,
		"Action":         interaction.Action,
		"Actions":        formatActions(handler.Actions(), ""),
		"DynamicContext": dynamic,
		"Documents":      formatDocuments(st.Documents),
		"Today":          p.now().Format("2006-01-02"),
	}, &out)
	if err != nil {
		return st, err
	}

	action := strings.TrimSpace(out.Action)
	if action == "" {
		action = interaction.Action
	}
	if actions := handler.Actions(); action == "" && len(actions) == 1 {
		action = actions[0].Name
	}
	if action == "" {
		return st, malformed(promptDefine, raw, "no action selected")
	}

	interaction.Action = action
	interaction.Payload = out.Payload
	interaction.Failed = out.Payload == nil
	interaction.FailureReason = ""
	if interaction.Failed {
		interaction.FailureReason = strings.TrimSpace(out.Reason)
		if interaction.FailureReason == "" {
			interaction.FailureReason = "could not resolve parameters for " + interaction.Tool + "." + action
		}
		p.log(st).Debug("参数解析失败", slog.String("tool", interaction.Tool), slog.String("reason", interaction.FailureReason))
	}
	return st.WithInteraction(interaction), nil
}
