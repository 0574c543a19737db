package agent

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"RelayAgent/internal/state"
	"RelayAgent/internal/trace"
)

// answerPhase 根据完整的动作与文档历史生成最终回复。
type answerPhase struct{ *env }

func (p answerPhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	var out struct {
		Answer string `json:"answer"`
	}
	raw, err := p.complete(ctx, st, span, promptAnswer, map[string]any{
		"Intent":    st.Intent.Summary,
		"History":   formatHistory(st),
		"Documents": formatDocumentBodies(st.Documents),
	}, &out)
	if err != nil {
		return st, err
	}
	answer := strings.TrimSpace(out.Answer)
	if answer == "" {
		return st, malformed(promptAnswer, raw, "answer is empty")
	}

	next := st.WithMessage(state.Message{
		ID:             uuid.NewString(),
		ConversationID: st.ConversationID,
		Role:           state.RoleAssistant,
		Content:        answer,
		CreatedAt:      p.now().UTC(),
	})

	// 仅在规划阶段明确选择结束时才关闭任务，步数耗尽的任务保持进行中。
	if task, ok := st.CurrentTask(); ok && st.Interaction.IsFinal() && task.Status == state.TaskPending {
		if err := p.store.UpdateTaskStatus(ctx, task.ID, state.TaskDone); err != nil {
			return st, storageErr(err, "complete task")
		}
		next = next.WithTask(task.WithStatus(state.TaskDone))
	}
	return next, nil
}
