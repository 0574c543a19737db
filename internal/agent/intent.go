package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"RelayAgent/internal/state"
	"RelayAgent/internal/trace"
)

// intentPhase 概括用户请求，没有进行中的任务时开启新任务。
type intentPhase struct{ *env }

func (p intentPhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	current, hasTask := st.CurrentTask()
	var out struct {
		Summary     string `json:"summary"`
		TaskName    string `json:"task_name"`
		Description string `json:"description"`
	}
	raw, err := p.complete(ctx, st, span, promptIntent, map[string]any{"CurrentTask": current.Name}, &out)
	if err != nil {
		return st, err
	}
	intent := state.Intent{
		Summary:     strings.TrimSpace(out.Summary),
		TaskName:    strings.TrimSpace(out.TaskName),
		Description: strings.TrimSpace(out.Description),
	}
	if intent.Summary == "" {
		return st, malformed(promptIntent, raw, "summary is empty")
	}
	next := st.WithIntent(intent)
	if hasTask {
		p.log(st).Debug("沿用进行中的任务", slog.String("task_id", current.ID))
		return next, nil
	}

	name := intent.TaskName
	if name == "" {
		name = truncate(intent.Summary, 80)
	}
	description := intent.Description
	if description == "" {
		description = intent.Summary
	}
	task := p.newTask(st.ConversationID, name, description)
	if err := p.store.UpsertTask(ctx, task); err != nil {
		return st, storageErr(err, "persist task")
	}
	p.log(st).Debug("开启新任务", slog.String("task_id", task.ID), slog.String("name", name))
	return next.WithTask(task), nil
}

func (e *env) newTask(conversationID, name, description string) state.Task {
	now := e.now().UTC()
	return state.Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Name:           name,
		Description:    description,
		Status:         state.TaskPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
