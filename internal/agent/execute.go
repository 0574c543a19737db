package agent

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
)

// executePhase 调用工具并记录恰好一个动作，随后立即持久化。
type executePhase struct{ *env }

func (p executePhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	interaction := st.Interaction
	next := st
	if _, ok := st.CurrentTask(); !ok {
		name := interaction.Query
		if name == "" {
			name = st.LastUserMessage()
		}
		next = next.WithTask(p.newTask(st.ConversationID, truncate(name, 80), st.LastUserMessage()))
	}

	var (
		docs   []document.Document
		status state.ActionStatus
	)
	if interaction.Failed {
		err := xerrors.New(xerrors.CodeParameterResolution, interaction.FailureReason)
		docs = []document.Document{document.Error(st.ConversationID, interaction.Tool, interaction.Action, err)}
		status = state.ActionError
	} else {
		out := p.dispatcher.Execute(ctx, tools.Call{
			ConversationID: st.ConversationID,
			Tool:           tools.ID(interaction.Tool),
			Action:         interaction.Action,
			Params:         interaction.Payload,
			Trace:          span,
		})
		docs, status = out.Documents, out.Status
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	action := state.Action{
		ID:          uuid.NewString(),
		Name:        interaction.Tool + "." + interaction.Action,
		ToolID:      interaction.Tool,
		ToolAction:  interaction.Action,
		Input:       interaction.Payload,
		Status:      status,
		DocumentIDs: ids,
		Step:        truncate(interaction.Query, 1000),
		CreatedAt:   p.now().UTC(),
	}
	next = next.WithDocuments(docs...)
	next, task, _ := next.WithAction(action)

	for _, d := range docs {
		if err := p.store.SaveDocument(ctx, d); err != nil {
			return st, storageErr(err, "persist document")
		}
	}
	if err := p.store.UpsertTask(ctx, task); err != nil {
		return st, storageErr(err, "persist task")
	}
	p.log(st).Debug("动作已记录",
		slog.String("task_id", task.ID),
		slog.String("action", action.Name),
		slog.String("status", string(status)),
		slog.Int("documents", len(docs)))
	return next, nil
}
