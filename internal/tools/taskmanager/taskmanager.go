// Package taskmanager exposes a to-do service to the agent.
package taskmanager

import (
	"context"
	"fmt"
	"strings"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/tools"
)

const (
	ActionListProjects = "list_projects"
	ActionListTasks    = "list_tasks"
	ActionCreateTask   = "create_task"
	ActionCompleteTask = "complete_task"
)

// Handler 实现 task_manager 工具。
type Handler struct {
	svc Service
}

// New 创建工具。
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) ID() tools.ID { return tools.TaskManager }

func (h *Handler) Description() string {
	return "Manage the user's to-do list: browse projects, list, create and complete tasks."
}

func (h *Handler) Actions() []tools.ActionSpec {
	return []tools.ActionSpec{
		{Name: ActionListProjects, Description: "List all projects."},
		{Name: ActionListTasks, Description: "List open tasks, optionally within one project.", Parameters: []tools.Param{
			{Name: "project", Type: "string", Description: "project name or id"},
		}},
		{Name: ActionCreateTask, Description: "Create a task.", Parameters: []tools.Param{
			{Name: "content", Type: "string", Description: "task title", Required: true},
			{Name: "project", Type: "string", Description: "project name or id"},
			{Name: "description", Type: "string"},
			{Name: "due", Type: "string", Description: "natural language or YYYY-MM-DD due date"},
			{Name: "priority", Type: "number", Description: "1 (normal) to 4 (urgent)"},
		}},
		{Name: ActionCompleteTask, Description: "Mark a task as done.", Parameters: []tools.Param{
			{Name: "task_id", Type: "string", Required: true},
		}},
	}
}

// DynamicContext 返回实时的项目列表。
func (h *Handler) DynamicContext(ctx context.Context, _ string) (string, error) {
	projects, err := h.svc.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	return "Task manager projects:\n" + formatProjects(projects), nil
}

func (h *Handler) Execute(ctx context.Context, call tools.Call) ([]document.Document, error) {
	switch call.Action {
	case ActionListProjects:
		projects, err := h.svc.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		return []document.Document{newDoc(call, "projects", fmt.Sprintf("%d projects", len(projects)), formatProjects(projects))}, nil

	case ActionListTasks:
		projectID, err := h.projectID(ctx, tools.String(call.Params, "project"))
		if err != nil {
			return nil, err
		}
		items, err := h.svc.ListItems(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return []document.Document{newDoc(call, "tasks", fmt.Sprintf("%d open tasks", len(items)), formatItems(items))}, nil

	case ActionCreateTask:
		projectID, err := h.projectID(ctx, tools.String(call.Params, "project"))
		if err != nil {
			return nil, err
		}
		priority, _ := tools.Float(call.Params, "priority")
		created, err := h.svc.CreateItem(ctx, Item{
			ProjectID:   projectID,
			Content:     tools.String(call.Params, "content"),
			Description: tools.String(call.Params, "description"),
			Due:         tools.String(call.Params, "due"),
			Priority:    int(priority),
		})
		if err != nil {
			return nil, err
		}
		return []document.Document{newDoc(call, "task_created", "created task "+created.ID,
			fmt.Sprintf("Created task %s: %s", created.ID, created.Content))}, nil

	case ActionCompleteTask:
		id := tools.String(call.Params, "task_id")
		if err := h.svc.CompleteItem(ctx, id); err != nil {
			return nil, err
		}
		return []document.Document{newDoc(call, "task_completed", "completed task "+id, "Completed task "+id)}, nil
	}
	return nil, xerrors.New(xerrors.CodeUnknownTool, "task_manager has no action "+call.Action)
}

// projectID 接受项目名或 ID，空值表示不限定项目。
func (h *Handler) projectID(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	projects, err := h.svc.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.ID == ref || strings.EqualFold(p.Name, ref) {
			return p.ID, nil
		}
	}
	return "", xerrors.New(xerrors.CodeParameterResolution, fmt.Sprintf("no project named %q", ref))
}

func newDoc(call tools.Call, name, description, content string) document.Document {
	return document.New(call.ConversationID, content, document.Metadata{
		Source:      document.SourceTool,
		Name:        name,
		Description: description,
	})
}

func formatProjects(projects []Project) string {
	var b strings.Builder
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s (id: %s)\n", p.Name, p.ID)
	}
	return b.String()
}

func formatItems(items []Item) string {
	if len(items) == 0 {
		return "No open tasks."
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s", it.ID, it.Content)
		if it.Due != "" {
			fmt.Fprintf(&b, " (due %s)", it.Due)
		}
		b.WriteString("\n")
	}
	return b.String()
}
