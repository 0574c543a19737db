// Package ledger persists tasks, their action history, messages and
// documents, and reconciles a task's in-memory action list against what
// is already stored.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/state"
)

// Store 是会话数据的持久化接口。所有写入按实体 ID 幂等。
type Store interface {
	UpsertTask(ctx context.Context, task state.Task) error
	LoadTasks(ctx context.Context, conversationID string) ([]state.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status state.TaskStatus) error
	SaveMessage(ctx context.Context, msg state.Message) error
	FindMessages(ctx context.Context, conversationID string) ([]state.Message, error)
	SaveDocument(ctx context.Context, doc document.Document) error
	FindDocument(ctx context.Context, id string) (document.Document, error)
	Close() error
}

// ErrDocumentNotFound 表示文档不存在。
var ErrDocumentNotFound = xerrors.New(xerrors.CodeNotFound, "document not found")

// ActionDiff 描述把已存储的动作列表变为目标列表所需的操作。
type ActionDiff struct {
	Insert []state.Action
	Update []state.Action
	Delete []string
}

// Empty 报告差异是否为空。
func (d ActionDiff) Empty() bool {
	return len(d.Insert) == 0 && len(d.Update) == 0 && len(d.Delete) == 0
}

// DiffActions 按动作 ID 比较两组动作。Insert 与 Update 保持 desired 的顺序，
// Delete 保持 stored 的顺序。
func DiffActions(stored, desired []state.Action) ActionDiff {
	existing := make(map[string]state.Action, len(stored))
	for _, a := range stored {
		existing[a.ID] = a
	}
	wanted := make(map[string]struct{}, len(desired))

	var diff ActionDiff
	for _, a := range desired {
		wanted[a.ID] = struct{}{}
		old, ok := existing[a.ID]
		switch {
		case !ok:
			diff.Insert = append(diff.Insert, a.Clone())
		case !sameAction(old, a):
			diff.Update = append(diff.Update, a.Clone())
		}
	}
	for _, a := range stored {
		if _, ok := wanted[a.ID]; !ok {
			diff.Delete = append(diff.Delete, a.ID)
		}
	}
	return diff
}

// ApplyDiff 把差异应用到动作列表上。保留动作沿用 stored 的顺序，
// 新增动作按 Insert 的顺序追加在末尾，desired 中的重排不会体现在结果里。
func ApplyDiff(stored []state.Action, diff ActionDiff) []state.Action {
	out := make([]state.Action, 0, len(stored)+len(diff.Insert))
	for _, a := range stored {
		if slices.Contains(diff.Delete, a.ID) {
			continue
		}
		if idx := slices.IndexFunc(diff.Update, func(u state.Action) bool { return u.ID == a.ID }); idx >= 0 {
			out = append(out, diff.Update[idx].Clone())
			continue
		}
		out = append(out, a.Clone())
	}
	for _, a := range diff.Insert {
		out = append(out, a.Clone())
	}
	return out
}

// TaskFieldsChanged 报告任务自身的可变字段是否不同。
func TaskFieldsChanged(stored, desired state.Task) bool {
	return stored.Name != desired.Name ||
		stored.Description != desired.Description ||
		stored.Status != desired.Status
}

func sameAction(a, b state.Action) bool {
	if a.Name != b.Name || a.ToolID != b.ToolID || a.ToolAction != b.ToolAction ||
		a.Status != b.Status || a.Step != b.Step || a.TaskID != b.TaskID {
		return false
	}
	if !slices.Equal(a.DocumentIDs, b.DocumentIDs) {
		return false
	}
	return sameInput(a.Input, b.Input)
}

// sameInput 按 JSON 编码比较，使存储往返后的数值类型差异不被视为变更。
func sameInput(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
