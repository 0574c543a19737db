package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/state"
)

// MemoryStore 以内存方式保存会话数据，用于测试与单机运行。
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]state.Task
	messages  map[string][]state.Message
	documents map[string]document.Document
	writes    int
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]state.Task),
		messages:  make(map[string][]state.Message),
		documents: make(map[string]document.Document),
	}
}

// UpsertTask 插入或按差异更新任务。
func (m *MemoryStore) UpsertTask(_ context.Context, task state.Task) error {
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.tasks[task.ID]
	if !ok {
		clone := task.Clone()
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now().UTC()
		}
		m.tasks[task.ID] = clone
		m.writes += 1 + len(clone.Actions)
		return nil
	}

	diff := DiffActions(stored.Actions, task.Actions)
	changed := TaskFieldsChanged(stored, task)
	if diff.Empty() && !changed {
		return nil
	}
	next := stored.Clone()
	if changed {
		next.Name = task.Name
		next.Description = task.Description
		next.Status = task.Status
		m.writes++
	}
	next.Actions = ApplyDiff(stored.Actions, diff)
	next.UpdatedAt = task.UpdatedAt
	m.writes += len(diff.Insert) + len(diff.Update) + len(diff.Delete)
	m.tasks[task.ID] = next
	return nil
}

// LoadTasks 返回会话下的全部任务，按创建时间升序。
func (m *MemoryStore) LoadTasks(_ context.Context, conversationID string) ([]state.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []state.Task
	for _, t := range m.tasks {
		if t.ConversationID == conversationID {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateTaskStatus 更新任务状态。
func (m *MemoryStore) UpdateTaskStatus(_ context.Context, taskID string, status state.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "task not found", xerrors.WithMetadata("task_id", taskID))
	}
	if t.Status == status {
		return nil
	}
	m.tasks[taskID] = t.WithStatus(status)
	m.writes++
	return nil
}

// SaveMessage 按消息 ID 幂等写入。
func (m *MemoryStore) SaveMessage(_ context.Context, msg state.Message) error {
	if msg.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.messages[msg.ConversationID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i] = msg
			return nil
		}
	}
	m.messages[msg.ConversationID] = append(list, msg)
	m.writes++
	return nil
}

// FindMessages 返回会话消息，按写入顺序。
func (m *MemoryStore) FindMessages(_ context.Context, conversationID string) ([]state.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]state.Message(nil), m.messages[conversationID]...), nil
}

// SaveDocument 按文档 ID 幂等写入。
func (m *MemoryStore) SaveDocument(_ context.Context, doc document.Document) error {
	if doc.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "文档 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.ID]; !ok {
		m.writes++
	}
	m.documents[doc.ID] = doc.Clone()
	return nil
}

// FindDocument 返回文档。
func (m *MemoryStore) FindDocument(_ context.Context, id string) (document.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return document.Document{}, ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

// Writes 返回实际发生的写操作次数。
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
