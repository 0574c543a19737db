package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/ledger"
	"RelayAgent/internal/state"
)

// LedgerStore 使用 MySQL 实现 ledger.Store。
type LedgerStore struct {
	db *sql.DB
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore 连接数据库，并按配置执行迁移。
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &LedgerStore{db: db}, nil
}

// NewLedgerStoreWithDB 复用已有连接。
func NewLedgerStoreWithDB(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Close 关闭底层连接。
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const (
	selectTaskForUpdateSQL = `SELECT id, conversation_id, name, description, status, created_at, updated_at
    FROM ledger_tasks WHERE id = ? FOR UPDATE`
	insertTaskSQL = `INSERT INTO ledger_tasks (id, conversation_id, name, description, status, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	updateTaskSQL    = `UPDATE ledger_tasks SET name = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`
	selectActionsSQL = `SELECT id, task_id, name, tool_uuid, tool_action, input, status, document_ids, step, created_at
    FROM ledger_actions WHERE task_id = ? ORDER BY position, created_at`
	insertActionSQL = `INSERT INTO ledger_actions
    (id, task_id, position, name, tool_uuid, tool_action, input, status, document_ids, step, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	updateActionSQL = `UPDATE ledger_actions SET name = ?, tool_uuid = ?, tool_action = ?, input = ?, status = ?,
    document_ids = ?, step = ? WHERE id = ?`
	deleteActionSQL = `DELETE FROM ledger_actions WHERE id = ?`
)

// UpsertTask 在一个事务内插入任务，或更新任务字段并应用动作差异。
func (s *LedgerStore) UpsertTask(ctx context.Context, task state.Task) (err error) {
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stored, found, err := loadTaskRow(ctx, tx, task.ID)
	if err != nil {
		return err
	}

	if !found {
		createdAt := task.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		updatedAt := task.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = createdAt
		}
		if _, err = tx.ExecContext(ctx, insertTaskSQL, task.ID, task.ConversationID, task.Name, task.Description,
			string(task.Status), createdAt.UnixMilli(), updatedAt.UnixMilli()); err != nil {
			return storageErr(err, "插入任务失败")
		}
		for i, a := range task.Actions {
			if err = insertAction(ctx, tx, task.ID, i, a); err != nil {
				return err
			}
		}
	} else {
		stored.Actions, err = loadActions(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		diff := ledger.DiffActions(stored.Actions, task.Actions)
		if ledger.TaskFieldsChanged(stored, task) || !diff.Empty() {
			updatedAt := task.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = time.Now().UTC()
			}
			if _, err = tx.ExecContext(ctx, updateTaskSQL, task.Name, task.Description, string(task.Status),
				updatedAt.UnixMilli(), task.ID); err != nil {
				return storageErr(err, "更新任务失败")
			}
		}
		if err = applyActionDiff(ctx, tx, task, diff); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return storageErr(err, "提交任务事务失败")
	}
	return nil
}

func applyActionDiff(ctx context.Context, tx *sql.Tx, task state.Task, diff ledger.ActionDiff) error {
	for _, id := range diff.Delete {
		if _, err := tx.ExecContext(ctx, deleteActionSQL, id); err != nil {
			return storageErr(err, "删除动作失败")
		}
	}
	for _, a := range diff.Update {
		input, docs, err := encodeAction(a)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, updateActionSQL, a.Name, a.ToolID, a.ToolAction, input, string(a.Status),
			docs, a.Step, a.ID); err != nil {
			return storageErr(err, "更新动作失败")
		}
	}
	for _, a := range diff.Insert {
		if err := insertAction(ctx, tx, task.ID, positionOf(task.Actions, a.ID), a); err != nil {
			return err
		}
	}
	return nil
}

func positionOf(actions []state.Action, id string) int {
	for i, a := range actions {
		if a.ID == id {
			return i
		}
	}
	return len(actions)
}

func insertAction(ctx context.Context, tx *sql.Tx, taskID string, position int, a state.Action) error {
	input, docs, err := encodeAction(a)
	if err != nil {
		return err
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, insertActionSQL, a.ID, taskID, position, a.Name, a.ToolID, a.ToolAction,
		input, string(a.Status), docs, a.Step, createdAt.UnixMilli()); err != nil {
		return storageErr(err, "插入动作失败")
	}
	return nil
}

func encodeAction(a state.Action) ([]byte, []byte, error) {
	var input, docs []byte
	var err error
	if len(a.Input) > 0 {
		if input, err = json.Marshal(a.Input); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码动作参数失败")
		}
	}
	if len(a.DocumentIDs) > 0 {
		if docs, err = json.Marshal(a.DocumentIDs); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码文档列表失败")
		}
	}
	return input, docs, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadTaskRow(ctx context.Context, q queryer, id string) (state.Task, bool, error) {
	var (
		t                    state.Task
		status               string
		description          sql.NullString
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, selectTaskForUpdateSQL, id).Scan(&t.ID, &t.ConversationID, &t.Name, &description,
		&status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Task{}, false, nil
	}
	if err != nil {
		return state.Task{}, false, storageErr(err, "查询任务失败")
	}
	t.Description = description.String
	t.Status = state.TaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return t, true, nil
}

func loadActions(ctx context.Context, q queryer, taskID string) ([]state.Action, error) {
	rows, err := q.QueryContext(ctx, selectActionsSQL, taskID)
	if err != nil {
		return nil, storageErr(err, "查询动作失败")
	}
	defer rows.Close()
	var out []state.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历动作失败")
	}
	return out, nil
}

func scanAction(rows *sql.Rows) (state.Action, error) {
	var (
		a             state.Action
		status        string
		input, docs   []byte
		createdAtUnix int64
	)
	if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.ToolID, &a.ToolAction, &input, &status, &docs, &a.Step,
		&createdAtUnix); err != nil {
		return state.Action{}, storageErr(err, "解析动作失败")
	}
	a.Status = state.ActionStatus(status)
	a.CreatedAt = time.UnixMilli(createdAtUnix).UTC()
	if len(input) > 0 {
		if err := json.Unmarshal(input, &a.Input); err != nil {
			return state.Action{}, storageErr(err, "解析动作参数失败")
		}
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &a.DocumentIDs); err != nil {
			return state.Action{}, storageErr(err, "解析文档列表失败")
		}
	}
	return a, nil
}

// LoadTasks 返回会话下的全部任务及其动作。
func (s *LedgerStore) LoadTasks(ctx context.Context, conversationID string) ([]state.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, name, description, status, created_at, updated_at
    FROM ledger_tasks WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, storageErr(err, "查询任务列表失败")
	}
	var (
		tasks []state.Task
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			t                    state.Task
			status               string
			description          sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Name, &description, &status, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, storageErr(err, "解析任务失败")
		}
		t.Description = description.String
		t.Status = state.TaskStatus(status)
		t.CreatedAt = time.UnixMilli(createdAt).UTC()
		t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		index[t.ID] = len(tasks)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr(err, "遍历任务失败")
	}
	rows.Close()
	if len(tasks) == 0 {
		return nil, nil
	}

	actionRows, err := s.db.QueryContext(ctx, `SELECT a.id, a.task_id, a.name, a.tool_uuid, a.tool_action, a.input, a.status,
    a.document_ids, a.step, a.created_at FROM ledger_actions a JOIN ledger_tasks t ON a.task_id = t.id
    WHERE t.conversation_id = ? ORDER BY a.task_id, a.position, a.created_at`, conversationID)
	if err != nil {
		return nil, storageErr(err, "查询动作列表失败")
	}
	defer actionRows.Close()
	for actionRows.Next() {
		a, err := scanAction(actionRows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[a.TaskID]; ok {
			tasks[i].Actions = append(tasks[i].Actions, a)
		}
	}
	if err := actionRows.Err(); err != nil {
		return nil, storageErr(err, "遍历动作列表失败")
	}
	return tasks, nil
}

// UpdateTaskStatus 更新任务状态。
func (s *LedgerStore) UpdateTaskStatus(ctx context.Context, taskID string, status state.TaskStatus) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ledger_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().UnixMilli(), taskID); err != nil {
		return storageErr(err, "更新任务状态失败")
	}
	return nil
}

// SaveMessage 按消息 ID 幂等写入。
func (s *LedgerStore) SaveMessage(ctx context.Context, msg state.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO ledger_messages (id, conversation_id, role, content, created_at)
    VALUES (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE content = VALUES(content)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, createdAt.UnixMilli()); err != nil {
		return storageErr(err, "写入消息失败")
	}
	return nil
}

// FindMessages 按写入顺序返回会话消息。
func (s *LedgerStore) FindMessages(ctx context.Context, conversationID string) ([]state.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, role, content, created_at
    FROM ledger_messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, storageErr(err, "查询消息失败")
	}
	defer rows.Close()
	var out []state.Message
	for rows.Next() {
		var (
			m         state.Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt); err != nil {
			return nil, storageErr(err, "解析消息失败")
		}
		m.Role = state.Role(role)
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历消息失败")
	}
	return out, nil
}

// SaveDocument 按文档 ID 幂等写入。
func (s *LedgerStore) SaveDocument(ctx context.Context, doc document.Document) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码文档元数据失败")
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO ledger_documents (id, conversation_id, content, metadata, created_at)
    VALUES (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE content = VALUES(content), metadata = VALUES(metadata)`,
		doc.ID, doc.ConversationID, doc.Content, meta, createdAt.UnixMilli()); err != nil {
		return storageErr(err, "写入文档失败")
	}
	return nil
}

// FindDocument 返回文档，不存在时返回 ledger.ErrDocumentNotFound。
func (s *LedgerStore) FindDocument(ctx context.Context, id string) (document.Document, error) {
	var (
		doc       document.Document
		meta      []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, conversation_id, content, metadata, created_at
    FROM ledger_documents WHERE id = ?`, id).Scan(&doc.ID, &doc.ConversationID, &doc.Content, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, ledger.ErrDocumentNotFound
	}
	if err != nil {
		return document.Document{}, storageErr(err, "查询文档失败")
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return document.Document{}, storageErr(err, "解析文档元数据失败")
		}
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	return doc, nil
}

func storageErr(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
