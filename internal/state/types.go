package state

import (
	"time"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Phase 是编排状态机中的阶段。
type Phase string

const (
	PhaseIntent  Phase = "INTENT"
	PhasePlan    Phase = "PLAN"
	PhaseDefine  Phase = "DEFINE"
	PhaseDecide  Phase = "DECIDE"
	PhaseExecute Phase = "EXECUTE"
	PhaseAnswer  Phase = "ANSWER"
)

// FinalAnswerTool 是规划阶段选择“直接回答”时使用的哨兵工具名。
const FinalAnswerTool = "final_answer"

// TaskStatus 描述任务的完成情况。
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
)

// ActionStatus 描述一次工具调用的结果。
type ActionStatus string

const (
	ActionSuccess ActionStatus = "SUCCESS"
	ActionError   ActionStatus = "ERROR"
)

// Message 是会话中的一条消息。
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Action 记录一次工具调用尝试及其结果。
type Action struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Name        string         `json:"name"`
	ToolID      string         `json:"tool_uuid"`
	ToolAction  string         `json:"tool_action"`
	Input       map[string]any `json:"input,omitempty"`
	Status      ActionStatus   `json:"status"`
	DocumentIDs []string       `json:"document_ids,omitempty"`
	Step        string         `json:"step,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Clone 返回深拷贝，Input 中的嵌套值按 JSON 语义浅拷贝。
func (a Action) Clone() Action {
	a.Input = cloneMap(a.Input)
	a.DocumentIDs = append([]string(nil), a.DocumentIDs...)
	return a
}

// Task 是用户请求的一个工作单元，拥有有序的动作历史。
type Task struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         TaskStatus `json:"status"`
	Actions        []Action   `json:"actions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone 返回深拷贝。
func (t Task) Clone() Task {
	if t.Actions != nil {
		actions := make([]Action, len(t.Actions))
		for i, a := range t.Actions {
			actions[i] = a.Clone()
		}
		t.Actions = actions
	}
	return t
}

// WithAction 返回追加了动作的新任务。
func (t Task) WithAction(a Action) Task {
	next := t.Clone()
	a = a.Clone()
	a.TaskID = t.ID
	next.Actions = append(next.Actions, a)
	next.UpdatedAt = a.CreatedAt
	return next
}

// WithStatus 返回状态变更后的新任务。
func (t Task) WithStatus(status TaskStatus) Task {
	next := t.Clone()
	next.Status = status
	next.UpdatedAt = time.Now().UTC()
	return next
}

// Candidate 是规划阶段给出的候选工具。
type Candidate struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
	Query  string `json:"query"`
}

// Plan 是规划阶段的输出。
type Plan struct {
	Rationale  string      `json:"rationale"`
	Candidates []Candidate `json:"candidates"`
}

// Interaction 是当前轮次中 Define/Decide 共同维护的调用信息。
type Interaction struct {
	Tool          string         `json:"tool"`
	Action        string         `json:"action"`
	Query         string         `json:"query"`
	Reason        string         `json:"reason"`
	Payload       map[string]any `json:"payload,omitempty"`
	Failed        bool           `json:"failed"`
	FailureReason string         `json:"failure_reason,omitempty"`
}

// Clone 返回深拷贝。
func (i Interaction) Clone() Interaction {
	i.Payload = cloneMap(i.Payload)
	return i
}

// IsFinal 判断当前选择是否为最终回答哨兵。
func (i Interaction) IsFinal() bool {
	return i.Tool == FinalAnswerTool
}

// Intent 是意图识别阶段对用户请求的概括。
type Intent struct {
	Summary     string `json:"summary"`
	TaskName    string `json:"task_name"`
	Description string `json:"description"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
