package state

import (
	"time"

	"RelayAgent/internal/document"
)

// State 是一次编排运行中会话的快照。所有 With* 方法都返回新值，不修改接收者。
type State struct {
	ConversationID  string              `json:"conversation_id"`
	Messages        []Message           `json:"messages"`
	Tasks           []Task              `json:"tasks"`
	CurrentTaskID   string              `json:"current_task_id,omitempty"`
	CurrentActionID string              `json:"current_action_id,omitempty"`
	Phase           Phase               `json:"phase"`
	CurrentStep     int                 `json:"current_step"`
	MaxSteps        int                 `json:"max_steps"`
	Documents       []document.Document `json:"documents,omitempty"`
	Intent          Intent              `json:"intent"`
	Plan            Plan                `json:"plan"`
	Interaction     Interaction         `json:"interaction"`
}

// New 根据已持久化的消息与任务构造初始状态。最近一个未完成的任务成为当前任务。
func New(conversationID string, maxSteps int, messages []Message, tasks []Task) State {
	if maxSteps < 0 {
		maxSteps = 0
	}
	s := State{
		ConversationID: conversationID,
		MaxSteps:       maxSteps,
		Messages:       append([]Message(nil), messages...),
	}
	for _, t := range tasks {
		s.Tasks = append(s.Tasks, t.Clone())
	}
	for i := len(s.Tasks) - 1; i >= 0; i-- {
		if s.Tasks[i].Status == TaskPending {
			s.CurrentTaskID = s.Tasks[i].ID
			break
		}
	}
	return s
}

// Clone 返回深拷贝。
func (s State) Clone() State {
	next := s
	next.Messages = append([]Message(nil), s.Messages...)
	if s.Tasks != nil {
		next.Tasks = make([]Task, len(s.Tasks))
		for i, t := range s.Tasks {
			next.Tasks[i] = t.Clone()
		}
	}
	if s.Documents != nil {
		next.Documents = make([]document.Document, len(s.Documents))
		for i, d := range s.Documents {
			next.Documents[i] = d.Clone()
		}
	}
	next.Plan.Candidates = append([]Candidate(nil), s.Plan.Candidates...)
	next.Interaction = s.Interaction.Clone()
	return next
}

// WithPhase 返回进入指定阶段后的状态。
func (s State) WithPhase(p Phase) State {
	next := s.Clone()
	next.Phase = p
	return next
}

// WithIntent 记录意图识别结果。
func (s State) WithIntent(intent Intent) State {
	next := s.Clone()
	next.Intent = intent
	return next
}

// WithPlan 记录规划结果，并把首选候选写入当前交互。
func (s State) WithPlan(plan Plan) State {
	next := s.Clone()
	next.Plan = Plan{Rationale: plan.Rationale, Candidates: append([]Candidate(nil), plan.Candidates...)}
	next.Interaction = Interaction{}
	if len(plan.Candidates) > 0 {
		top := plan.Candidates[0]
		next.Interaction = Interaction{Tool: top.Tool, Query: top.Query, Reason: top.Reason}
	}
	return next
}

// WithInteraction 替换当前交互。
func (s State) WithInteraction(i Interaction) State {
	next := s.Clone()
	next.Interaction = i.Clone()
	return next
}

// WithMessage 追加一条消息。
func (s State) WithMessage(m Message) State {
	next := s.Clone()
	if m.ConversationID == "" {
		m.ConversationID = s.ConversationID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	next.Messages = append(next.Messages, m)
	return next
}

// WithTask 按 ID 插入或替换任务，并将其设为当前任务。
func (s State) WithTask(t Task) State {
	next := s.Clone()
	t = t.Clone()
	if t.ConversationID == "" {
		t.ConversationID = s.ConversationID
	}
	replaced := false
	for i := range next.Tasks {
		if next.Tasks[i].ID == t.ID {
			next.Tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		next.Tasks = append(next.Tasks, t)
	}
	next.CurrentTaskID = t.ID
	return next
}

// WithDocuments 追加文档。
func (s State) WithDocuments(docs ...document.Document) State {
	next := s.Clone()
	for _, d := range docs {
		next.Documents = append(next.Documents, d.Clone())
	}
	return next
}

// WithAction 将动作追加到当前任务并记为当前动作。没有当前任务时返回 false。
func (s State) WithAction(a Action) (State, Task, bool) {
	task, ok := s.CurrentTask()
	if !ok {
		return s, Task{}, false
	}
	updated := task.WithAction(a)
	next := s.WithTask(updated)
	next.CurrentActionID = a.ID
	return next, updated, true
}

// AdvanceStep 将步数加一。
func (s State) AdvanceStep() State {
	next := s.Clone()
	next.CurrentStep++
	return next
}

// CurrentTask 返回当前任务的副本。
func (s State) CurrentTask() (Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == s.CurrentTaskID && s.CurrentTaskID != "" {
			return t.Clone(), true
		}
	}
	return Task{}, false
}

// Document 按 ID 查找文档。
func (s State) Document(id string) (document.Document, bool) {
	for _, d := range s.Documents {
		if d.ID == id {
			return d.Clone(), true
		}
	}
	return document.Document{}, false
}

// LastMessages 返回末尾 n 条消息，n<=0 时返回全部。
func (s State) LastMessages(n int) []Message {
	if n <= 0 || n >= len(s.Messages) {
		return append([]Message(nil), s.Messages...)
	}
	return append([]Message(nil), s.Messages[len(s.Messages)-n:]...)
}

// LastUserMessage 返回最近一条用户消息的内容。
func (s State) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// LastAssistantMessage 返回最近一条助手消息。
func (s State) LastAssistantMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// Exhausted 判断步数预算是否用尽。
func (s State) Exhausted() bool {
	return s.CurrentStep >= s.MaxSteps
}
