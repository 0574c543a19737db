// Package tools defines the closed set of tools the agent may call, the
// registry that validates them at startup, and the dispatcher that turns
// every tool failure into a recorded outcome.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"RelayAgent/internal/document"
	"RelayAgent/internal/state"
	"RelayAgent/internal/trace"
)

// ID 是工具的稳定标识。
type ID string

const (
	TaskManager ID = "task_manager"
	Budget      ID = "budget"
	WebScraper  ID = "web_scraper"
	Email       ID = "email"

	// FinalAnswer 是规划阶段的哨兵，不对应任何处理器。
	FinalAnswer ID = state.FinalAnswerTool
)

var knownIDs = map[ID]struct{}{
	TaskManager: {},
	Budget:      {},
	WebScraper:  {},
	Email:       {},
}

// Param 描述一个动作参数。
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ActionSpec 描述工具的一个动作。
type ActionSpec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters"`
}

// Required 返回必填参数名。
func (a ActionSpec) Required() []string {
	var out []string
	for _, p := range a.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Call 是一次工具调用请求。
type Call struct {
	ConversationID string
	Tool           ID
	Action         string
	Params         map[string]any
	Trace          trace.Handle
}

// Handler 是单个工具的实现。
type Handler interface {
	ID() ID
	Description() string
	Actions() []ActionSpec
	Execute(ctx context.Context, call Call) ([]document.Document, error)
}

// ContextProvider 由能为参数解析提供动态上下文的工具实现。
type ContextProvider interface {
	DynamicContext(ctx context.Context, conversationID string) (string, error)
}

// CatalogEntry 是暴露给模型的工具描述。
type CatalogEntry struct {
	ID          ID           `json:"id"`
	Description string       `json:"description"`
	Actions     []ActionSpec `json:"actions"`
}

// Registry 是启动时校验过的只读工具表。
type Registry struct {
	handlers map[ID]Handler
	order    []ID
}

// NewRegistry 校验并注册处理器。未知 ID、重复 ID、哨兵、
// 没有动作或动作重名的处理器都会被拒绝。
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[ID]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("nil tool handler")
		}
		id := h.ID()
		if id == FinalAnswer {
			return nil, fmt.Errorf("tool id %q is reserved", id)
		}
		if _, ok := knownIDs[id]; !ok {
			return nil, fmt.Errorf("unknown tool id %q", id)
		}
		if _, dup := r.handlers[id]; dup {
			return nil, fmt.Errorf("duplicate tool id %q", id)
		}
		actions := h.Actions()
		if len(actions) == 0 {
			return nil, fmt.Errorf("tool %q declares no actions", id)
		}
		seen := make(map[string]struct{}, len(actions))
		for _, a := range actions {
			if strings.TrimSpace(a.Name) == "" {
				return nil, fmt.Errorf("tool %q has an unnamed action", id)
			}
			if _, dup := seen[a.Name]; dup {
				return nil, fmt.Errorf("tool %q declares action %q twice", id, a.Name)
			}
			seen[a.Name] = struct{}{}
		}
		r.handlers[id] = h
		r.order = append(r.order, id)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

// Lookup 返回工具处理器。
func (r *Registry) Lookup(id ID) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[id]
	return h, ok
}

// Action 返回工具的动作描述。
func (r *Registry) Action(id ID, action string) (ActionSpec, bool) {
	h, ok := r.Lookup(id)
	if !ok {
		return ActionSpec{}, false
	}
	for _, a := range h.Actions() {
		if a.Name == action {
			return a, true
		}
	}
	return ActionSpec{}, false
}

// IDs 按字典序返回已注册的工具。
func (r *Registry) IDs() []ID {
	if r == nil {
		return nil
	}
	return append([]ID(nil), r.order...)
}

// Empty 报告是否没有任何工具。
func (r *Registry) Empty() bool {
	return r == nil || len(r.order) == 0
}

// Catalog 返回工具目录。
func (r *Registry) Catalog() []CatalogEntry {
	if r == nil {
		return nil
	}
	out := make([]CatalogEntry, 0, len(r.order))
	for _, id := range r.order {
		h := r.handlers[id]
		out = append(out, CatalogEntry{ID: id, Description: h.Description(), Actions: h.Actions()})
	}
	return out
}
