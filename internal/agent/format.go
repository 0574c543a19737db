package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"RelayAgent/internal/document"
	"RelayAgent/internal/llm"
	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
)

const maxDocumentChars = 2000

func formatCatalog(entries []tools.CatalogEntry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", e.ID, e.Description)
		b.WriteString(formatActions(e.Actions, "  "))
	}
	return b.String()
}

func formatActions(actions []tools.ActionSpec, indent string) string {
	var b strings.Builder
	for _, a := range actions {
		params := make([]string, 0, len(a.Parameters))
		for _, p := range a.Parameters {
			name := p.Name
			if p.Required {
				name += "*"
			}
			if p.Type != "" {
				name += " " + p.Type
			}
			params = append(params, name)
		}
		fmt.Fprintf(&b, "%s- %s(%s)", indent, a.Name, strings.Join(params, ", "))
		if a.Description != "" {
			b.WriteString(": " + a.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// formatHistory 列出当前任务的动作记录。
func formatHistory(st state.State) string {
	task, ok := st.CurrentTask()
	if !ok || len(task.Actions) == 0 {
		return "No actions yet."
	}
	var b strings.Builder
	for i, a := range task.Actions {
		fmt.Fprintf(&b, "%d. %s.%s [%s]", i+1, a.ToolID, a.ToolAction, a.Status)
		if a.Step != "" {
			fmt.Fprintf(&b, " step: %s", a.Step)
		}
		if len(a.Input) > 0 {
			if raw, err := json.Marshal(a.Input); err == nil {
				fmt.Fprintf(&b, " input: %s", raw)
			}
		}
		if len(a.DocumentIDs) > 0 {
			fmt.Fprintf(&b, " documents: %s", strings.Join(a.DocumentIDs, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatDocuments(docs []document.Document) string {
	if len(docs) == 0 {
		return "No documents yet."
	}
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, "- "+d.Summary())
	}
	return strings.Join(lines, "\n")
}

// formatDocumentBodies 附带正文，供回答阶段引用。
func formatDocumentBodies(docs []document.Document) string {
	if len(docs) == 0 {
		return "No documents."
	}
	var b strings.Builder
	for _, d := range docs {
		text := d.Text()
		if len(text) > maxDocumentChars {
			text = text[:maxDocumentChars] + " ..."
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", d.Summary(), text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatCandidates(candidates []state.Candidate) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s: %s (query: %s)\n", i+1, c.Tool, c.Reason, c.Query)
	}
	return b.String()
}

// conversation 将末尾的会话消息转换为模型消息。
func conversation(st state.State, depth int) []llm.Message {
	msgs := st.LastMessages(depth)
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == state.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
