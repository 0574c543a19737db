package agent

import (
	"context"
	"strings"

	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
)

// decidePhase 从候选中选定唯一的工具与动作。
type decidePhase struct{ *env }

func (p decidePhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	candidates := st.Plan.Candidates
	var entries []tools.CatalogEntry
	for _, entry := range p.registry.Catalog() {
		for _, c := range candidates {
			if c.Tool == string(entry.ID) {
				entries = append(entries, entry)
				break
			}
		}
	}

	var out struct {
		Tool   string `json:"tool"`
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	raw, err := p.complete(ctx, st, span, promptDecide, map[string]any{
		"Candidates": formatCandidates(candidates),
		"Catalog":    formatCatalog(entries),
		"History":    formatHistory(st),
	}, &out)
	if err != nil {
		return st, err
	}

	tool := strings.TrimSpace(out.Tool)
	for _, c := range candidates {
		if c.Tool != tool {
			continue
		}
		reason := out.Reason
		if reason == "" {
			reason = c.Reason
		}
		return st.WithInteraction(state.Interaction{
			Tool:   tool,
			Action: strings.TrimSpace(out.Action),
			Query:  c.Query,
			Reason: reason,
		}), nil
	}
	return st, malformed(promptDecide, raw, "tool "+tool+" is not one of the planned candidates")
}
