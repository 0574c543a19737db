package agent

import (
	"context"
	"log/slog"
	"strings"

	"RelayAgent/internal/state"
	"RelayAgent/internal/tools"
	"RelayAgent/internal/trace"
)

// planPhase 给出按优先级排序的候选工具。
type planPhase struct{ *env }

func (p planPhase) Handle(ctx context.Context, st state.State, span trace.Handle) (state.State, error) {
	if p.registry.Empty() {
		return st.WithPlan(finalPlan("no tools are registered")), nil
	}

	var out state.Plan
	_, err := p.complete(ctx, st, span, promptPlan, map[string]any{
		"Catalog":     formatCatalog(p.registry.Catalog()),
		"FinalAnswer": state.FinalAnswerTool,
		"Intent":      st.Intent.Summary,
		"History":     formatHistory(st),
		"Documents":   formatDocuments(st.Documents),
	}, &out)
	if err != nil {
		return st, err
	}

	plan := state.Plan{Rationale: out.Rationale}
	for _, c := range out.Candidates {
		c.Tool = strings.TrimSpace(c.Tool)
		if c.Tool != state.FinalAnswerTool {
			if _, ok := p.registry.Lookup(tools.ID(c.Tool)); !ok {
				p.log(st).Debug("丢弃未注册的候选工具", slog.String("tool", c.Tool))
				continue
			}
		}
		plan.Candidates = append(plan.Candidates, c)
	}
	if len(plan.Candidates) == 0 {
		plan = finalPlan(out.Rationale)
	}
	p.log(st).Debug("规划完成",
		slog.String("tool", plan.Candidates[0].Tool),
		slog.Int("candidates", len(plan.Candidates)))
	return st.WithPlan(plan), nil
}

func finalPlan(rationale string) state.Plan {
	return state.Plan{
		Rationale:  rationale,
		Candidates: []state.Candidate{{Tool: state.FinalAnswerTool, Reason: rationale}},
	}
}
