package llm

import (
	"context"

	"RelayAgent/internal/observability/metrics"
)

// Metered 为每次调用记录指标。
type Metered struct {
	next    CompletionService
	metrics *metrics.Metrics
}

// NewMetered 包装 next。
func NewMetered(next CompletionService, m *metrics.Metrics) *Metered {
	return &Metered{next: next, metrics: m}
}

// Complete 实现 CompletionService。
func (m *Metered) Complete(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
	out, err := m.next.Complete(ctx, messages, model, jsonMode)
	m.metrics.ObserveCompletion(model, err)
	return out, err
}
