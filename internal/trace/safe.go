package trace

import (
	"context"
	"log/slog"

	"RelayAgent/pkg/logger"
)

// Safe 包装任意 Service，吞掉其 panic 并记录日志。
type Safe struct {
	next Service
}

// NewSafe 创建安全包装，next 为空时退化为 Noop。
func NewSafe(next Service) *Safe {
	if next == nil {
		next = Noop{}
	}
	if s, ok := next.(*Safe); ok {
		return s
	}
	return &Safe{next: next}
}

func (s *Safe) StartSpan(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) (h Handle) {
	defer s.guard("start_span", name, &h)
	return s.next.StartSpan(ctx, parent, name, input, metadata)
}

func (s *Safe) StartGeneration(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) (h Handle) {
	defer s.guard("start_generation", name, &h)
	return s.next.StartGeneration(ctx, parent, name, input, metadata)
}

func (s *Safe) End(h Handle, output any, level Level, statusMessage string) {
	defer s.guard("end", "", nil)
	s.next.End(h, output, level, statusMessage)
}

func (s *Safe) guard(op, name string, h *Handle) {
	r := recover()
	if r == nil {
		return
	}
	if h != nil {
		*h = Handle{}
	}
	logger.L().Warn("追踪调用失败，已忽略",
		slog.String("op", op),
		slog.String("name", name),
		slog.Any("panic", r))
}
