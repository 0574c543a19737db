// Package trace records spans and model generations for agent runs.
// Tracing is a side channel: nothing here may change control flow or
// return an error to the caller.
package trace

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Level 表示观测结束时的级别。
type Level string

const (
	LevelDefault Level = "DEFAULT"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

const maxAttributeLen = 4096

// Handle 指向一个已开始的观测，零值表示没有父观测。
type Handle struct {
	span oteltrace.Span
}

// Valid 报告句柄是否指向真实的 span。
func (h Handle) Valid() bool {
	return h.span != nil && h.span.SpanContext().IsValid()
}

// TraceID 返回所属 trace 的 ID，无效句柄返回空字符串。
func (h Handle) TraceID() string {
	if !h.Valid() {
		return ""
	}
	return h.span.SpanContext().TraceID().String()
}

// Service 是追踪后端的抽象。
type Service interface {
	StartSpan(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) Handle
	StartGeneration(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) Handle
	End(h Handle, output any, level Level, statusMessage string)
}

// OTel 基于 OpenTelemetry tracer 实现 Service。
type OTel struct {
	tracer oteltrace.Tracer
}

// NewOTel 从 TracerProvider 创建追踪服务。
func NewOTel(provider oteltrace.TracerProvider) *OTel {
	return &OTel{tracer: provider.Tracer("relay.agent")}
}

func (o *OTel) StartSpan(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) Handle {
	return o.start(ctx, parent, "span", name, input, metadata)
}

func (o *OTel) StartGeneration(ctx context.Context, parent Handle, name string, input any, metadata map[string]string) Handle {
	return o.start(ctx, parent, "generation", name, input, metadata)
}

func (o *OTel) start(ctx context.Context, parent Handle, kind, name string, input any, metadata map[string]string) Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	if parent.span != nil {
		ctx = oteltrace.ContextWithSpan(ctx, parent.span)
	}
	attrs := make([]attribute.KeyValue, 0, len(metadata)+2)
	attrs = append(attrs, attribute.String("relay.observation", kind))
	if input != nil {
		attrs = append(attrs, attribute.String("relay.input", stringify(input)))
	}
	for k, v := range metadata {
		attrs = append(attrs, attribute.String("relay.meta."+k, v))
	}
	_, span := o.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return Handle{span: span}
}

func (o *OTel) End(h Handle, output any, level Level, statusMessage string) {
	if h.span == nil {
		return
	}
	if output != nil {
		h.span.SetAttributes(attribute.String("relay.output", stringify(output)))
	}
	h.span.SetAttributes(attribute.String("relay.level", string(level)))
	switch level {
	case LevelError:
		h.span.SetStatus(codes.Error, statusMessage)
	case LevelWarning:
		h.span.AddEvent("warning", oteltrace.WithAttributes(attribute.String("message", statusMessage)))
		h.span.SetStatus(codes.Ok, "")
	default:
		h.span.SetStatus(codes.Ok, "")
	}
	h.span.End()
}

// Noop 丢弃所有观测。
type Noop struct{}

func (Noop) StartSpan(context.Context, Handle, string, any, map[string]string) Handle {
	return Handle{}
}

func (Noop) StartGeneration(context.Context, Handle, string, any, map[string]string) Handle {
	return Handle{}
}

func (Noop) End(Handle, any, Level, string) {}

func stringify(v any) string {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case fmt.Stringer:
		s = val.String()
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(raw)
		}
	}
	if len(s) > maxAttributeLen {
		s = s[:maxAttributeLen]
	}
	return s
}
