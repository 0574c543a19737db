package trace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"RelayAgent/pkg/logger"
)

// Config 控制追踪导出。
type Config struct {
	// Exporter 可选 none 或 stdout。
	Exporter    string `json:"exporter"`
	ServiceName string `json:"service_name"`
	// Output 为 stdout 导出器的目标文件，空值写到标准输出。
	Output string `json:"output"`
}

// Setup 根据配置构建 Service，并把导出错误转交给日志。
// 返回的 shutdown 负责刷新并关闭导出器。
func Setup(cfg Config) (Service, func(context.Context) error, error) {
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.L().Warn("追踪导出失败", slog.Any("error", err))
	}))

	provider, shutdown, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewSafe(NewOTel(provider)), shutdown, nil
}

// NewProvider 创建 TracerProvider。
func NewProvider(cfg Config) (oteltrace.TracerProvider, func(context.Context) error, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" || exporter == "none" {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	if exporter != "stdout" {
		return nil, nil, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace output: %w", err)
		}
		w, closer = f, f
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "relayd"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes("", attribute.String("service.name", name))),
	)
	shutdown := func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}
	return tp, shutdown, nil
}
