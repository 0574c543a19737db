package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/pkg/logger"
)

// Resilient 为 CompletionService 增加单次超时、有限重试与速率限制。
type Resilient struct {
	next       CompletionService
	timeout    time.Duration
	maxRetries int
	backoff    time.Duration
	limiter    *rate.Limiter
}

// Option 定义 Resilient 的可选配置。
type Option func(*Resilient)

// WithTimeout 限制单次调用的耗时。
func WithTimeout(d time.Duration) Option {
	return func(r *Resilient) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRetry 设置传输错误的最大重试次数与初始退避。
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(r *Resilient) {
		if maxRetries >= 0 {
			r.maxRetries = maxRetries
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// WithRateLimit 限制每秒请求数。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Resilient) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewResilient 包装 next。
func NewResilient(next CompletionService, opts ...Option) *Resilient {
	r := &Resilient{next: next, backoff: 500 * time.Millisecond}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Complete 实现 CompletionService。
func (r *Resilient) Complete(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
	if r == nil || r.next == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "completion service not configured")
	}
	var lastErr error
	wait := r.backoff
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			logger.L().Warn("重试模型调用",
				slog.String("model", model),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
			select {
			case <-ctx.Done():
				return "", xerrors.Wrap(xerrors.CodeCompletionTransport, ctx.Err(), "completion cancelled")
			case <-time.After(wait):
			}
			wait *= 2
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", xerrors.Wrap(xerrors.CodeCompletionTransport, err, "rate limiter wait failed")
			}
		}
		out, err := r.once(ctx, messages, model, jsonMode)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return "", asTransport(lastErr)
}

func (r *Resilient) once(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
	if r.timeout <= 0 {
		return r.next.Complete(ctx, messages, model, jsonMode)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.next.Complete(callCtx, messages, model, jsonMode)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", xerrors.Wrap(xerrors.CodeTimeout, err, "completion timed out", xerrors.WithKind(xerrors.KindFatal))
	}
	return out, err
}

func retryable(err error) bool {
	if _, ok := xerrors.From(err); ok {
		return xerrors.RetryableError(err)
	}
	return true
}

func asTransport(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeCompletionTransport, err, "")
}
