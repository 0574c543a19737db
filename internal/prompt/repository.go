package prompt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/pkg/logger"
)

// Source 从存储中拉取模板。
type Source interface {
	Fetch(ctx context.Context, name, label string) (Template, error)
}

// Repository 在 Source 之上提供 TTL 缓存与兜底模板。
type Repository struct {
	source Source
	cache  Cache
	label  string
}

// RepositoryOption 定义可选配置。
type RepositoryOption func(*Repository)

// WithCache 替换默认的内存缓存。
func WithCache(cache Cache) RepositoryOption {
	return func(r *Repository) {
		if cache != nil {
			r.cache = cache
		}
	}
}

// WithLabel 设置 Compose 使用的版本标签。
func WithLabel(label string) RepositoryOption {
	return func(r *Repository) {
		if label != "" {
			r.label = label
		}
	}
}

// NewRepository 创建模板仓库。source 可以为 nil，此时只能返回兜底模板。
func NewRepository(source Source, opts ...RepositoryOption) *Repository {
	r := &Repository{source: source, cache: NewMemoryCache(), label: DefaultLabel}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get 返回 name/label 对应的模板。缓存命中时不访问 Source；
// 拉取失败时返回 fallback，fallback 为 nil 则返回 PROMPT_UNAVAILABLE 错误。
func (r *Repository) Get(ctx context.Context, name, label string, ttl time.Duration, fallback *Template) (Template, error) {
	if label == "" {
		label = DefaultLabel
	}
	if ttl > 0 {
		if tpl, ok := r.cache.Get(ctx, name, label); ok {
			return tpl, nil
		}
	}

	tpl, err := r.fetch(ctx, name, label)
	if err != nil {
		if fallback != nil {
			logger.L().Warn("提示词拉取失败，使用兜底模板",
				slog.String("prompt", name),
				slog.String("label", label),
				slog.Any("error", err))
			out := *fallback
			if out.Name == "" {
				out.Name = name
			}
			if out.Label == "" {
				out.Label = label
			}
			return out, nil
		}
		return Template{}, xerrors.Wrap(xerrors.CodePromptUnavailable, err, "prompt "+name+"/"+label+" unavailable",
			xerrors.WithMetadata("prompt", name))
	}
	if ttl > 0 {
		r.cache.Set(ctx, tpl, ttl)
	}
	return tpl, nil
}

func (r *Repository) fetch(ctx context.Context, name, label string) (Template, error) {
	if r.source == nil {
		return Template{}, errors.New("no prompt source configured")
	}
	tpl, err := r.source.Fetch(ctx, name, label)
	if err != nil {
		return Template{}, err
	}
	tpl.Name = name
	tpl.Label = label
	return tpl, nil
}

// Invalidate 丢弃模板的缓存。
func (r *Repository) Invalidate(ctx context.Context, name string) {
	r.cache.Invalidate(ctx, name)
}

// Compose 获取仓库标签对应的模板并渲染。r 为 nil 时直接使用 fallback。
func (r *Repository) Compose(ctx context.Context, name string, ttl time.Duration, fallback *Template, vars map[string]any) (string, Template, error) {
	var (
		tpl Template
		err error
	)
	if r == nil {
		if fallback == nil {
			return "", Template{}, xerrors.New(xerrors.CodePromptUnavailable, "prompt "+name+" unavailable")
		}
		tpl = *fallback
		tpl.Name = name
	} else {
		tpl, err = r.Get(ctx, name, r.label, ttl, fallback)
		if err != nil {
			return "", Template{}, err
		}
	}
	text, err := tpl.Render(ctx, vars)
	if err != nil {
		return "", tpl, xerrors.Wrap(xerrors.CodePromptUnavailable, err, "render prompt "+name,
			xerrors.WithMetadata("prompt", name))
	}
	return text, tpl, nil
}
