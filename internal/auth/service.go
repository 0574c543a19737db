package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"RelayAgent/pkg/logger"
)

type entry struct {
	digest   [sha256.Size]byte
	subject  Subject
	disabled bool
}

// Service 校验请求携带的 Bearer 令牌。
type Service struct {
	entries []entry
	audit   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithAuditLogger 替换审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.audit = l
		}
	}
}

// New 校验令牌表并创建认证服务。
func New(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{}
	seen := make(map[string]struct{}, len(cfg.Tokens))
	var errs []error
	for i, tok := range cfg.Tokens {
		name := strings.TrimSpace(tok.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i+1)
		}
		secret := strings.TrimSpace(tok.Secret)
		if secret == "" {
			errs = append(errs, fmt.Errorf("令牌 %s 缺少 secret", name))
			continue
		}
		if _, dup := seen[secret]; dup {
			errs = append(errs, fmt.Errorf("令牌 %s 的 secret 重复", name))
			continue
		}
		seen[secret] = struct{}{}
		perms := make([]string, 0, len(tok.Permissions))
		for _, perm := range tok.Permissions {
			switch p := normalisePermission(perm); p {
			case PermissionRead, PermissionWrite:
				perms = append(perms, p)
			default:
				errs = append(errs, fmt.Errorf("令牌 %s 含有未知权限 %q", name, perm))
			}
		}
		s.entries = append(s.entries, entry{
			digest:   sha256.Sum256([]byte(secret)),
			subject:  Subject{Name: name, Permissions: perms},
			disabled: tok.Disabled,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Enabled 报告是否配置了令牌。
func (s *Service) Enabled() bool {
	return s != nil && len(s.entries) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	var match *entry
	for i := range s.entries {
		// 遍历全部条目，耗时与命中位置无关。
		if subtle.ConstantTimeCompare(digest[:], s.entries[i].digest[:]) == 1 {
			match = &s.entries[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.disabled {
		return nil, ErrSubjectRevoked
	}
	subject := match.subject
	subject.Permissions = slices.Clone(subject.Permissions)
	return &subject, nil
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return logger.Audit()
}
