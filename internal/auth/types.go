// Package auth 为 HTTP API 提供基于静态令牌的认证与权限校验。
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	xerrors "RelayAgent/internal/errors"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("token is disabled")
)

// 认证相关错误码，响应体沿用 API 的 error 结构。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "authentication required", Severity: xerrors.SeverityInfo, Kind: xerrors.KindValidation})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning, Kind: xerrors.KindValidation})
}

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
)

// Token 描述一个 API 令牌及其权限。
type Token struct {
	Name        string   `json:"name"`
	Secret      string   `json:"secret"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Config 没有任何令牌时认证关闭。
type Config struct {
	Tokens []Token
}

// Subject 是通过认证的调用方，权限已规范为小写。
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission 判断调用方是否持有 permission。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Permissions, normalisePermission(permission))
}

// Authorize 要求调用方持有全部 perms。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return xerrors.Wrap(CodeUnauthenticated, ErrInvalidToken, "")
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm), "",
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}

func normalisePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
