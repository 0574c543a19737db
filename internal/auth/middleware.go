package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "RelayAgent/internal/errors"
)

// MiddlewareConfig 按 HTTP 方法声明所需权限，"*" 为兜底。
type MiddlewareConfig struct {
	RequiredPermissions map[string][]string
}

// DefaultMiddlewareConfig 读请求需要 read，其余需要 write。
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionRead},
		http.MethodHead: {PermissionRead},
		"*":             {PermissionWrite},
	}}
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms, ok := c.RequiredPermissions[method]; ok {
		return perms
	}
	return c.RequiredPermissions["*"]
}

// Middleware 认证并授权每个请求，未配置令牌时直接放行。
// 拒绝的请求返回 {"error":{"code","message"}}，并写入审计日志。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := s.auditLogger().With(
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
			)

			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status, code := http.StatusUnauthorized, CodeUnauthenticated
				if errors.Is(err, ErrSubjectRevoked) {
					status, code = http.StatusForbidden, CodePermissionDenied
				} else {
					w.Header().Set("WWW-Authenticate", `Bearer realm="relay"`)
				}
				writeDenied(w, status, code, err)
				audit.Warn("access_denied", slog.Int("status", status), slog.Any("error", err))
				return
			}

			if err := subject.Authorize(cfg.permissionsFor(r.Method)...); err != nil {
				writeDenied(w, http.StatusForbidden, xerrors.CodeOf(err), err)
				audit.Warn("permission_denied",
					slog.Int("status", http.StatusForbidden),
					slog.String("user", subject.Name),
					slog.Any("error", err))
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(WithSubject(r.Context(), subject)))
			audit.Info("api_request",
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Name))
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, code xerrors.Code, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{"error": {
		"code":    string(code),
		"message": err.Error(),
	}})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 writer。
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
