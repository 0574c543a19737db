package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "RelayAgent/internal/errors"
)

func newService(t *testing.T, buf *bytes.Buffer) *Service {
	t.Helper()
	svc, err := New(Config{Tokens: []Token{
		{Name: "ops", Secret: "ops-secret", Permissions: []string{PermissionRead, PermissionWrite}},
		{Name: "dashboard", Secret: "dash-secret", Permissions: []string{PermissionRead}},
		{Name: "retired", Secret: "old-secret", Permissions: []string{PermissionRead}, Disabled: true},
	}}, WithAuditLogger(slog.New(slog.NewJSONHandler(buf, nil))))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestNewRejectsBadTokens(t *testing.T) {
	cases := map[string][]Token{
		"empty secret":  {{Name: "a", Permissions: []string{PermissionRead}}},
		"duplicate":     {{Secret: "x"}, {Secret: "x"}},
		"unknown scope": {{Secret: "x", Permissions: []string{"admin"}}},
	}
	for name, tokens := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(Config{Tokens: tokens}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	svc, err := New(Config{})
	if err != nil || svc.Enabled() {
		t.Fatalf("empty config should disable auth: %v", err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newService(t, &bytes.Buffer{})
	cases := []struct {
		header string
		want   error
		name   string
	}{
		{"", ErrMissingToken, ""},
		{"Basic abc", ErrInvalidToken, ""},
		{"Bearer nope", ErrInvalidToken, ""},
		{"Bearer old-secret", ErrSubjectRevoked, ""},
		{"bearer dash-secret", nil, "dashboard"},
	}
	for _, tc := range cases {
		subject, err := svc.AuthenticateRequest(context.Background(), tc.header)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%q: expected %v, got %v", tc.header, tc.want, err)
		}
		if tc.want == nil && subject.Name != tc.name {
			t.Fatalf("%q: unexpected subject %+v", tc.header, subject)
		}
	}
}

func TestMiddleware(t *testing.T) {
	var audit bytes.Buffer
	svc := newService(t, &audit)
	var caller string
	h := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerName(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		method, token string
		status        int
	}{
		{http.MethodGet, "", http.StatusUnauthorized},
		{http.MethodGet, "dash-secret", http.StatusAccepted},
		{http.MethodPost, "dash-secret", http.StatusForbidden},
		{http.MethodPost, "ops-secret", http.StatusAccepted},
		{http.MethodGet, "old-secret", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s with %q: expected %d, got %d", tc.method, tc.token, tc.status, rec.Code)
		}
	}
	if caller != "ops" {
		t.Fatalf("expected last caller ops, got %q", caller)
	}
	for _, want := range []string{"access_denied", "permission_denied", `"user":"ops"`, `"user":"dashboard"`} {
		if !strings.Contains(audit.String(), want) {
			t.Fatalf("audit log missing %s:\n%s", want, audit.String())
		}
	}
}

func TestMiddlewareDeniesWithErrorEnvelope(t *testing.T) {
	svc := newService(t, &bytes.Buffer{})
	h := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Errorf("handler must not run")
	}))

	cases := []struct {
		method, token, code string
		status              int
	}{
		{http.MethodGet, "wrong", "UNAUTHENTICATED", http.StatusUnauthorized},
		{http.MethodDelete, "dash-secret", "PERMISSION_DENIED", http.StatusForbidden},
		{http.MethodGet, "old-secret", "PERMISSION_DENIED", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/v1/runs", nil)
		req.Header.Set("Authorization", "Bearer "+tc.token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		var body struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if rec.Code != tc.status || body.Error.Code != tc.code {
			t.Fatalf("%s %q: got %d %+v", tc.method, tc.token, rec.Code, body.Error)
		}
	}
}

func TestSubjectAuthorize(t *testing.T) {
	s := &Subject{Name: "ops", Permissions: []string{PermissionRead}}
	if err := s.Authorize(" READ "); err != nil {
		t.Fatalf("read should be granted: %v", err)
	}
	err := s.Authorize(PermissionRead, PermissionWrite)
	if !errors.Is(err, ErrPermissionDenied) || xerrors.MetadataOf(err, "subject") != "ops" {
		t.Fatalf("expected permission denied for ops, got %v", err)
	}
	var nobody *Subject
	if err := nobody.Authorize(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil subject should be rejected, got %v", err)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := New(Config{})
	h := svc.Middleware(DefaultMiddlewareConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CallerName(r.Context()) != "anonymous" {
			t.Errorf("unexpected caller")
		}
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
