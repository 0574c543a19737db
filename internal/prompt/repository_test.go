package prompt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
)

type countingSource struct {
	calls atomic.Int32
	tpl   Template
	err   error
}

func (s *countingSource) Fetch(ctx context.Context, name, label string) (Template, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Template{}, s.err
	}
	return s.tpl, nil
}

func TestRepositoryCachesForTTL(t *testing.T) {
	src := &countingSource{tpl: Template{Text: "hello", Model: "m1"}}
	cache := NewMemoryCache()
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }
	repo := NewRepository(src, WithCache(cache))

	for i := 0; i < 3; i++ {
		tpl, err := repo.Get(context.Background(), "plan", "", time.Minute, nil)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if tpl.Name != "plan" || tpl.Label != DefaultLabel || tpl.Model != "m1" {
			t.Fatalf("unexpected template: %+v", tpl)
		}
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected single fetch, got %d", src.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := repo.Get(context.Background(), "plan", "", time.Minute, nil); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expected refetch after ttl, got %d", src.calls.Load())
	}

	repo.Invalidate(context.Background(), "plan")
	if _, err := repo.Get(context.Background(), "plan", "", time.Minute, nil); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if src.calls.Load() != 3 {
		t.Fatalf("expected refetch after invalidate, got %d", src.calls.Load())
	}
}

func TestRepositoryZeroTTLAlwaysFetches(t *testing.T) {
	src := &countingSource{tpl: Template{Text: "x"}}
	repo := NewRepository(src)
	for i := 0; i < 2; i++ {
		if _, err := repo.Get(context.Background(), "p", "v2", 0, nil); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if src.calls.Load() != 2 {
		t.Fatalf("expected two fetches, got %d", src.calls.Load())
	}
}

func TestRepositoryFallbackAndFailure(t *testing.T) {
	src := &countingSource{err: errors.New("store offline")}
	repo := NewRepository(src)

	tpl, err := repo.Get(context.Background(), "answer", "", time.Minute, &Template{Text: "fallback"})
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if tpl.Text != "fallback" || tpl.Name != "answer" {
		t.Fatalf("unexpected fallback: %+v", tpl)
	}

	_, err = repo.Get(context.Background(), "answer", "", time.Minute, nil)
	if xerrors.CodeOf(err) != xerrors.CodePromptUnavailable || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal prompt error, got %v", err)
	}

	if _, err := NewRepository(nil).Get(context.Background(), "x", "", 0, nil); err == nil {
		t.Fatalf("expected error without source")
	}
}

func TestFileSourceReadsLabels(t *testing.T) {
	dir := t.TempDir()
	content := `labels:
  production:
    model: gpt-4o-mini
    json_mode: true
    template: "Tools: {{.Catalog}}"
  staging:
    model: gpt-4.1
    template: "staging"
`
	if err := os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	src := NewFileSource(dir)

	tpl, err := src.Fetch(context.Background(), "plan", "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !tpl.JSONMode || tpl.Model != "gpt-4o-mini" || !strings.Contains(tpl.Text, "{{.Catalog}}") {
		t.Fatalf("unexpected template: %+v", tpl)
	}
	staging, err := src.Fetch(context.Background(), "plan", "staging")
	if err != nil || staging.Model != "gpt-4.1" {
		t.Fatalf("unexpected staging: %+v %v", staging, err)
	}
	if _, err := src.Fetch(context.Background(), "plan", "missing"); err == nil {
		t.Fatalf("expected missing label error")
	}
	if _, err := src.Fetch(context.Background(), "../etc/passwd", ""); err == nil {
		t.Fatalf("expected invalid name error")
	}
}

func TestTemplateRender(t *testing.T) {
	tpl := Template{Name: "plan", Text: "Tools:\n{{.Catalog}}\nStep {{.Step}}"}
	out, err := tpl.Render(context.Background(), map[string]any{"Catalog": "- budget", "Step": 2})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Tools:\n- budget\nStep 2" {
		t.Fatalf("unexpected render: %q", out)
	}
	if _, err := (Template{Name: "empty"}).Render(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty template")
	}
}

func TestComposeUsesFallbackWithoutRepository(t *testing.T) {
	var repo *Repository
	text, tpl, err := repo.Compose(context.Background(), "answer", time.Minute,
		&Template{Text: "Hello {{.Name}}", Model: "m", JSONMode: true}, map[string]any{"Name": "Ada"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if text != "Hello Ada" || tpl.Model != "m" || !tpl.JSONMode || tpl.Name != "answer" {
		t.Fatalf("unexpected compose result %q %+v", text, tpl)
	}
	if _, _, err := repo.Compose(context.Background(), "answer", 0, nil, nil); xerrors.CodeOf(err) != xerrors.CodePromptUnavailable {
		t.Fatalf("expected prompt unavailable, got %v", err)
	}
}

func TestComposeUsesRepositoryLabel(t *testing.T) {
	dir := t.TempDir()
	content := `labels:
  production:
    template: "prod"
  staging:
    template: "staging {{.Step}}"
`
	if err := os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write prompt: %v", err)
	}
	repo := NewRepository(NewFileSource(dir), WithLabel("staging"))
	text, tpl, err := repo.Compose(context.Background(), "plan", time.Minute, nil, map[string]any{"Step": 1})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if text != "staging 1" || tpl.Label != "staging" {
		t.Fatalf("unexpected compose result %q %+v", text, tpl)
	}
}
