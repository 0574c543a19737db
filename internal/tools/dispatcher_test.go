package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"RelayAgent/internal/document"
	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/state"
)

type stubHandler struct {
	id      ID
	actions []ActionSpec
	exec    func(ctx context.Context, call Call) ([]document.Document, error)
}

func (s *stubHandler) ID() ID                { return s.id }
func (s *stubHandler) Description() string   { return "stub " + string(s.id) }
func (s *stubHandler) Actions() []ActionSpec { return s.actions }
func (s *stubHandler) Execute(ctx context.Context, call Call) ([]document.Document, error) {
	return s.exec(ctx, call)
}

func newStub(id ID, exec func(ctx context.Context, call Call) ([]document.Document, error)) *stubHandler {
	return &stubHandler{
		id: id,
		actions: []ActionSpec{{Name: "run", Parameters: []Param{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "number"},
		}}},
		exec: exec,
	}
}

func TestNewRegistryValidation(t *testing.T) {
	ok := func(context.Context, Call) ([]document.Document, error) { return nil, nil }
	cases := []struct {
		name     string
		handlers []Handler
	}{
		{"unknown id", []Handler{newStub("weather", ok)}},
		{"sentinel", []Handler{newStub(FinalAnswer, ok)}},
		{"duplicate", []Handler{newStub(Email, ok), newStub(Email, ok)}},
		{"no actions", []Handler{&stubHandler{id: Budget, exec: ok}}},
		{"duplicate action", []Handler{&stubHandler{id: Budget, exec: ok, actions: []ActionSpec{{Name: "a"}, {Name: "a"}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRegistry(tc.handlers...); err == nil {
				t.Fatalf("expected registry error")
			}
		})
	}

	reg, err := NewRegistry(newStub(WebScraper, ok), newStub(Budget, ok))
	if err != nil {
		t.Fatalf("valid registry: %v", err)
	}
	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != Budget || ids[1] != WebScraper {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if cat := reg.Catalog(); len(cat) != 2 || cat[0].Actions[0].Required()[0] != "query" {
		t.Fatalf("unexpected catalog: %+v", cat)
	}
}

func mustDispatcher(t *testing.T, handlers ...Handler) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(handlers...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewDispatcher(reg)
}

func TestDispatcherContainment(t *testing.T) {
	partialDoc := document.New("", "1 of 2 saved", document.Metadata{Name: "summary"})
	handlers := []Handler{
		newStub(Budget, func(context.Context, Call) ([]document.Document, error) {
			return []document.Document{partialDoc}, xerrors.New(xerrors.CodePartialFanOut, "1 item failed")
		}),
		newStub(Email, func(context.Context, Call) ([]document.Document, error) {
			return nil, errors.New("smtp refused")
		}),
		newStub(WebScraper, func(context.Context, Call) ([]document.Document, error) {
			panic("nil map")
		}),
		newStub(TaskManager, func(context.Context, Call) ([]document.Document, error) {
			return nil, nil
		}),
	}
	d := mustDispatcher(t, handlers...)
	params := map[string]any{"query": "x"}

	cases := []struct {
		name    string
		call    Call
		status  state.ActionStatus
		isError bool
		contain string
	}{
		{"unknown tool", Call{Tool: "weather", Action: "run", Params: params}, state.ActionError, true, "unknown tool"},
		{"unknown action", Call{Tool: Email, Action: "fly", Params: params}, state.ActionError, true, "no action"},
		{"missing param", Call{Tool: Email, Action: "run", Params: map[string]any{"query": " "}}, state.ActionError, true, "query"},
		{"handler error", Call{Tool: Email, Action: "run", Params: params}, state.ActionError, true, "smtp refused"},
		{"handler panic", Call{Tool: WebScraper, Action: "run", Params: params}, state.ActionError, true, "panicked"},
		{"partial fan-out", Call{Tool: Budget, Action: "run", Params: params}, state.ActionSuccess, false, "1 of 2 saved"},
		{"no output", Call{Tool: TaskManager, Action: "run", Params: params}, state.ActionSuccess, false, "no output"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.call.ConversationID = "conv-9"
			out := d.Execute(context.Background(), tc.call)
			if out.Status != tc.status {
				t.Fatalf("expected status %s, got %s (err=%v)", tc.status, out.Status, out.Err)
			}
			if len(out.Documents) != 1 {
				t.Fatalf("expected exactly one document, got %d", len(out.Documents))
			}
			doc := out.Documents[0]
			if doc.IsError() != tc.isError {
				t.Fatalf("unexpected error flag on %+v", doc)
			}
			if !strings.Contains(doc.Text(), tc.contain) {
				t.Fatalf("document %q does not mention %q", doc.Text(), tc.contain)
			}
			if doc.ConversationID != "conv-9" {
				t.Fatalf("document not scoped to conversation: %+v", doc)
			}
			if tc.isError && !strings.Contains(doc.Text(), "conv-9") {
				t.Fatalf("error document should carry the conversation id: %q", doc.Text())
			}
		})
	}
}

func TestDispatcherCallTimeoutIsReportedAsTimeout(t *testing.T) {
	slow := newStub(Budget, func(ctx context.Context, _ Call) ([]document.Document, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg, err := NewRegistry(slow)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	d := NewDispatcher(reg, WithCallTimeout(20*time.Millisecond))

	start := time.Now()
	out := d.Execute(context.Background(), Call{ConversationID: "c", Tool: Budget, Action: "run", Params: map[string]any{"query": "x"}})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call timeout not applied, took %s", elapsed)
	}
	if out.Status != state.ActionError {
		t.Fatalf("expected ERROR outcome, got %s", out.Status)
	}
	if code := xerrors.CodeOf(out.Err); code != xerrors.CodeTimeout {
		t.Fatalf("expected %s, got %s (%v)", xerrors.CodeTimeout, code, out.Err)
	}
	if !errors.Is(out.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause to be kept, got %v", out.Err)
	}
	if len(out.Documents) != 1 || !out.Documents[0].IsError() {
		t.Fatalf("expected a single error document, got %+v", out.Documents)
	}
}

func TestDispatcherPassesSpanToHandler(t *testing.T) {
	var got Call
	d := mustDispatcher(t, newStub(Email, func(_ context.Context, call Call) ([]document.Document, error) {
		got = call
		return []document.Document{document.New(call.ConversationID, "sent", document.Metadata{})}, nil
	}))
	out := d.Execute(context.Background(), Call{ConversationID: "c", Tool: Email, Action: "run", Params: map[string]any{"query": "hi"}})
	if out.Status != state.ActionSuccess || got.Params["query"] != "hi" {
		t.Fatalf("unexpected outcome %+v / call %+v", out, got)
	}
	if out.Documents[0].Metadata.Tool != string(Email) || out.Documents[0].Metadata.Source != document.SourceTool {
		t.Fatalf("expected stamped metadata, got %+v", out.Documents[0].Metadata)
	}
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{"amount": "$12.50", "n": float64(3), "tags": []any{"a", " b "}, "to": "x@y.z, w@v.u", "flag": "true"}
	if v, ok := Float(params, "amount"); !ok || v != 12.5 {
		t.Fatalf("unexpected amount %v %v", v, ok)
	}
	if v, ok := Float(params, "n"); !ok || v != 3 {
		t.Fatalf("unexpected n %v", v)
	}
	if tags := Strings(params, "tags"); len(tags) != 2 || tags[1] != "b" {
		t.Fatalf("unexpected tags %v", tags)
	}
	if to := Strings(params, "to"); len(to) != 2 {
		t.Fatalf("unexpected recipients %v", to)
	}
	if !Bool(params, "flag") {
		t.Fatalf("expected flag")
	}
	if missing := Missing(params, []string{"amount", "subject"}); len(missing) != 1 || missing[0] != "subject" {
		t.Fatalf("unexpected missing %v", missing)
	}
}
