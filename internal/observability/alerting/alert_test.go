package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
)

type recordingSender struct {
	subject, content string
	to               []string
}

func (r *recordingSender) Send(_ context.Context, subject, content string, to []string) error {
	r.subject, r.content, r.to = subject, content, to
	return nil
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel                    { return "broken" }
func (failingNotifier) Notify(context.Context, Event) error { return errors.New("offline") }

func sampleEvent() Event {
	return Event{
		Code:           xerrors.CodeCompletionTransport,
		Message:        "upstream reset",
		Severity:       xerrors.SeverityCritical,
		Stage:          "terminal",
		RunID:          "run-1",
		ConversationID: "c1",
		Attempts:       3,
		MaxRetries:     3,
		Metadata:       map[string]string{"z": "last", "a": "first"},
		OccurredAt:     time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestEmailNotifierFormatsEvent(t *testing.T) {
	sender := &recordingSender{}
	d := NewFanout(&EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[relay] "}, nil)
	if d.Len() != 1 {
		t.Fatalf("nil notifier should be skipped")
	}
	if err := d.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sender.subject != "[relay] [critical] COMPLETION_TRANSPORT" {
		t.Fatalf("unexpected subject %q", sender.subject)
	}
	for _, want := range []string{"运行: run-1", "会话: c1", "重试: 3/3", "阶段: terminal"} {
		if !strings.Contains(sender.content, want) {
			t.Fatalf("content missing %q:\n%s", want, sender.content)
		}
	}
	if strings.Index(sender.content, "- a: first") > strings.Index(sender.content, "- z: last") {
		t.Fatalf("metadata should be sorted:\n%s", sender.content)
	}
}

func TestWebhookFormats(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		got = map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cases := []struct {
		format string
		check  func(map[string]any) bool
	}{
		{FormatJSON, func(m map[string]any) bool { return m["run_id"] == "run-1" && m["stage"] == "terminal" }},
		{FormatSlack, func(m map[string]any) bool { return strings.Contains(m["text"].(string), "COMPLETION_TRANSPORT") }},
		{FormatDingTalk, func(m map[string]any) bool {
			text, ok := m["text"].(map[string]any)
			return m["msgtype"] == "text" && ok && strings.Contains(text["content"].(string), "run-1")
		}},
	}
	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			n := NewWebhookNotifier(srv.URL, tc.format, srv.Client())
			if err := n.Notify(context.Background(), sampleEvent()); err != nil {
				t.Fatalf("notify: %v", err)
			}
			if !tc.check(got) {
				t.Fatalf("unexpected payload %+v", got)
			}
		})
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := &recordingSender{}
	d := NewFanout(failingNotifier{}, NewWebhookNotifier(srv.URL, "", srv.Client()), &EmailNotifier{Sender: sender, To: []string{"ops@example.com"}})
	err := d.Notify(context.Background(), sampleEvent())
	if err == nil || !strings.Contains(err.Error(), "offline") || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected joined errors, got %v", err)
	}
	if sender.subject == "" {
		t.Fatalf("email should still be sent when other channels fail")
	}
}
