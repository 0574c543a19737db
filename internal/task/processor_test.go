package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
	"RelayAgent/internal/observability/alerting"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
	// fail 返回第 n 次调用（从 1 开始）的错误，nil 表示成功。
	fail func(n int32) error

	mu         sync.Mutex
	messageIDs []string
}

func (f *fakeAgent) RespondMessage(ctx context.Context, conversationID, messageID, message string) (string, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	n := f.processed.Add(1)
	f.mu.Lock()
	f.messageIDs = append(f.messageIDs, messageID)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(n); err != nil {
			return "", err
		}
	}
	return "reply to " + message, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAlerter) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func startProcessor(t *testing.T, executor Executor, opts ...ProcessorOption) (*Service, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, opts...)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return service, cancel
}

func waitDone(t *testing.T, service *Service, id string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for %s: %v", id, err)
	}
	return run
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	agent := &fakeAgent{latency: 5 * time.Millisecond}
	service, cancel := startProcessor(t, agent, WithWorkerCount(8))
	defer cancel()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(context.Background(), RunRequest{ConversationID: fmt.Sprintf("c-%d", i%10), Message: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, _ := service.Stats(context.Background())
		if stats.Succeeded == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("runs not processed in time, succeeded %d", stats.Succeeded)
		case <-time.After(20 * time.Millisecond):
		}
	}
	runs, _ := service.List(context.Background(), WithConversation("c-3"), WithReplyPresence(true), WithLimit(100))
	if len(runs) != total/10 {
		t.Fatalf("expected %d runs for c-3, got %d", total/10, len(runs))
	}
}

func TestProcessorRetriesTransportErrorsWithSameMessageID(t *testing.T) {
	agent := &fakeAgent{fail: func(n int32) error {
		if n < 3 {
			return xerrors.New(xerrors.CodeCompletionTransport, "connection reset")
		}
		return nil
	}}
	alerts := &recordingAlerter{}
	service, cancel := startProcessor(t, agent, WithAlertDispatcher(alerts))
	defer cancel()

	run, err := service.Submit(context.Background(), RunRequest{ID: "run-1", ConversationID: "c1", Message: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitDone(t, service, run.ID)
	if done.Status != StatusSucceeded || done.Attempts != 3 || done.Reply != "reply to hello" {
		t.Fatalf("unexpected run %+v", done)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	for _, id := range agent.messageIDs {
		if id != "run-1" {
			t.Fatalf("retries must reuse the run id as message id, got %v", agent.messageIDs)
		}
	}
	if len(alerts.stages()) != 0 {
		t.Fatalf("retries should not alert: %v", alerts.stages())
	}
}

func TestProcessorTerminalFailureAlerts(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		attempts int
		code     string
	}{
		{"non retryable", xerrors.New(xerrors.CodeMalformedOutput, "plan was not json"), 1, string(xerrors.CodeMalformedOutput)},
		{"retries exhausted", xerrors.New(xerrors.CodeCompletionTransport, "reset"), 3, string(xerrors.CodeCompletionTransport)},
		{"uncoded", errors.New("boom"), 1, string(CodeRunProcessing)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agent := &fakeAgent{fail: func(int32) error { return tc.err }}
			alerts := &recordingAlerter{}
			service, cancel := startProcessor(t, agent, WithAlertDispatcher(alerts))
			defer cancel()

			run, err := service.Submit(context.Background(), RunRequest{ConversationID: "c1", Message: "hello"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			done := waitDone(t, service, run.ID)
			if done.Status != StatusFailed || done.Attempts != tc.attempts || done.ErrorCode != tc.code {
				t.Fatalf("unexpected run %+v", done)
			}
			if stages := alerts.stages(); len(stages) != 1 || stages[0] != "terminal" {
				t.Fatalf("expected one terminal alert, got %v", stages)
			}
		})
	}
}

func TestProcessorRecoveryDegradesTerminalFailure(t *testing.T) {
	agent := &fakeAgent{fail: func(int32) error { return xerrors.New(xerrors.CodeMalformedOutput, "bad json") }}
	alerts := &recordingAlerter{}
	service, cancel := startProcessor(t, agent,
		WithAlertDispatcher(alerts),
		WithRecoveryHandler(FallbackReply{Message: "Sorry, something went wrong."}))
	defer cancel()

	run, _ := service.Submit(context.Background(), RunRequest{ConversationID: "c1", Message: "hello"})
	done := waitDone(t, service, run.ID)
	if done.Status != StatusSucceeded || done.Reply != "Sorry, something went wrong." {
		t.Fatalf("expected degraded success, got %+v", done)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "degraded" {
		t.Fatalf("expected degraded alert, got %v", stages)
	}
}

func TestProcessorRunTimeout(t *testing.T) {
	agent := &fakeAgent{latency: time.Second}
	service, cancel := startProcessor(t, agent, WithRunTimeout(10*time.Millisecond))
	defer cancel()

	run, _ := service.Submit(context.Background(), RunRequest{ConversationID: "c1", Message: "slow"})
	done := waitDone(t, service, run.ID)
	if done.Status != StatusFailed || done.ErrorCode != string(CodeRunProcessing) {
		t.Fatalf("expected failed run after timeout, got %+v", done)
	}
}

func TestSubmitValidatesAndDeduplicates(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	service := NewService(store, queue, 0)

	if _, err := service.Submit(context.Background(), RunRequest{Message: "hi"}); xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(context.Background(), RunRequest{ConversationID: "c1", Message: " "}); xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	first, err := service.Submit(context.Background(), RunRequest{ID: "r1", ConversationID: "c1", Message: "hi"})
	if err != nil || first.MaxRetries != DefaultMaxRetries {
		t.Fatalf("unexpected first submit %+v %v", first, err)
	}
	second, err := service.Submit(context.Background(), RunRequest{ID: "r1", ConversationID: "c1", Message: "other"})
	if err != nil || second.Message != "hi" {
		t.Fatalf("expected existing run, got %+v %v", second, err)
	}
	if len(queue.ch) != 1 {
		t.Fatalf("duplicate submit should not publish again, queued %d", len(queue.ch))
	}

	_ = queue.Close()
	if _, err := service.Submit(context.Background(), RunRequest{ID: "r2", ConversationID: "c1", Message: "hi"}); xerrors.CodeOf(err) != CodeRunPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	if run, _ := store.Get(context.Background(), "r2"); run.Status != StatusFailed {
		t.Fatalf("unpublished run should be failed, got %+v", run)
	}
}
