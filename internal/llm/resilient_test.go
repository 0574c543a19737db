package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
)

func TestResilientRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	r := NewResilient(next, WithRetry(3, time.Millisecond))
	out, err := r.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "m", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Fatalf("unexpected result %q after %d calls", out, calls.Load())
	}
}

func TestResilientGivesUpWithFatalKind(t *testing.T) {
	next := Func(func(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
		return "", errors.New("dial tcp: refused")
	})
	r := NewResilient(next, WithRetry(1, time.Millisecond))
	_, err := r.Complete(context.Background(), nil, "m", true)
	if err == nil {
		t.Fatalf("expected error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeCompletionTransport || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal transport error, got %v", err)
	}
}

func TestResilientDoesNotRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	next := Func(func(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
		calls.Add(1)
		return "", xerrors.New(xerrors.CodeInvalidArgument, "bad model")
	})
	r := NewResilient(next, WithRetry(5, time.Millisecond))
	if _, err := r.Complete(context.Background(), nil, "m", false); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single call, got %d", calls.Load())
	}
}

func TestResilientTimeout(t *testing.T) {
	next := Func(func(ctx context.Context, messages []Message, model string, jsonMode bool) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := NewResilient(next, WithTimeout(10*time.Millisecond), WithRetry(0, 0))
	_, err := r.Complete(context.Background(), nil, "m", false)
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
	if !xerrors.IsFatal(err) {
		t.Fatalf("completion timeouts end the run")
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: " b "},
	})
	if system != "a\n\nb" {
		t.Fatalf("unexpected system: %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "u" {
		t.Fatalf("unexpected rest: %+v", rest)
	}
}
