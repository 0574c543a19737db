package task

import (
	"context"
	"sync"
	"testing"
	"time"

	xerrors "RelayAgent/internal/errors"
)

func TestMemoryQueueCloseReleasesBlockedPublisher(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "r1"); err != nil {
		t.Fatalf("first publish: %v", err)
	}

	published := make(chan error, 1)
	go func() { published <- queue.Publish(context.Background(), "r2") }()

	select {
	case err := <-published:
		t.Fatalf("publish on a full queue should block, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	closed := make(chan struct{})
	go func() {
		_ = queue.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatalf("close waited on the blocked publisher")
	}

	select {
	case err := <-published:
		if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
			t.Fatalf("expected queue failure, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked publisher not released by close")
	}

	if err := queue.Publish(context.Background(), "r3"); xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail, got %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryQueueConsumeDrainsAfterClose(t *testing.T) {
	queue := NewMemoryQueue(4)
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := queue.Publish(context.Background(), id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	_ = queue.Close()

	var (
		mu   sync.Mutex
		seen []string
	)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := queue.Consume(ctx, 2, func(_ context.Context, runID string) error {
		mu.Lock()
		seen = append(seen, runID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("consume should return once the queue is closed and drained, got %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected all buffered runs to be handled, got %v", seen)
	}
}
