package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewInMemoryQueue(8)
	defer q.Close()

	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		if err := q.Enqueue(ctx, Task{ID: id, Type: TaskTypeActivity, WorkflowID: "wf"}); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	if q.Len() != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len())
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("unexpected dequeue order: got %q, want %q", got.ID, want)
		}
		if got.EnqueuedAt.IsZero() {
			t.Fatalf("expected EnqueuedAt to be stamped")
		}
	}

	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after dequeues, got %d", q.Len())
	}
}

func TestInMemoryQueue_DequeueRespectsContext(t *testing.T) {
	q := NewInMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestInMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	defer q.Close()

	if err := q.Enqueue(context.Background(), Task{ID: "1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, Task{ID: "2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full queue to block until ctx is done, got %v", err)
	}
}

func TestInMemoryQueue_TryEnqueueReportsFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	defer q.Close()

	if err := q.TryEnqueue(Task{ID: "1"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := q.TryEnqueue(Task{ID: "2"}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	// Delayed tasks wait on a timer, not on a slot.
	if err := q.TryEnqueue(Task{ID: "later", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("TryEnqueue delayed: %v", err)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}

	q.Close()
	if err := q.TryEnqueue(Task{ID: "3"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestInMemoryQueue_DelayedTask(t *testing.T) {
	q := NewInMemoryQueue(4)
	defer q.Close()

	ctx := context.Background()
	start := time.Now()
	if err := q.Enqueue(ctx, Task{ID: "late", Type: TaskTypeTimeout, NotBefore: start.Add(50 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeActivity}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected Len 2 with one delayed task, got %d", q.Len())
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if first.ID != "now" {
		t.Fatalf("expected immediate task first, got %q", first.ID)
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if second.ID != "late" {
		t.Fatalf("expected delayed task, got %q", second.ID)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("delayed task delivered too early after %v", elapsed)
	}
}

func TestInMemoryQueue_CloseDropsDelayedTasks(t *testing.T) {
	q := NewInMemoryQueue(4)

	ctx := context.Background()
	if err := q.Enqueue(ctx, Task{ID: "late", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	q.Close()
	q.Close()

	if q.Len() != 0 {
		t.Fatalf("expected Len 0 after Close, got %d", q.Len())
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Dequeue, got %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Enqueue, got %v", err)
	}
}
