package worker

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(func(cancel bool) error { return nil })
	q.Enqueue(func(cancel bool) error { return nil })

	ctx := context.Background()
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue 1: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue 2: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan struct{})
	go func() {
		if _, err := q.Dequeue(context.Background()); err != nil {
			t.Errorf("dequeue: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(30 * time.Millisecond):
	}

	q.Enqueue(func(cancel bool) error { return nil })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestQueueDequeueInterruptedByContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Dequeue(ctx)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueueDrainAllSplicesOutPending(t *testing.T) {
	q := NewQueue()
	q.Enqueue(func(cancel bool) error { return nil })
	q.Enqueue(func(cancel bool) error { return nil })
	pending := q.DrainAll()
	if len(pending) != 2 {
		t.Fatalf("expected 2 drained items, got %d", len(pending))
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after drain, got %d", q.Len())
	}
}
