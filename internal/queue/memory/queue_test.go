package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		page, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- page
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	if err := q.Enqueue(context.Background(), 7); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got != 7 {
			t.Fatalf("expected page 7, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return page")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, 2); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	for page := 1; page <= 3; page++ {
		if err := q.Enqueue(context.Background(), page); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", page, err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing twice should be safe.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Buffered pages remain dequeuable after close.
	for want := 1; want <= 3; want++ {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got != want {
			t.Fatalf("expected page %d, got %d", want, got)
		}
	}

	// Drained and closed yields the sentinel workers exit on.
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, pipeline.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
