package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsJobsInFIFOOrder(t *testing.T) {
	m := NewManager(0)
	var mu sync.Mutex
	var order []int

	var jobs []*Job
	for i := 0; i < 5; i++ {
		i := i
		job, _, err := m.Enqueue(context.Background(), "sess-1", "job", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		jobs = append(jobs, job)
	}
	for _, j := range jobs {
		if err := j.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestEnqueueReportsPosition(t *testing.T) {
	m := NewManager(0)
	block := make(chan struct{})
	_, pos1, err := m.Enqueue(context.Background(), "sess-2", "a", func(ctx context.Context) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if pos1 != 1 {
		t.Fatalf("expected position 1, got %d", pos1)
	}
	_, pos2, err := m.Enqueue(context.Background(), "sess-2", "b", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if pos2 != 2 {
		t.Fatalf("expected position 2, got %d", pos2)
	}
	close(block)
}

func TestQueueFullRejectsBeyondMaxDepth(t *testing.T) {
	m := NewManager(1)
	block := make(chan struct{})
	defer close(block)
	_, _, err := m.Enqueue(context.Background(), "sess-3", "a", func(ctx context.Context) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = m.Enqueue(context.Background(), "sess-3", "b", func(ctx context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = m.Enqueue(context.Background(), "sess-3", "c", func(ctx context.Context) error { return nil })
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	m := NewManager(0)
	block := make(chan struct{})
	defer close(block)
	_, _, err := m.Enqueue(context.Background(), "sess-4", "a", func(ctx context.Context) error {
		<-block
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var ran int32
	job, _, err := m.Enqueue(context.Background(), "sess-4", "b", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	job.Cancel()
	if err := job.Wait(context.Background()); err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt32(&ran) != 0 {
		t.Fatal("expected cancelled job to never run")
	}
}

func TestCancelRunningJobPropagatesContext(t *testing.T) {
	m := NewManager(0)
	started := make(chan struct{})
	job, _, err := m.Enqueue(context.Background(), "sess-5", "a", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	job.Cancel()
	if err := job.Wait(context.Background()); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
