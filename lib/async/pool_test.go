package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 4); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit task %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := ran.Load(); got != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", got)
	}
}

func TestPoolShedsLoadWhenSaturated(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("submit blocking task: %v", err)
	}
	<-started

	// Worker is pinned; this one parks in the queue.
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("submit queued task: %v", err)
	}

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(release)
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed pool error, got %v", err)
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	pool, err := NewPool(1, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := pool.Submit(context.Background(), func(context.Context) error {
		panic("task exploded")
	}); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}

	done := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("submit follow-up task: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
