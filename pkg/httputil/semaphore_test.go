package httputil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreAcquireRelease(t *testing.T) {
	sem := NewSemaphore(2)

	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := sem.InUse(); got != 2 {
		t.Fatalf("InUse = %d, want 2", got)
	}

	sem.Release()
	if got := sem.InUse(); got != 1 {
		t.Fatalf("InUse after Release = %d, want 1", got)
	}
}

func TestSemaphoreAcquireBlocksUntilRelease(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sem.Acquire(context.Background()); err != nil {
			t.Errorf("blocked Acquire: %v", err)
			return
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire succeeded while at capacity")
	case <-time.After(20 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not proceed after Release")
	}
	wg.Wait()
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Acquire on full semaphore = %v, want context.DeadlineExceeded", err)
	}
}

func TestSemaphoreDefaultCapacity(t *testing.T) {
	sem := NewSemaphore(0)
	for i := 0; i < 64; i++ {
		if err := sem.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if got := sem.InUse(); got != 64 {
		t.Fatalf("InUse = %d, want 64", got)
	}
}
