package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSemaphoreBasicAcquireRelease(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()

	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if s.Available() != 0 {
		t.Errorf("expected 0 available, got %d", s.Available())
	}
	if s.TryAcquire() {
		t.Error("try-acquire should fail at capacity")
	}

	s.Release()
	if s.Available() != 1 {
		t.Errorf("expected 1 available after release, got %d", s.Available())
	}
	if !s.TryAcquire() {
		t.Error("try-acquire should succeed with a free permit")
	}
}

func TestSemaphoreConservation(t *testing.T) {
	s := NewSemaphore(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var inFlight, maxInFlight int

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx, 0); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()

	if maxInFlight > 3 {
		t.Errorf("permit count exceeded: %d holders observed", maxInFlight)
	}
	if s.Held() != 0 {
		t.Errorf("all permits should be returned, %d still held", s.Held())
	}
}

func TestSemaphoreFIFOOrder(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := s.Acquire(ctx, 0); err != nil {
				t.Errorf("waiter %d failed: %v", rank, err)
				return
			}
			order <- rank
			s.Release()
		}(i)
		// Serialize queue entry so ranks are the queue order.
		waitForQueue(t, s, i)
	}

	s.Release()
	wg.Wait()
	close(order)

	want := 1
	for got := range order {
		if got != want {
			t.Fatalf("expected waiter %d next, got %d", want, got)
		}
		want++
	}
}

func TestSemaphoreTimeoutDoesNotLeak(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	err := s.Acquire(ctx, 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if s.QueueLength() != 0 {
		t.Errorf("timed-out waiter should leave the queue, %d still queued", s.QueueLength())
	}

	// The permit freed later must not be consumed by the dead waiter.
	s.Release()
	if !s.TryAcquire() {
		t.Error("permit should be available after release")
	}
}

func TestSemaphoreContextCancellation(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background(), 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx, 0)
	}()
	waitForQueue(t, s, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.QueueLength() != 0 {
		t.Errorf("cancelled waiter should leave the queue, %d still queued", s.QueueLength())
	}
}

func TestSetMaxPermitsWakesWaiters(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Acquire(ctx, 0)
	}()
	waitForQueue(t, s, 1)

	s.SetMaxPermits(2)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter should be granted on raise: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("raising the limit should wake the queued waiter")
	}
}

func TestSetMaxPermitsShrinkKeepsHeld(t *testing.T) {
	s := NewSemaphore(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Acquire(ctx, 0); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}

	s.SetMaxPermits(1)
	if s.Held() != 3 {
		t.Errorf("shrink must not revoke held permits, held=%d", s.Held())
	}

	// Releases drain down to the new ceiling before anything is grantable.
	s.Release()
	s.Release()
	if s.TryAcquire() {
		t.Error("no permit should be available while held >= max")
	}
	s.Release()
	if !s.TryAcquire() {
		t.Error("permit should be available once held drops below max")
	}
}

func TestCancelAllRejectsWaiters(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()

	if err := s.Acquire(ctx, 0); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- s.Acquire(ctx, 0)
		}()
	}
	waitForQueue(t, s, n)

	s.CancelAll("shutting down")
	for i := 0; i < n; i++ {
		err := <-done
		var cancelled *CancelledError
		if !errors.As(err, &cancelled) {
			t.Fatalf("expected CancelledError, got %v", err)
		}
		if cancelled.Reason != "shutting down" {
			t.Errorf("wrong reason: %s", cancelled.Reason)
		}
	}

	// The held permit survives and normal operation resumes.
	if s.Held() != 1 {
		t.Errorf("held permit should survive cancel, held=%d", s.Held())
	}
	s.Release()
	if !s.TryAcquire() {
		t.Error("semaphore should keep working after CancelAll")
	}
}

// waitForQueue blocks until the semaphore has n queued waiters.
func waitForQueue(t *testing.T, s *Semaphore, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.QueueLength() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d queued waiters, have %d", n, s.QueueLength())
		}
		time.Sleep(time.Millisecond)
	}
}
