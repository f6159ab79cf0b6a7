// Package limiter bounds simultaneous task execution and agent spawning with
// counting semaphores that support timed FIFO acquisition, dynamic limit
// changes, and cancellation. x/sync's Weighted semaphore cannot shrink its
// limit or reject queued waiters, which is why this one exists.
package limiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CancelledError is returned to queued waiters rejected by CancelAll.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("semaphore acquisition cancelled: %s", e.Reason)
}

// ErrTimeout is returned when a timed acquire expires in the queue.
var ErrTimeout = errors.New("semaphore acquisition timed out")

type waiter struct {
	ready chan error // Receives nil on grant, an error on timeout/cancel
}

// Semaphore is a counting semaphore with a FIFO wait queue.
type Semaphore struct {
	mu      sync.Mutex
	max     int
	held    int
	waiters *list.List // of *waiter
}

// NewSemaphore creates a semaphore with the given permit count.
func NewSemaphore(max int) *Semaphore {
	if max < 0 {
		max = 0
	}
	return &Semaphore{max: max, waiters: list.New()}
}

// Acquire obtains a permit, waiting in FIFO order if none is available.
// A zero timeout waits until the context is done; a positive timeout bounds
// the wait. Timed-out or cancelled waiters are removed from the queue so no
// permit leaks to them later.
func (s *Semaphore) Acquire(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if s.held < s.max && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan error, 1)}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-w.ready:
		return err
	case <-timeoutCh:
		if s.abandon(elem, w) {
			return ErrTimeout
		}
		// Permit was granted concurrently with the timeout; keep it.
		return <-w.ready
	case <-ctx.Done():
		if s.abandon(elem, w) {
			return ctx.Err()
		}
		// Granted concurrently with cancellation: hand the permit back.
		if err := <-w.ready; err == nil {
			s.Release()
		}
		return ctx.Err()
	}
}

// abandon removes a waiter from the queue. Returns false if the waiter was
// already granted or rejected (its element no longer queued).
func (s *Semaphore) abandon(elem *list.Element, w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			s.waiters.Remove(e)
			return true
		}
	}
	return false
}

// TryAcquire obtains a permit without waiting.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held < s.max && s.waiters.Len() == 0 {
		s.held++
		return true
	}
	return false
}

// Release returns a permit, handing it directly to the oldest queued waiter
// if capacity allows.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held > 0 {
		s.held--
	}
	s.grantLocked()
}

// grantLocked wakes queued waiters while permits are available.
func (s *Semaphore) grantLocked() {
	for s.held < s.max {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		s.waiters.Remove(front)
		s.held++
		front.Value.(*waiter).ready <- nil
	}
}

// SetMaxPermits changes the permit ceiling. Increasing wakes queued waiters
// up to the new capacity. Decreasing never revokes permits already held --
// it only shrinks future availability.
func (s *Semaphore) SetMaxPermits(max int) {
	if max < 0 {
		max = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	s.grantLocked()
}

// CancelAll rejects every queued waiter with the given reason. Held permits
// are unaffected.
func (s *Semaphore) CancelAll(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*waiter).ready <- &CancelledError{Reason: reason}
	}
	s.waiters.Init()
}

// Available returns the number of immediately acquirable permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held >= s.max {
		return 0
	}
	return s.max - s.held
}

// Held returns the number of outstanding permits.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// QueueLength returns the number of callers waiting for a permit.
func (s *Semaphore) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// MaxPermits returns the current permit ceiling.
func (s *Semaphore) MaxPermits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}
