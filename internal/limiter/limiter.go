package limiter

import (
	"log/slog"
	"sync"
)

// Limiter owns the two process-wide semaphores: one bounding concurrent task
// execution, one bounding concurrent agent spawning. The task semaphore's
// ceiling moves with resource pressure (throttle, pause); the spawn
// semaphore's does not.
type Limiter struct {
	mu           sync.Mutex
	tasks        *Semaphore
	spawns       *Semaphore
	originalMax  int
	throttledMax int
	throttled    bool
	paused       bool
}

// New creates a limiter with the given task and spawn concurrency bounds.
func New(maxTasks, maxSpawns int) *Limiter {
	if maxTasks < 1 {
		maxTasks = 1
	}
	if maxSpawns < 1 {
		maxSpawns = 1
	}
	return &Limiter{
		tasks:       NewSemaphore(maxTasks),
		spawns:      NewSemaphore(maxSpawns),
		originalMax: maxTasks,
	}
}

// Tasks returns the task-execution semaphore.
func (l *Limiter) Tasks() *Semaphore { return l.tasks }

// Spawns returns the agent-spawn semaphore.
func (l *Limiter) Spawns() *Semaphore { return l.spawns }

// StartThrottle reduces the task ceiling to floor(original * factor), never
// below 1. Idempotent: repeated calls with any factor keep the first
// throttled ceiling until StopThrottle.
func (l *Limiter) StartThrottle(factor float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.throttled {
		return
	}
	if factor <= 0 || factor >= 1 {
		factor = 0.5
	}
	l.throttledMax = int(float64(l.originalMax) * factor)
	if l.throttledMax < 1 {
		l.throttledMax = 1
	}
	l.throttled = true
	if !l.paused {
		l.tasks.SetMaxPermits(l.throttledMax)
	}
	slog.Info("task concurrency throttled", "from", l.originalMax, "to", l.throttledMax)
}

// StopThrottle restores the original task ceiling.
func (l *Limiter) StopThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.throttled {
		return
	}
	l.throttled = false
	if !l.paused {
		l.tasks.SetMaxPermits(l.originalMax)
	}
	slog.Info("task concurrency restored", "max", l.originalMax)
}

// PauseTaskAcquisition stops new task permits entirely. Held permits are not
// revoked; running tasks finish.
func (l *Limiter) PauseTaskAcquisition() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return
	}
	l.paused = true
	l.tasks.SetMaxPermits(0)
	slog.Warn("task acquisition paused")
}

// ResumeTaskAcquisition restores the throttled or original ceiling,
// whichever applies.
func (l *Limiter) ResumeTaskAcquisition() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.paused {
		return
	}
	l.paused = false
	if l.throttled {
		l.tasks.SetMaxPermits(l.throttledMax)
	} else {
		l.tasks.SetMaxPermits(l.originalMax)
	}
	slog.Info("task acquisition resumed", "max", l.tasks.MaxPermits())
}

// Throttled reports whether the task semaphore is currently throttled.
func (l *Limiter) Throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttled
}

// Paused reports whether new task acquisition is paused.
func (l *Limiter) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Shutdown rejects all queued waiters on both semaphores.
func (l *Limiter) Shutdown(reason string) {
	l.tasks.CancelAll(reason)
	l.spawns.CancelAll(reason)
}
