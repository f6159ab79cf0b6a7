// Package memmon samples the process's own heap usage and classifies it into
// a severity ladder that drives concurrency throttling, task pausing, and in
// the worst case an emergency shutdown.
package memmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"
)

// Severity is a resource-pressure level. The numeric ordering is load-bearing:
// escalation and recovery are distinguished by comparing ranks.
type Severity int

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityElevated
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityElevated:
		return "elevated"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Thresholds are ascending heap-usage levels in MB. A sample at or above a
// threshold is classified at that severity.
type Thresholds struct {
	WarningMB   uint64
	ElevatedMB  uint64
	CriticalMB  uint64
	EmergencyMB uint64
}

// Validate rejects non-ascending ladders.
func (t Thresholds) Validate() error {
	if t.WarningMB == 0 || t.ElevatedMB <= t.WarningMB ||
		t.CriticalMB <= t.ElevatedMB || t.EmergencyMB <= t.CriticalMB {
		return fmt.Errorf("thresholds must be ascending and nonzero: %+v", t)
	}
	return nil
}

// Transition describes a severity change.
type Transition struct {
	From       Severity
	To         Severity
	HeapMB     uint64
	Escalating bool
}

// Config configures the monitor.
type Config struct {
	Thresholds     Thresholds
	SampleInterval time.Duration
	GCCooldown     time.Duration // Minimum gap between forced GC hints
	SnapshotDir    string        // Heap profiles written here on emergency; empty disables

	// OnTransition is invoked on every severity change, after the built-in
	// throttle/pause wiring has run.
	OnTransition func(Transition)
	// OnEmergency is invoked once per escalation into emergency. It should
	// begin a graceful shutdown.
	OnEmergency func()
}

// Throttler is the subset of the concurrency limiter the monitor drives.
type Throttler interface {
	StartThrottle(factor float64)
	StopThrottle()
	PauseTaskAcquisition()
	ResumeTaskAcquisition()
}

// Monitor periodically samples heap usage and applies the severity ladder.
type Monitor struct {
	cfg      Config
	limiter  Throttler
	factor   float64
	readMem  func() uint64 // Heap MB; swappable for tests
	mu       sync.Mutex
	current  Severity
	lastGC   time.Time
	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a monitor. limiter may be nil (classification only).
func New(cfg Config, limiter Throttler, throttleFactor float64) (*Monitor, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.GCCooldown <= 0 {
		cfg.GCCooldown = 30 * time.Second
	}
	if throttleFactor <= 0 || throttleFactor >= 1 {
		throttleFactor = 0.5
	}
	return &Monitor{
		cfg:     cfg,
		limiter: limiter,
		factor:  throttleFactor,
		readMem: heapMB,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

func heapMB() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc / (1 << 20)
}

// Start launches the sampling loop. Returns an error if already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("resource monitor already running")
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop terminates the sampling loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

// Severity returns the most recently computed severity.
func (m *Monitor) Severity() Severity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one measurement and applies any severity transition. Exposed
// so tests can drive the ladder without timers.
func (m *Monitor) Sample() {
	mb := m.readMem()
	next := m.Classify(mb)

	m.mu.Lock()
	prev := m.current
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.current = next
	m.mu.Unlock()

	t := Transition{From: prev, To: next, HeapMB: mb, Escalating: next > prev}
	m.apply(t)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(t)
	}
}

// Classify maps a heap measurement to a severity.
func (m *Monitor) Classify(mb uint64) Severity {
	th := m.cfg.Thresholds
	switch {
	case mb >= th.EmergencyMB:
		return SeverityEmergency
	case mb >= th.CriticalMB:
		return SeverityCritical
	case mb >= th.ElevatedMB:
		return SeverityElevated
	case mb >= th.WarningMB:
		return SeverityWarning
	}
	return SeverityNormal
}

// apply runs the mitigation ladder for a transition. Throttling holds from
// elevated upward and releases only on dropping below elevated; pausing
// holds from critical upward. Crossing the same boundary twice without
// recovering does nothing extra (limiter calls are idempotent).
func (m *Monitor) apply(t Transition) {
	if t.Escalating {
		slog.Warn("memory pressure escalated", "from", t.From.String(), "to", t.To.String(), "heap_mb", t.HeapMB)
	} else {
		slog.Info("memory pressure recovering", "from", t.From.String(), "to", t.To.String(), "heap_mb", t.HeapMB)
	}

	if m.limiter != nil {
		if t.To >= SeverityElevated {
			m.limiter.StartThrottle(m.factor)
		} else {
			m.limiter.StopThrottle()
		}
		if t.To >= SeverityCritical {
			m.limiter.PauseTaskAcquisition()
		} else {
			m.limiter.ResumeTaskAcquisition()
		}
	}

	if t.Escalating && t.To >= SeverityCritical {
		m.forceGC()
	}

	if t.Escalating && t.To == SeverityEmergency {
		m.writeHeapSnapshot()
		if m.cfg.OnEmergency != nil {
			m.cfg.OnEmergency()
		}
	}
}

// forceGC triggers a collection hint, rate-limited by the cooldown.
func (m *Monitor) forceGC() {
	m.mu.Lock()
	if time.Since(m.lastGC) < m.cfg.GCCooldown {
		m.mu.Unlock()
		return
	}
	m.lastGC = time.Now()
	m.mu.Unlock()

	slog.Info("forcing garbage collection")
	runtime.GC()
}

// writeHeapSnapshot dumps a heap profile for post-mortem analysis.
func (m *Monitor) writeHeapSnapshot() {
	if m.cfg.SnapshotDir == "" {
		return
	}
	if err := os.MkdirAll(m.cfg.SnapshotDir, 0755); err != nil {
		slog.Error("failed to create snapshot directory", "dir", m.cfg.SnapshotDir, "err", err)
		return
	}
	path := filepath.Join(m.cfg.SnapshotDir, fmt.Sprintf("heap-%d.pprof", time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		slog.Error("failed to create heap snapshot", "path", path, "err", err)
		return
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		slog.Error("failed to write heap snapshot", "path", path, "err", err)
		return
	}
	slog.Warn("heap snapshot written", "path", path)
}
