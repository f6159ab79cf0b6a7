package memmon

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeThrottler records the calls the monitor makes against the limiter.
type fakeThrottler struct {
	mu        sync.Mutex
	throttled bool
	paused    bool
	calls     []string
}

func (f *fakeThrottler) StartThrottle(factor float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled = true
	f.calls = append(f.calls, "start_throttle")
}

func (f *fakeThrottler) StopThrottle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.throttled = false
	f.calls = append(f.calls, "stop_throttle")
}

func (f *fakeThrottler) PauseTaskAcquisition() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.calls = append(f.calls, "pause")
}

func (f *fakeThrottler) ResumeTaskAcquisition() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.calls = append(f.calls, "resume")
}

func (f *fakeThrottler) state() (throttled, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throttled, f.paused
}

func testThresholds() Thresholds {
	return Thresholds{WarningMB: 100, ElevatedMB: 200, CriticalMB: 300, EmergencyMB: 400}
}

// testMonitor creates a monitor whose heap reading is driven by the test.
func testMonitor(t *testing.T, th *fakeThrottler, cfg Config) (*Monitor, *uint64) {
	t.Helper()
	cfg.Thresholds = testThresholds()
	cfg.SampleInterval = time.Hour // Samples are driven manually
	var lim Throttler
	if th != nil {
		lim = th // A nil *fakeThrottler must stay an untyped nil interface
	}
	m, err := New(cfg, lim, 0.5)
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	heap := new(uint64)
	m.readMem = func() uint64 { return *heap }
	return m, heap
}

func TestThresholdsValidate(t *testing.T) {
	bad := []Thresholds{
		{},
		{WarningMB: 200, ElevatedMB: 100, CriticalMB: 300, EmergencyMB: 400},
		{WarningMB: 100, ElevatedMB: 200, CriticalMB: 200, EmergencyMB: 400},
	}
	for i, th := range bad {
		if err := th.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if err := testThresholds().Validate(); err != nil {
		t.Errorf("valid thresholds rejected: %v", err)
	}
}

func TestClassify(t *testing.T) {
	m, _ := testMonitor(t, nil, Config{})

	cases := []struct {
		mb   uint64
		want Severity
	}{
		{0, SeverityNormal},
		{99, SeverityNormal},
		{100, SeverityWarning},
		{199, SeverityWarning},
		{200, SeverityElevated},
		{300, SeverityCritical},
		{400, SeverityEmergency},
		{5000, SeverityEmergency},
	}
	for _, tc := range cases {
		if got := m.Classify(tc.mb); got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.mb, got, tc.want)
		}
	}
}

func TestEscalationDrivesLimiter(t *testing.T) {
	th := &fakeThrottler{}
	m, heap := testMonitor(t, th, Config{})

	*heap = 250 // elevated
	m.Sample()
	throttled, paused := th.state()
	if !throttled || paused {
		t.Fatalf("elevated should throttle only: throttled=%v paused=%v", throttled, paused)
	}

	*heap = 350 // critical
	m.Sample()
	throttled, paused = th.state()
	if !throttled || !paused {
		t.Fatalf("critical should throttle and pause: throttled=%v paused=%v", throttled, paused)
	}
}

func TestRecoveryReleasesInOrder(t *testing.T) {
	th := &fakeThrottler{}
	m, heap := testMonitor(t, th, Config{})

	*heap = 350
	m.Sample()
	if m.Severity() != SeverityCritical {
		t.Fatalf("expected critical, got %s", m.Severity())
	}

	// Drop to elevated: pause lifts, throttle stays.
	*heap = 250
	m.Sample()
	throttled, paused := th.state()
	if !throttled || paused {
		t.Fatalf("elevated recovery should keep throttle, lift pause: throttled=%v paused=%v", throttled, paused)
	}

	// Drop to normal: everything releases.
	*heap = 50
	m.Sample()
	throttled, paused = th.state()
	if throttled || paused {
		t.Fatalf("normal should release all mitigation: throttled=%v paused=%v", throttled, paused)
	}
}

func TestSampleStableSeverityIsQuiet(t *testing.T) {
	th := &fakeThrottler{}
	m, heap := testMonitor(t, th, Config{})

	*heap = 250
	m.Sample()
	m.Sample()
	m.Sample()

	th.mu.Lock()
	calls := len(th.calls)
	th.mu.Unlock()
	if calls != 2 { // one start_throttle + one resume (from the <critical branch)
		t.Errorf("repeated samples at the same severity must not re-drive the limiter, got %d calls", calls)
	}
}

func TestOnTransitionCallback(t *testing.T) {
	var transitions []Transition
	m, heap := testMonitor(t, nil, Config{
		OnTransition: func(tr Transition) { transitions = append(transitions, tr) },
	})

	*heap = 150
	m.Sample()
	*heap = 50
	m.Sample()

	if len(transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(transitions))
	}
	if !transitions[0].Escalating || transitions[0].To != SeverityWarning {
		t.Errorf("first transition wrong: %+v", transitions[0])
	}
	if transitions[1].Escalating || transitions[1].To != SeverityNormal {
		t.Errorf("second transition wrong: %+v", transitions[1])
	}
}

func TestOnEmergencyFiresOncePerEscalation(t *testing.T) {
	var fired int
	m, heap := testMonitor(t, nil, Config{
		OnEmergency: func() { fired++ },
	})

	*heap = 450
	m.Sample()
	m.Sample() // stable, no transition
	if fired != 1 {
		t.Fatalf("expected 1 emergency callback, got %d", fired)
	}

	// Recover then re-escalate: fires again.
	*heap = 50
	m.Sample()
	*heap = 500
	m.Sample()
	if fired != 2 {
		t.Fatalf("expected 2 emergency callbacks, got %d", fired)
	}
}

func TestStartStop(t *testing.T) {
	th := &fakeThrottler{}
	m, _ := testMonitor(t, th, Config{})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Error("double start should error")
	}
	m.Stop()
	m.Stop() // idempotent
}
