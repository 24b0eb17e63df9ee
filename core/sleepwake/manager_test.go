package sleepwake

import (
	"testing"
	"time"
)

type fakeRecorder struct {
	events []map[string]interface{}
}

func (r *fakeRecorder) Append(eventType string, data map[string]interface{}) {
	entry := map[string]interface{}{"event": eventType}
	for k, v := range data {
		entry[k] = v
	}
	r.events = append(r.events, entry)
}

func (r *fakeRecorder) transitions() [][2]string {
	var out [][2]string
	for _, e := range r.events {
		if e["event"] != "state_change" {
			continue
		}
		out = append(out, [2]string{e["from"].(string), e["to"].(string)})
	}
	return out
}

func newTestManager(grace time.Duration) (*Manager, *fakeRecorder) {
	rec := &fakeRecorder{}
	m := NewManager(Config{
		Enabled:              true,
		IdleThresholdMinutes: 5,
		GraceWindow:          grace,
	}, rec)
	return m, rec
}

// putToSleep drives ACTIVE -> DROWSY -> ASLEEP with a short grace window.
func putToSleep(t *testing.T, m *Manager) {
	t.Helper()
	if !m.InitiateDrowsy() {
		t.Fatalf("InitiateDrowsy returned false, expected completed grace window")
	}
	if got := m.GetState(); got != StateAsleep {
		t.Fatalf("expected asleep after grace window, got %s", got)
	}
}

func TestShouldTransitionToDrowsy(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)

	if m.ShouldTransitionToDrowsy(4.9) {
		t.Errorf("expected false below idle threshold")
	}
	if !m.ShouldTransitionToDrowsy(5.0) {
		t.Errorf("expected true at idle threshold")
	}

	putToSleep(t, m)
	if m.ShouldTransitionToDrowsy(60) {
		t.Errorf("expected false when not ACTIVE")
	}
}

func TestDrowsyDisabledFeature(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(Config{Enabled: false, IdleThresholdMinutes: 5, GraceWindow: time.Second}, rec)
	if m.ShouldTransitionToDrowsy(60) {
		t.Errorf("expected false with sleep disabled")
	}
}

func TestGraceWindowCompletesToAsleep(t *testing.T) {
	m, rec := newTestManager(10 * time.Millisecond)
	putToSleep(t, m)

	want := [][2]string{{"active", "drowsy"}, {"drowsy", "asleep"}}
	got := rec.transitions()
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestWakeDuringDrowsyCancelsSleep(t *testing.T) {
	m, rec := newTestManager(200 * time.Millisecond)

	done := make(chan bool, 1)
	go func() { done <- m.InitiateDrowsy() }()

	// Wait until the manager is actually drowsy before signalling.
	deadline := time.Now().Add(time.Second)
	for m.GetState() != StateDrowsy {
		if time.Now().After(deadline) {
			t.Fatalf("never entered drowsy")
		}
		time.Sleep(time.Millisecond)
	}

	m.ReceiveWakeSignal("test")

	if result := <-done; result {
		t.Errorf("InitiateDrowsy should return false when cancelled")
	}
	if got := m.GetState(); got != StateActive {
		t.Errorf("expected active after cancelled drowsy, got %s", got)
	}
	// active -> drowsy -> active, never asleep.
	for _, tr := range rec.transitions() {
		if tr[1] == "asleep" {
			t.Errorf("unexpected transition to asleep: %v", rec.transitions())
		}
	}
}

func TestWakeSignalIdempotentWhenActive(t *testing.T) {
	m, rec := newTestManager(10 * time.Millisecond)

	before := m.GetStatus()
	m.ReceiveWakeSignal("test")
	after := m.GetStatus()

	if before.State != after.State || before.WakeSignalPending != after.WakeSignalPending {
		t.Errorf("wake signal while ACTIVE must be a no-op: before=%+v after=%+v", before, after)
	}
	if len(rec.transitions()) != 0 {
		t.Errorf("no transitions expected, got %v", rec.transitions())
	}
}

func TestWakeFromAsleepInterruptible(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)
	putToSleep(t, m)

	m.ReceiveWakeSignal("web")
	if !m.WakeSignalPending() {
		t.Fatalf("expected pending wake signal")
	}

	m.RequestWakeFromSleep()
	if m.GetPhase() != PhaseWaking {
		t.Fatalf("expected waking phase, got %v", m.GetPhase())
	}
	if m.WakeSignalPending() {
		t.Errorf("pending flag must be consumed on transition to waking")
	}

	m.CompleteWake()
	if got := m.GetState(); got != StateActive {
		t.Errorf("expected active after complete wake, got %s", got)
	}
}

func TestWakeFromAsleepNonInterruptibleTask(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)
	putToSleep(t, m)

	m.SetCurrentTask("timeline_compaction", false)
	m.ReceiveWakeSignal("web")

	if m.GetPhase() != PhaseFinishingTask {
		t.Fatalf("expected finishing_task phase, got %v", m.GetPhase())
	}
	if !m.WakeSignalPending() {
		t.Errorf("pending flag must survive until the task finishes")
	}

	// Task completes; the loop observes no current task and wakes.
	m.ClearCurrentTask()
	m.TransitionToWaking()
	if m.GetPhase() != PhaseWaking {
		t.Fatalf("expected waking phase, got %v", m.GetPhase())
	}

	m.CompleteWake()
	if got := m.GetState(); got != StateActive {
		t.Errorf("expected active, got %s", got)
	}
}

func TestDreamingTransitions(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)

	if m.EnterDreaming("h-1") {
		t.Errorf("EnterDreaming must fail outside ASLEEP")
	}
	putToSleep(t, m)

	if !m.EnterDreaming("h-1") {
		t.Fatalf("EnterDreaming failed from ASLEEP")
	}
	if got := m.GetState(); got != StateDreaming {
		t.Fatalf("expected dreaming, got %s", got)
	}
	if m.CannedResponse() == "" {
		t.Errorf("dreaming must produce a canned response")
	}

	if !m.ExitDreaming() {
		t.Fatalf("ExitDreaming failed")
	}
	if got := m.GetState(); got != StateAsleep {
		t.Errorf("expected asleep after dreaming, got %s", got)
	}
}

func TestDistractedTransitions(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)
	putToSleep(t, m)

	if !m.EnterDistracted() {
		t.Fatalf("EnterDistracted failed from ASLEEP")
	}
	if m.CannedResponse() == "" {
		t.Errorf("distracted must produce a canned response")
	}
	if !m.ExitDistracted() {
		t.Fatalf("ExitDistracted failed")
	}
	if got := m.GetState(); got != StateAsleep {
		t.Errorf("expected asleep, got %s", got)
	}
}

func TestActiveAndDrowsyHaveNoCannedResponse(t *testing.T) {
	m, _ := newTestManager(200 * time.Millisecond)
	if m.CannedResponse() != "" {
		t.Errorf("active must not produce a canned response")
	}

	go m.InitiateDrowsy()
	deadline := time.Now().Add(time.Second)
	for m.GetState() != StateDrowsy {
		if time.Now().After(deadline) {
			t.Fatalf("never entered drowsy")
		}
		time.Sleep(time.Millisecond)
	}
	if m.CannedResponse() != "" {
		t.Errorf("drowsy must not produce a canned response")
	}
	m.ReceiveWakeSignal("test")
}

func TestOfflineIsTerminal(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)
	m.InitiateOffline()

	if got := m.GetState(); got != StateOffline {
		t.Fatalf("expected offline, got %s", got)
	}
	m.ReceiveWakeSignal("test")
	if got := m.GetState(); got != StateOffline {
		t.Errorf("offline is terminal, got %s", got)
	}
}

// legalTransitions is the visible-state transition table. Every recorded
// state_change pair must be an edge here.
var legalTransitions = map[[2]string]bool{
	{"active", "drowsy"}:      true,
	{"drowsy", "active"}:      true,
	{"drowsy", "asleep"}:      true,
	{"asleep", "active"}:      true,
	{"asleep", "dreaming"}:    true,
	{"dreaming", "asleep"}:    true,
	{"asleep", "distracted"}:  true,
	{"distracted", "asleep"}:  true,
	{"active", "offline"}:     true,
	{"drowsy", "offline"}:     true,
	{"asleep", "offline"}:     true,
	{"dreaming", "offline"}:   true,
	{"distracted", "offline"}: true,
}

func TestAllRecordedTransitionsAreLegal(t *testing.T) {
	m, rec := newTestManager(10 * time.Millisecond)

	putToSleep(t, m)
	m.EnterDreaming("h-1")
	m.ExitDreaming()
	m.EnterDistracted()
	m.ExitDistracted()
	m.ReceiveWakeSignal("web")
	m.RequestWakeFromSleep()
	m.CompleteWake()
	m.InitiateOffline()

	for _, tr := range rec.transitions() {
		if !legalTransitions[tr] {
			t.Errorf("illegal transition recorded: %s -> %s", tr[0], tr[1])
		}
	}
}

func TestSecondsInStateGrows(t *testing.T) {
	m, _ := newTestManager(10 * time.Millisecond)
	base := time.Now()
	m.now = func() time.Time { return base.Add(42 * time.Second) }
	status := m.GetStatus()
	if status.SecondsInState < 41 {
		t.Errorf("expected ~42s in state, got %.1f", status.SecondsInState)
	}
}
