// Package sleepwake owns GAIA's sleep/wake state machine.
//
// All transitions go through the Manager; no other component mutates state.
// Every transition is appended to the timeline before any downstream effect
// (GPU release, presence update) runs.
package sleepwake

import (
	"log"
	"sync"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// State is a visible sleep/wake state. The transient WAKING and
// FINISHING_TASK phases are internal to the manager and never reported as
// the state.
type State string

const (
	StateActive     State = "active"
	StateDrowsy     State = "drowsy"
	StateAsleep     State = "asleep"
	StateDreaming   State = "dreaming"
	StateDistracted State = "distracted"
	StateOffline    State = "offline"
)

// Phase is a transient internal phase layered over StateAsleep.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseFinishingTask
	PhaseWaking
)

// CurrentTask is the sleep task the cycle loop is executing, used to decide
// whether a wake signal can interrupt immediately.
type CurrentTask struct {
	TaskID        string `json:"task_id"`
	Interruptible bool   `json:"interruptible"`
}

// Recorder receives timeline events.
type Recorder interface {
	Append(eventType string, data map[string]interface{})
}

// Config for a Manager.
type Config struct {
	Enabled              bool
	IdleThresholdMinutes float64       // default 5
	GraceWindow          time.Duration // default 60s
}

// Status is the externally visible snapshot.
type Status struct {
	State             string       `json:"state"`
	SecondsInState    float64      `json:"seconds_in_state"`
	CurrentTask       *CurrentTask `json:"current_task,omitempty"`
	WakeSignalPending bool         `json:"wake_signal_pending"`
}

// WakeResult is returned by CompleteWake.
type WakeResult struct {
	CheckpointLoaded bool `json:"checkpoint_loaded"`
}

// Manager owns the current state and the wake-signal-pending flag.
type Manager struct {
	cfg      Config
	recorder Recorder

	// checkpointProbe reports whether a context checkpoint exists to restore
	// on wake. Optional; nil means no checkpoint.
	checkpointProbe func() bool

	mu                sync.Mutex
	state             State
	phase             Phase
	stateSince        time.Time
	wakeSignalPending bool
	wakeSource        string
	drowsyCancel      chan struct{} // non-nil only while DROWSY
	currentTask       *CurrentTask

	now func() time.Time // test hook
}

// NewManager starts in ACTIVE.
func NewManager(cfg Config, recorder Recorder) *Manager {
	if cfg.IdleThresholdMinutes <= 0 {
		cfg.IdleThresholdMinutes = 5
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 60 * time.Second
	}
	m := &Manager{
		cfg:      cfg,
		recorder: recorder,
		state:    StateActive,
		now:      time.Now,
	}
	m.stateSince = m.now()
	observability.CurrentState.WithLabelValues(string(StateActive)).Set(1)
	return m
}

// SetCheckpointProbe wires the wake-time checkpoint check.
func (m *Manager) SetCheckpointProbe(probe func() bool) {
	m.checkpointProbe = probe
}

// GetState returns the current visible state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetPhase returns the transient internal phase.
func (m *Manager) GetPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// GetStatus returns the status snapshot served on /sleep/status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var task *CurrentTask
	if m.currentTask != nil {
		t := *m.currentTask
		task = &t
	}
	return Status{
		State:             string(m.state),
		SecondsInState:    m.now().Sub(m.stateSince).Seconds(),
		CurrentTask:       task,
		WakeSignalPending: m.wakeSignalPending,
	}
}

// ShouldTransitionToDrowsy reports whether idle time warrants drifting off.
func (m *Manager) ShouldTransitionToDrowsy(idleMinutes float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled && m.state == StateActive && idleMinutes >= m.cfg.IdleThresholdMinutes
}

// InitiateDrowsy transitions ACTIVE -> DROWSY and waits out the grace
// window. Returns true if the window completed without a wake signal (the
// caller should proceed to sleep), false if the transition was cancelled.
// The internal lock is never held across the wait.
func (m *Manager) InitiateDrowsy() bool {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return false
	}
	cancel := make(chan struct{})
	m.drowsyCancel = cancel
	m.transitionLocked(StateDrowsy, "idle_threshold")
	grace := m.cfg.GraceWindow
	m.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-cancel:
		// A wake signal (or user activity) already moved us back to ACTIVE.
		return false
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDrowsy {
		// Lost the race with a wake signal.
		return false
	}
	m.drowsyCancel = nil
	m.transitionLocked(StateAsleep, "grace_window_elapsed")
	return true
}

// ReceiveWakeSignal registers an external wake request.
//
// ACTIVE: idempotent no-op. DROWSY: cancels the grace window and returns to
// ACTIVE immediately. ASLEEP: the pending flag is set and the cycle loop's
// next poll drives the transition to WAKING, via FINISHING_TASK when a
// non-interruptible task is running. DREAMING and DISTRACTED: the pending
// flag is set and held; the loop acts on it at its first poll after the
// state has returned to ASLEEP.
func (m *Manager) ReceiveWakeSignal(source string) {
	observability.WakeSignals.WithLabelValues(source).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateActive, StateOffline:
		return
	case StateDrowsy:
		if m.drowsyCancel != nil {
			close(m.drowsyCancel)
			m.drowsyCancel = nil
		}
		m.transitionLocked(StateActive, "wake_signal")
	default:
		m.wakeSignalPending = true
		m.wakeSource = source
		if m.state == StateAsleep && m.phase == PhaseNone &&
			m.currentTask != nil && !m.currentTask.Interruptible {
			m.phase = PhaseFinishingTask
			log.Printf("SleepWake: wake signal held, finishing non-interruptible task %s", m.currentTask.TaskID)
		}
	}
}

// WakeSignalPending reports whether a wake signal is held.
func (m *Manager) WakeSignalPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeSignalPending
}

// RequestWakeFromSleep moves a pending wake signal toward WAKING: directly
// if no non-interruptible task is running, via FINISHING_TASK otherwise.
// Called by the cycle loop between tasks.
func (m *Manager) RequestWakeFromSleep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAsleep || !m.wakeSignalPending || m.phase != PhaseNone {
		return
	}
	if m.currentTask != nil && !m.currentTask.Interruptible {
		m.phase = PhaseFinishingTask
		log.Printf("SleepWake: wake signal held, finishing non-interruptible task %s", m.currentTask.TaskID)
		return
	}
	m.wakeSignalPending = false
	m.phase = PhaseWaking
}

// TransitionToWaking consumes the pending signal and enters the WAKING phase.
func (m *Manager) TransitionToWaking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAsleep {
		return
	}
	m.wakeSignalPending = false
	m.phase = PhaseWaking
}

// CompleteWake returns to ACTIVE and records the wake event.
func (m *Manager) CompleteWake() WakeResult {
	m.mu.Lock()
	m.phase = PhaseNone
	source := m.wakeSource
	m.wakeSource = ""
	m.transitionLocked(StateActive, "wake_complete")
	m.mu.Unlock()

	result := WakeResult{}
	if m.checkpointProbe != nil {
		result.CheckpointLoaded = m.checkpointProbe()
	}
	if m.recorder != nil {
		m.recorder.Append("checkpoint", map[string]interface{}{
			"kind":              "wake",
			"source":            source,
			"checkpoint_loaded": result.CheckpointLoaded,
		})
	}
	return result
}

// EnterDreaming moves ASLEEP -> DREAMING for a study handoff.
func (m *Manager) EnterDreaming(handoffID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAsleep || m.phase != PhaseNone {
		return false
	}
	m.transitionLocked(StateDreaming, "study_handoff:"+handoffID)
	return true
}

// ExitDreaming moves DREAMING -> ASLEEP when the study handoff ends.
func (m *Manager) ExitDreaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDreaming {
		return false
	}
	m.transitionLocked(StateAsleep, "study_handoff_complete")
	return true
}

// EnterDistracted moves ASLEEP -> DISTRACTED on sustained host load.
func (m *Manager) EnterDistracted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAsleep || m.phase != PhaseNone {
		return false
	}
	m.transitionLocked(StateDistracted, "sustained_load")
	return true
}

// ExitDistracted moves DISTRACTED -> ASLEEP once load subsides.
func (m *Manager) ExitDistracted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDistracted {
		return false
	}
	m.transitionLocked(StateAsleep, "load_subsided")
	return true
}

// InitiateOffline transitions to OFFLINE. Terminal for this process.
func (m *Manager) InitiateOffline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateOffline {
		return
	}
	if m.drowsyCancel != nil {
		close(m.drowsyCancel)
		m.drowsyCancel = nil
	}
	m.phase = PhaseNone
	m.wakeSignalPending = false
	m.transitionLocked(StateOffline, "shutdown")
}

// SetCurrentTask registers the task the loop is about to execute.
func (m *Manager) SetCurrentTask(taskID string, interruptible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTask = &CurrentTask{TaskID: taskID, Interruptible: interruptible}
}

// ClearCurrentTask removes the current task marker.
func (m *Manager) ClearCurrentTask() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTask = nil
}

// CurrentTaskInfo returns a copy of the current task marker, or nil.
func (m *Manager) CurrentTaskInfo() *CurrentTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTask == nil {
		return nil
	}
	t := *m.currentTask
	return &t
}

// transitionLocked performs a state change. Caller holds m.mu. The timeline
// event is published before anything downstream can observe the new state.
func (m *Manager) transitionLocked(to State, reason string) {
	from := m.state
	if from == to {
		return
	}

	if m.recorder != nil {
		m.recorder.Append("state_change", map[string]interface{}{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
	}

	m.state = to
	m.stateSince = m.now()
	if to != StateAsleep {
		// currentTask is only meaningful while asleep or finishing a task.
		if m.phase != PhaseFinishingTask {
			m.currentTask = nil
		}
	}

	observability.CurrentState.WithLabelValues(string(from)).Set(0)
	observability.CurrentState.WithLabelValues(string(to)).Set(1)
	observability.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Printf("SleepWake: %s -> %s (%s)", from, to, reason)
}
