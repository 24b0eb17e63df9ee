// Package gpustate is the single writer of the orchestrator's persistent
// state: GPU lease ledger, container bookkeeping, and the handoff record.
//
// Every mutation is persisted atomically (write temp + rename). At most one
// non-terminal handoff exists at a time; handoff_history is append-only. On
// startup any handoff left mid-mutation by the previous shutdown is
// reconciled to failed.
package gpustate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

var (
	// ErrHandoffActive rejects a start while a non-terminal handoff exists.
	ErrHandoffActive = errors.New("a handoff is already active")
	// ErrNoSuchHandoff rejects an advance for an unknown handoff id.
	ErrNoSuchHandoff = errors.New("handoff not found")
	// ErrBadPhase rejects a backward or invalid phase transition.
	ErrBadPhase = errors.New("illegal phase transition")
	// ErrVerifyFailed reports that the wake target never became healthy.
	ErrVerifyFailed = errors.New("target health verification failed")
)

// Recorder receives timeline events for handoff telemetry.
type Recorder interface {
	Append(eventType string, data map[string]interface{})
}

// Manager owns PersistentState. All access is serialized by its mutex; the
// process holding the Manager is the only writer of the state file.
type Manager struct {
	path     string
	recorder Recorder

	mu             sync.Mutex
	state          PersistentState
	phaseChangedAt time.Time

	// PhaseDeadline fails a handoff stuck in one phase longer than this.
	PhaseDeadline time.Duration

	now func() time.Time // test hook
}

// NewManager loads (or initializes) the state file at path and reconciles
// any stale handoff.
func NewManager(path string, recorder Recorder) (*Manager, error) {
	m := &Manager{
		path:          path,
		recorder:      recorder,
		PhaseDeadline: 5 * time.Minute,
		now:           time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	m.reconcileStale()
	m.setOwnerMetric()
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.state = newPersistentState()
		return m.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	var st PersistentState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse state file %s: %w", m.path, err)
	}
	if st.GPU.Owner == "" {
		st.GPU.Owner = OwnerNone
	}
	if st.GPU.Queue == nil {
		st.GPU.Queue = []string{}
	}
	if st.HandoffHistory == nil {
		st.HandoffHistory = []Handoff{}
	}
	if st.Containers.Live == nil {
		st.Containers.Live = map[string]interface{}{}
	}
	if st.Containers.Candidate == nil {
		st.Containers.Candidate = map[string]interface{}{}
	}
	m.state = st
	return nil
}

// reconcileStale forces a non-terminal active handoff to failed and moves it
// to history. A terminal active handoff is left untouched.
func (m *Manager) reconcileStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.state.ActiveHandoff
	if h == nil || h.Phase.Terminal() {
		return
	}

	log.Printf("GPUState: reconciling stale handoff %s (stuck in %s)", h.HandoffID, h.Phase)
	h.Phase = PhaseFailed
	errMsg := "startup reconciliation"
	h.Error = &errMsg
	completed := isoNow(m.now)
	h.CompletedAt = &completed

	m.state.HandoffHistory = append(m.state.HandoffHistory, *h)
	m.state.ActiveHandoff = nil
	observability.Handoffs.WithLabelValues(string(h.HandoffType), string(PhaseFailed)).Inc()

	if err := m.persistLocked(); err != nil {
		log.Printf("GPUState: persist after reconciliation failed: %v", err)
	}
}

// persistLocked writes the state atomically. Caller holds m.mu (or is in
// single-threaded init).
func (m *Manager) persistLocked() error {
	m.state.LastUpdated = isoNow(m.now)
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() PersistentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyStateLocked()
}

func (m *Manager) copyStateLocked() PersistentState {
	data, _ := json.Marshal(m.state)
	var cp PersistentState
	json.Unmarshal(data, &cp)
	return cp
}

// GpuSleep releases the GPU: whatever currently holds it hands custody to
// NONE via a prime-stop handoff. Idempotent if the owner is already NONE.
func (m *Manager) GpuSleep(reason string) (PersistentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.GPU.Owner == OwnerNone {
		return m.copyStateLocked(), nil
	}
	if m.state.ActiveHandoff != nil && !m.state.ActiveHandoff.Phase.Terminal() {
		return PersistentState{}, ErrHandoffActive
	}

	source := string(m.state.GPU.Owner)
	h := m.newHandoffLocked(HandoffPrimeStop, source, string(OwnerNone))

	// The release is local bookkeeping: drop the lease and clear the owner.
	h.Phase = PhaseReleasingGPU
	h.ProgressPct = 50
	m.state.GPU = GPU{Owner: OwnerNone, Queue: m.state.GPU.Queue}

	m.completeHandoffLocked(h)
	m.setOwnerMetric()
	if err := m.persistLocked(); err != nil {
		return PersistentState{}, err
	}

	if m.recorder != nil {
		m.recorder.Append("gpu_handoff", map[string]interface{}{
			"handoff_id": h.HandoffID,
			"type":       string(HandoffPrimeStop),
			"source":     source,
			"reason":     reason,
		})
	}
	log.Printf("GPUState: GPU released (%s -> none, reason=%s)", source, reason)
	return m.copyStateLocked(), nil
}

// GpuWake boots the live Prime service and marks it owner. bootAndVerify
// runs outside the lock (it may take minutes); the owner is set only after
// verification succeeds.
func (m *Manager) GpuWake(ctx context.Context, bootAndVerify func(ctx context.Context) error) (PersistentState, error) {
	m.mu.Lock()
	if m.state.GPU.Owner == OwnerCore {
		st := m.copyStateLocked()
		m.mu.Unlock()
		return st, nil
	}
	if m.state.ActiveHandoff != nil && !m.state.ActiveHandoff.Phase.Terminal() {
		m.mu.Unlock()
		return PersistentState{}, ErrHandoffActive
	}
	h := m.newHandoffLocked(HandoffPrimeStart, string(m.state.GPU.Owner), string(OwnerCore))
	h.Phase = PhaseBootingTgt
	h.ProgressPct = 30
	if err := m.persistLocked(); err != nil {
		m.mu.Unlock()
		return PersistentState{}, err
	}
	m.mu.Unlock()

	verifyErr := bootAndVerify(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	// The deadline timer may have failed the handoff while the boot ran.
	if m.state.ActiveHandoff == nil || m.state.ActiveHandoff.HandoffID != h.HandoffID {
		return m.copyStateLocked(), fmt.Errorf("%w: handoff %s terminated during boot", ErrVerifyFailed, h.HandoffID)
	}

	if verifyErr != nil {
		msg := verifyErr.Error()
		h.Phase = PhaseFailed
		h.Error = &msg
		completed := isoNow(m.now)
		h.CompletedAt = &completed
		m.archiveActiveLocked(h)
		m.persistLocked()
		log.Printf("GPUState: GPU wake failed: %v", verifyErr)
		return m.copyStateLocked(), fmt.Errorf("%w: %v", ErrVerifyFailed, verifyErr)
	}

	h.Phase = PhaseVerifying
	h.ProgressPct = 80

	leaseID := uuid.NewString()
	reason := "wake"
	acquired := isoNow(m.now)
	m.state.GPU = GPU{
		Owner:      OwnerCore,
		LeaseID:    &leaseID,
		Reason:     &reason,
		AcquiredAt: &acquired,
		Queue:      m.state.GPU.Queue,
	}

	m.completeHandoffLocked(h)
	m.setOwnerMetric()
	if err := m.persistLocked(); err != nil {
		return PersistentState{}, err
	}

	if m.recorder != nil {
		m.recorder.Append("gpu_handoff", map[string]interface{}{
			"handoff_id": h.HandoffID,
			"type":       string(HandoffPrimeStart),
			"lease_id":   leaseID,
		})
	}
	log.Printf("GPUState: GPU reclaimed by %s (lease %s)", OwnerCore, leaseID)
	return m.copyStateLocked(), nil
}

// StartHandoff creates a new active handoff. Rejected while one exists.
func (m *Manager) StartHandoff(hType HandoffType, source, destination string) (Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.ActiveHandoff != nil && !m.state.ActiveHandoff.Phase.Terminal() {
		return Handoff{}, ErrHandoffActive
	}
	h := m.newHandoffLocked(hType, source, destination)
	if err := m.persistLocked(); err != nil {
		return Handoff{}, err
	}
	if m.recorder != nil {
		m.recorder.Append("gpu_handoff", map[string]interface{}{
			"handoff_id": h.HandoffID,
			"type":       string(hType),
			"source":     source,
			"dest":       destination,
			"phase":      string(PhaseInitiated),
		})
	}
	return *h, nil
}

// AdvanceHandoff moves the active handoff forward. Terminal phases archive
// the handoff into history and clear the active slot. A request that would
// fail a precondition is rejected with no state change.
func (m *Manager) AdvanceHandoff(handoffID string, phase Phase) (Handoff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.state.ActiveHandoff
	if h == nil || h.HandoffID != handoffID {
		return Handoff{}, ErrNoSuchHandoff
	}
	if !phase.Valid() || !canAdvance(h.Phase, phase) {
		return Handoff{}, fmt.Errorf("%w: %s -> %s", ErrBadPhase, h.Phase, phase)
	}

	h.Phase = phase
	m.phaseChangedAt = m.now()
	switch phase {
	case PhaseReleasingGPU:
		h.ProgressPct = 25
	case PhaseBootingTgt:
		h.ProgressPct = 50
	case PhaseVerifying:
		h.ProgressPct = 75
	case PhaseCompleted:
		h.ProgressPct = 100
	}

	if phase.Terminal() {
		completed := isoNow(m.now)
		h.CompletedAt = &completed
		if phase == PhaseFailed && h.Error == nil {
			msg := "advanced to failed"
			h.Error = &msg
		}
		if phase == PhaseCompleted {
			m.applyCompletedHandoffLocked(h)
		}
		m.archiveActiveLocked(h)
	}

	result := *h
	if err := m.persistLocked(); err != nil {
		return Handoff{}, err
	}
	return result, nil
}

// applyCompletedHandoffLocked moves GPU custody for a completed transfer.
func (m *Manager) applyCompletedHandoffLocked(h *Handoff) {
	leaseID := uuid.NewString()
	reason := string(h.HandoffType)
	acquired := isoNow(m.now)
	owner := Owner(h.Destination)
	if owner == "" || owner == OwnerNone {
		m.state.GPU = GPU{Owner: OwnerNone, Queue: m.state.GPU.Queue}
	} else {
		m.state.GPU = GPU{
			Owner:      owner,
			LeaseID:    &leaseID,
			Reason:     &reason,
			AcquiredAt: &acquired,
			Queue:      m.state.GPU.Queue,
		}
	}
	m.setOwnerMetric()
}

// FailOverduePhase fails the active handoff if it has sat in one phase past
// the deadline. Called by the orchestrator's internal timer.
func (m *Manager) FailOverduePhase() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.state.ActiveHandoff
	if h == nil || h.Phase.Terminal() {
		return false
	}
	if m.now().Sub(m.phaseChangedAt) < m.PhaseDeadline {
		return false
	}

	log.Printf("GPUState: handoff %s exceeded phase deadline in %s, failing", h.HandoffID, h.Phase)
	msg := fmt.Sprintf("phase %s exceeded deadline %s", h.Phase, m.PhaseDeadline)
	h.Phase = PhaseFailed
	h.Error = &msg
	completed := isoNow(m.now)
	h.CompletedAt = &completed
	m.archiveActiveLocked(h)
	if err := m.persistLocked(); err != nil {
		log.Printf("GPUState: persist after deadline failure failed: %v", err)
	}
	return true
}

// RunDeadlineTimer checks for overdue phases until ctx is done.
func (m *Manager) RunDeadlineTimer(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.FailOverduePhase()
		}
	}
}

func (m *Manager) newHandoffLocked(hType HandoffType, source, destination string) *Handoff {
	h := &Handoff{
		HandoffID:   uuid.NewString(),
		HandoffType: hType,
		Phase:       PhaseInitiated,
		StartedAt:   isoNow(m.now),
		Source:      source,
		Destination: destination,
		ProgressPct: 0,
	}
	m.state.ActiveHandoff = h
	m.phaseChangedAt = m.now()
	return h
}

func (m *Manager) completeHandoffLocked(h *Handoff) {
	h.Phase = PhaseCompleted
	h.ProgressPct = 100
	completed := isoNow(m.now)
	h.CompletedAt = &completed
	m.archiveActiveLocked(h)
}

// archiveActiveLocked appends a terminal handoff to history and clears the
// active slot.
func (m *Manager) archiveActiveLocked(h *Handoff) {
	m.state.HandoffHistory = append(m.state.HandoffHistory, *h)
	m.state.ActiveHandoff = nil
	observability.Handoffs.WithLabelValues(string(h.HandoffType), string(h.Phase)).Inc()
}

func (m *Manager) setOwnerMetric() {
	owners := []Owner{OwnerNone, OwnerCore, OwnerStudy, OwnerCandidateCore, OwnerCandidateStudy}
	for _, o := range owners {
		val := 0.0
		if o == m.state.GPU.Owner {
			val = 1.0
		}
		observability.GPUOwner.WithLabelValues(string(o)).Set(val)
	}
}
