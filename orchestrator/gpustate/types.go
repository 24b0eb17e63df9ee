package gpustate

import "time"

// Owner identifies which container holds the GPU. Exactly one owner at any
// time.
type Owner string

const (
	OwnerNone           Owner = "none"
	OwnerCore           Owner = "gaia-core"
	OwnerStudy          Owner = "gaia-study"
	OwnerCandidateCore  Owner = "gaia-core-candidate"
	OwnerCandidateStudy Owner = "gaia-study-candidate"
)

// HandoffType classifies a GPU custody transfer. prime_stop and prime_start
// are the sleep/wake transfers; the other three are study/candidate moves.
type HandoffType string

const (
	HandoffPrimeToStudy  HandoffType = "prime_to_study"
	HandoffStudyToPrime  HandoffType = "study_to_prime"
	HandoffCandidateSwap HandoffType = "candidate_swap"
	HandoffPrimeStop     HandoffType = "prime_stop"
	HandoffPrimeStart    HandoffType = "prime_start"
)

// Phase is a handoff stage. Transitions are forward-only except to failed.
type Phase string

const (
	PhaseInitiated    Phase = "initiated"
	PhaseReleasingGPU Phase = "releasing_gpu"
	PhaseBootingTgt   Phase = "booting_target"
	PhaseVerifying    Phase = "verifying"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseInitiated:    0,
	PhaseReleasingGPU: 1,
	PhaseBootingTgt:   2,
	PhaseVerifying:    3,
	PhaseCompleted:    4,
	PhaseFailed:       5,
}

// Terminal reports whether a phase ends a handoff.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// canAdvance reports whether from -> to is legal: forward-only, with failed
// reachable from any non-terminal phase.
func canAdvance(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	return phaseOrder[to] > phaseOrder[from]
}

// Handoff is one multi-phase GPU custody transfer.
type Handoff struct {
	HandoffID   string      `json:"handoff_id"`
	HandoffType HandoffType `json:"handoff_type"`
	Phase       Phase       `json:"phase"`
	StartedAt   string      `json:"started_at"`
	CompletedAt *string     `json:"completed_at"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Error       *string     `json:"error"`
	ProgressPct int         `json:"progress_pct"`
}

// GPU is the lease ledger: which container owns the GPU and under which
// lease.
type GPU struct {
	Owner      Owner    `json:"owner"`
	LeaseID    *string  `json:"lease_id"`
	Reason     *string  `json:"reason"`
	AcquiredAt *string  `json:"acquired_at"`
	Queue      []string `json:"queue"`
}

// Containers carries per-container bookkeeping for the live and candidate
// stacks.
type Containers struct {
	Live      map[string]interface{} `json:"live"`
	Candidate map[string]interface{} `json:"candidate"`
}

// PersistentState is the orchestrator's single source of truth, serialized
// as JSON and written atomically after every mutation.
type PersistentState struct {
	GPU            GPU        `json:"gpu"`
	Containers     Containers `json:"containers"`
	ActiveHandoff  *Handoff   `json:"active_handoff"`
	HandoffHistory []Handoff  `json:"handoff_history"`
	LastUpdated    string     `json:"last_updated"`
}

func newPersistentState() PersistentState {
	return PersistentState{
		GPU: GPU{Owner: OwnerNone, Queue: []string{}},
		Containers: Containers{
			Live:      map[string]interface{}{},
			Candidate: map[string]interface{}{},
		},
		HandoffHistory: []Handoff{},
	}
}

func isoNow(now func() time.Time) string {
	return now().UTC().Format(time.RFC3339Nano)
}
