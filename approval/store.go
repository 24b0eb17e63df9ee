// Package approval holds pending sensitive actions awaiting operator sign-off.
//
// The workflow:
//  1. An action is created with a 5-letter challenge code (e.g. "ABCDE").
//  2. The operator reviews the proposal and supplies the challenge reversed
//     ("EDCBA").
//  3. On a match the action is consumed and returned to the caller for
//     execution.
//
// The store is process-local and mutex-guarded. Entries self-expire on TTL
// and are reaped lazily on the next list or cleanup.
package approval

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

const (
	// DefaultTTL is how long a pending action stays approvable.
	DefaultTTL = 15 * time.Minute

	challengeLen      = 5
	proposalRenderMax = 2000
)

var (
	ErrNotFound         = errors.New("action_id not found or expired")
	ErrExpired          = errors.New("action expired")
	ErrInvalidChallenge = errors.New("invalid approval challenge")
)

type pendingAction struct {
	Method    string
	Params    map[string]interface{}
	Challenge string
	Proposal  string
	CreatedAt time.Time
	Expiry    time.Time
}

// View is the operator-facing rendering of a pending action.
type View struct {
	ActionID  string `json:"action_id"`
	Method    string `json:"method"`
	CreatedAt string `json:"created_at"`
	Expiry    string `json:"expiry"`
	Proposal  string `json:"proposal"`
}

// Approved is the payload returned to the caller on a successful approve.
type Approved struct {
	Method    string                 `json:"method"`
	Params    map[string]interface{} `json:"params"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store is an in-memory registry of pending actions.
type Store struct {
	mu    sync.Mutex
	store map[string]*pendingAction
	ttl   time.Duration
	now   func() time.Time // test hook
}

// NewStore creates a store with the given TTL. A zero TTL is used as given,
// so every action expires immediately; pass DefaultTTL for the 15-minute
// production default.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		store: make(map[string]*pendingAction),
		ttl:   ttl,
		now:   time.Now,
	}
}

// CreatePending registers an action awaiting approval and returns
// (action_id, challenge, created_at, expiry).
func (s *Store) CreatePending(method string, params map[string]interface{}, proposal string) (string, string, time.Time, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	actionID := uuid.NewString()
	challenge := genChallenge()
	now := s.now()
	expiry := now.Add(s.ttl)

	if proposal == "" {
		if b, err := json.MarshalIndent(params, "", "  "); err == nil {
			proposal = string(b)
		}
	}

	s.store[actionID] = &pendingAction{
		Method:    method,
		Params:    params,
		Challenge: challenge,
		Proposal:  proposal,
		CreatedAt: now,
		Expiry:    expiry,
	}
	observability.PendingApprovals.Set(float64(len(s.store)))

	log.Printf("Approval: created pending action %s method=%s challenge=%s expiry=%s",
		actionID, method, challenge, expiry.UTC().Format(time.RFC3339))
	return actionID, challenge, now, expiry
}

// ListPending returns all unexpired actions, reaping expired ones as a side
// effect. Long proposals are truncated at render time.
func (s *Store) ListPending() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	result := make([]View, 0, len(s.store))
	for id, item := range s.store {
		if now.After(item.Expiry) {
			delete(s.store, id)
			continue
		}
		proposal := item.Proposal
		if len(proposal) > proposalRenderMax {
			proposal = proposal[:proposalRenderMax] + "\n... [truncated]"
		}
		result = append(result, View{
			ActionID:  id,
			Method:    item.Method,
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339),
			Expiry:    item.Expiry.UTC().Format(time.RFC3339),
			Proposal:  proposal,
		})
	}
	observability.PendingApprovals.Set(float64(len(s.store)))
	return result
}

// Approve consumes a pending action. The operator must supply the challenge
// reversed. Returns the action payload so the caller may execute it.
func (s *Store) Approve(actionID, providedChallenge string) (Approved, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.store[actionID]
	if !ok {
		return Approved{}, ErrNotFound
	}
	if s.now().After(item.Expiry) {
		delete(s.store, actionID)
		observability.PendingApprovals.Set(float64(len(s.store)))
		return Approved{}, ErrExpired
	}
	if providedChallenge != reverse(item.Challenge) {
		return Approved{}, ErrInvalidChallenge
	}

	delete(s.store, actionID)
	observability.PendingApprovals.Set(float64(len(s.store)))
	log.Printf("Approval: approved action %s method=%s", actionID, item.Method)
	return Approved{
		Method:    item.Method,
		Params:    item.Params,
		CreatedAt: item.CreatedAt,
	}, nil
}

// Cancel removes a pending action. Returns false if it was not present.
func (s *Store) Cancel(actionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store[actionID]; !ok {
		return false
	}
	delete(s.store, actionID)
	observability.PendingApprovals.Set(float64(len(s.store)))
	log.Printf("Approval: cancelled action %s", actionID)
	return true
}

// CleanupExpired removes all expired actions and returns how many.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, item := range s.store {
		if now.After(item.Expiry) {
			delete(s.store, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("Approval: cleaned up %d expired actions", removed)
	}
	observability.PendingApprovals.Set(float64(len(s.store)))
	return removed
}

// genChallenge returns 5 uppercase A-Z characters chosen uniformly at random.
func genChallenge() string {
	out := make([]byte, challengeLen)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(26))
		if err != nil {
			log.Fatalf("Approval: crypto/rand unavailable: %v", err)
		}
		out[i] = 'A' + byte(n.Int64())
	}
	return string(out)
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
