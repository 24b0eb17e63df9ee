package approval

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChallengeFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		c := genChallenge()
		if len(c) != 5 {
			t.Fatalf("expected 5-char challenge, got %q", c)
		}
		for _, r := range c {
			if r < 'A' || r > 'Z' {
				t.Fatalf("challenge must be uppercase A-Z, got %q", c)
			}
		}
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := NewStore(DefaultTTL)
	params := map[string]interface{}{"path": "/tmp/out.md"}

	actionID, challenge, createdAt, expiry := s.CreatePending("write_file", params, "")
	if actionID == "" || len(challenge) != 5 {
		t.Fatalf("bad create result: id=%q challenge=%q", actionID, challenge)
	}
	if !expiry.After(createdAt) {
		t.Fatalf("expiry must follow created_at")
	}

	approved, err := s.Approve(actionID, reverse(challenge))
	if err != nil {
		t.Fatalf("approve with reversed challenge failed: %v", err)
	}
	if approved.Method != "write_file" {
		t.Errorf("expected method write_file, got %s", approved.Method)
	}
	if got, _ := approved.Params["path"].(string); got != "/tmp/out.md" {
		t.Errorf("params not returned: %+v", approved.Params)
	}

	// Single-use: a second approve must fail with not-found.
	if _, err := s.Approve(actionID, reverse(challenge)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double approve, got %v", err)
	}
}

func TestUnreversedChallengeRejected(t *testing.T) {
	s := NewStore(DefaultTTL)
	actionID, challenge, _, _ := s.CreatePending("delete_file", nil, "")

	// The raw (unreversed) challenge must be rejected unless palindromic.
	if challenge != reverse(challenge) {
		if _, err := s.Approve(actionID, challenge); !errors.Is(err, ErrInvalidChallenge) {
			t.Errorf("expected ErrInvalidChallenge for raw challenge, got %v", err)
		}
	}
	if _, err := s.Approve(actionID, "?????"); !errors.Is(err, ErrInvalidChallenge) {
		t.Errorf("expected ErrInvalidChallenge, got %v", err)
	}

	// A wrong challenge does not consume the action.
	if _, err := s.Approve(actionID, reverse(challenge)); err != nil {
		t.Errorf("correct challenge must still work: %v", err)
	}
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	s := NewStore(0)
	actionID, challenge, _, _ := s.CreatePending("anything", nil, "")

	if _, err := s.Approve(actionID, reverse(challenge)); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired with TTL=0, got %v", err)
	}
	// The expired entry is deleted on the failed approve.
	if _, err := s.Approve(actionID, reverse(challenge)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after expiry reap, got %v", err)
	}
}

func TestListPendingReapsExpired(t *testing.T) {
	s := NewStore(time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.CreatePending("a", nil, "")
	s.CreatePending("b", nil, "")

	if got := len(s.ListPending()); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if got := len(s.ListPending()); got != 0 {
		t.Errorf("expected lazy reap to remove expired entries, got %d", got)
	}
}

func TestProposalTruncatedOnRender(t *testing.T) {
	s := NewStore(time.Minute)
	long := strings.Repeat("x", 5000)
	s.CreatePending("big", nil, long)

	views := s.ListPending()
	if len(views) != 1 {
		t.Fatalf("expected 1 view")
	}
	if len(views[0].Proposal) > 2100 {
		t.Errorf("proposal not truncated: %d chars", len(views[0].Proposal))
	}
	if !strings.Contains(views[0].Proposal, "[truncated]") {
		t.Errorf("truncation marker missing")
	}
}

func TestCancel(t *testing.T) {
	s := NewStore(time.Minute)
	actionID, challenge, _, _ := s.CreatePending("c", nil, "")

	if !s.Cancel(actionID) {
		t.Fatalf("cancel failed")
	}
	if s.Cancel(actionID) {
		t.Errorf("second cancel must report not found")
	}
	if _, err := s.Approve(actionID, reverse(challenge)); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancelled action must not be approvable, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	s := NewStore(time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.CreatePending("a", nil, "")
	s.CreatePending("b", nil, "")
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.CreatePending("fresh", nil, "")

	if removed := s.CleanupExpired(); removed != 2 {
		t.Errorf("expected 2 reaped, got %d", removed)
	}
	if got := len(s.ListPending()); got != 1 {
		t.Errorf("expected 1 surviving action, got %d", got)
	}
}

func TestDefaultProposalFromParams(t *testing.T) {
	s := NewStore(time.Minute)
	s.CreatePending("write_file", map[string]interface{}{"path": "/x"}, "")

	views := s.ListPending()
	if !strings.Contains(views[0].Proposal, "/x") {
		t.Errorf("default proposal must render params, got %q", views[0].Proposal)
	}
}
