package timeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestAppendAndRecentEvents(t *testing.T) {
	s := newTestStore(t)

	s.Append(EventStateChange, map[string]interface{}{"from": "active", "to": "drowsy"})
	s.Append(EventStateChange, map[string]interface{}{"from": "drowsy", "to": "asleep"})
	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})

	events := s.RecentEvents(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Event != EventMessage {
		t.Errorf("expected newest event first, got %s", events[0].Event)
	}
	if to, _ := events[2].Data["to"].(string); to != "drowsy" {
		t.Errorf("oldest event corrupted: %+v", events[2])
	}
}

func TestRecentEventsLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 10; i++ {
		s.Append(EventMessage, map[string]interface{}{"n": i})
	}
	if got := len(s.RecentEvents(4)); got != 4 {
		t.Errorf("expected 4 events, got %d", got)
	}
}

func TestEventsByType(t *testing.T) {
	s := newTestStore(t)
	s.Append(EventStateChange, map[string]interface{}{"to": "asleep"})
	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})
	s.Append(EventStateChange, map[string]interface{}{"to": "active"})

	changes := s.EventsByType(EventStateChange, 10)
	if len(changes) != 2 {
		t.Fatalf("expected 2 state changes, got %d", len(changes))
	}
	for _, e := range changes {
		if e.Event != EventStateChange {
			t.Errorf("wrong type in filtered result: %s", e.Event)
		}
	}
}

func TestLastEventOfType(t *testing.T) {
	s := newTestStore(t)
	if s.LastEventOfType(EventCheckpoint) != nil {
		t.Errorf("expected nil for unseen type")
	}

	s.Append(EventCheckpoint, map[string]interface{}{"n": 1})
	s.Append(EventCheckpoint, map[string]interface{}{"n": 2})

	last := s.LastEventOfType(EventCheckpoint)
	if last == nil {
		t.Fatalf("expected an event")
	}
	if n, _ := last.Data["n"].(float64); n != 2 {
		t.Errorf("expected most recent checkpoint, got %+v", last.Data)
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})

	// Simulate a partial tail from a concurrent appender.
	path := filepath.Join(dir, "gaia_timeline_"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fh.WriteString(`{"ts": "2026-08-01T10:00:00Z", "event": "mess`)
	fh.Close()

	events := s.RecentEvents(10)
	if len(events) != 1 {
		t.Fatalf("expected malformed tail to be skipped, got %d events", len(events))
	}
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	// Point the store at a path that cannot exist as a directory.
	s := NewStore("/dev/null/timeline")
	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"}) // must not panic
	if got := len(s.RecentEvents(10)); got != 0 {
		t.Errorf("expected no events, got %d", got)
	}
}

func TestStateDurationStats(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	current := base
	s.now = func() time.Time { return current }

	s.Append(EventStateChange, map[string]interface{}{"from": "offline", "to": "active"})
	current = base.Add(2 * time.Hour)
	s.Append(EventStateChange, map[string]interface{}{"from": "active", "to": "asleep"})
	current = base.Add(3 * time.Hour) // open interval: asleep for 1h so far

	stats := s.StateDurationStats(24)
	if got := stats["active"]; got < 7199 || got > 7201 {
		t.Errorf("expected ~7200s active, got %.0f", got)
	}
	if got := stats["asleep"]; got < 3599 || got > 3601 {
		t.Errorf("expected ~3600s asleep (open interval), got %.0f", got)
	}
}

func TestSessionStats(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})
	current = base.Add(time.Minute)
	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})
	s.Append(EventMessage, map[string]interface{}{"session_id": "other"})

	stats := s.SessionStats("s1")
	if stats.MessageCount != 2 {
		t.Fatalf("expected 2 messages, got %d", stats.MessageCount)
	}
	if stats.FirstMessage == nil || stats.LastMessage == nil {
		t.Fatalf("expected first/last timestamps")
	}
	if *stats.FirstMessage >= *stats.LastMessage {
		t.Errorf("first %s must precede last %s", *stats.FirstMessage, *stats.LastMessage)
	}

	empty := s.SessionStats("missing")
	if empty.MessageCount != 0 || empty.FirstMessage != nil {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}

func TestEventsSince(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	s.Append(EventMessage, map[string]interface{}{"n": 1})
	current = base.Add(time.Hour)
	s.Append(EventMessage, map[string]interface{}{"n": 2})

	since := s.EventsSince(base.Add(30*time.Minute), 100)
	if len(since) != 1 {
		t.Fatalf("expected 1 event since cutoff, got %d", len(since))
	}
	if n, _ := since[0].Data["n"].(float64); n != 2 {
		t.Errorf("wrong event selected: %+v", since[0].Data)
	}
}

func TestPruneOlderThan(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	oldName := "gaia_timeline_" + time.Now().UTC().AddDate(0, 0, -120).Format("2006-01-02") + ".jsonl"
	newName := "gaia_timeline_" + time.Now().UTC().Format("2006-01-02") + ".jsonl"
	os.WriteFile(filepath.Join(dir, oldName), []byte("{}\n"), 0o644)
	os.WriteFile(filepath.Join(dir, newName), []byte("{}\n"), 0o644)

	if removed := s.PruneOlderThan(90); removed != 1 {
		t.Fatalf("expected 1 file pruned, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, oldName)); !os.IsNotExist(err) {
		t.Errorf("old file still present")
	}
	if _, err := os.Stat(filepath.Join(dir, newName)); err != nil {
		t.Errorf("current file must survive prune: %v", err)
	}
}

type captureArchiver struct {
	events []Event
	fail   bool
}

func (a *captureArchiver) Archive(e Event) error {
	if a.fail {
		return os.ErrPermission
	}
	a.events = append(a.events, e)
	return nil
}

func TestArchiverReceivesEvents(t *testing.T) {
	s := newTestStore(t)
	arch := &captureArchiver{}
	s.SetArchiver(arch)

	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"})
	if len(arch.events) != 1 {
		t.Fatalf("expected archived event, got %d", len(arch.events))
	}
}

func TestArchiverFailureIsSwallowed(t *testing.T) {
	s := newTestStore(t)
	s.SetArchiver(&captureArchiver{fail: true})

	s.Append(EventMessage, map[string]interface{}{"session_id": "s1"}) // must not panic
	if got := len(s.RecentEvents(10)); got != 1 {
		t.Errorf("JSONL write must succeed despite archive failure, got %d events", got)
	}
}
