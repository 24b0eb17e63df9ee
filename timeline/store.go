// Package timeline is GAIA's append-only JSONL event log.
//
// Events are appended as single JSON lines to daily-rotated files:
//
//	<SHARED_DIR>/timeline/gaia_timeline_2026-08-01.jsonl
//
// Appends of short lines are atomic on POSIX, so concurrent writers need no
// cross-line locking. Readers tolerate a partial tail and skip malformed
// lines. Telemetry must never crash a caller: every write/read failure is
// logged and swallowed.
package timeline

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// Archiver mirrors appended events into a secondary store (best-effort).
type Archiver interface {
	Archive(e Event) error
}

// Store is an append-only JSONL event store with daily file rotation.
type Store struct {
	dir      string
	archiver Archiver
	now      func() time.Time // test hook
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) *Store {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("Timeline: cannot create dir %s: %v", dir, err)
	}
	return &Store{dir: dir, now: time.Now}
}

// SetArchiver attaches a best-effort secondary sink (e.g. Postgres).
func (s *Store) SetArchiver(a Archiver) {
	s.archiver = a
}

// Append writes a single event to today's file. Failures are logged and
// swallowed.
func (s *Store) Append(eventType string, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	e := Event{
		TS:    s.now().UTC().Format(time.RFC3339Nano),
		Event: eventType,
		Data:  data,
	}

	line, err := e.jsonLine()
	if err != nil {
		observability.TimelineAppendFailures.Inc()
		log.Printf("Timeline: marshal failed for %s: %v", eventType, err)
		return
	}

	path := s.fileForDate(s.now().UTC())
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		observability.TimelineAppendFailures.Inc()
		log.Printf("Timeline: open %s failed: %v", path, err)
		return
	}
	if _, err := fh.Write(append(line, '\n')); err != nil {
		observability.TimelineAppendFailures.Inc()
		log.Printf("Timeline: append to %s failed: %v", path, err)
	}
	fh.Close()

	if s.archiver != nil {
		if err := s.archiver.Archive(e); err != nil {
			observability.TimelineArchiveFailures.Inc()
			log.Printf("Timeline: archive failed: %v", err)
		}
	}
}

// RecentEvents returns the last n events across today + yesterday, newest first.
func (s *Store) RecentEvents(n int) []Event {
	events := s.readRecentFiles(2)
	if len(events) > n {
		events = events[:n]
	}
	return events
}

// EventsByType returns the last n events of a specific type, newest first.
func (s *Store) EventsByType(eventType string, n int) []Event {
	all := s.readRecentFiles(2)
	filtered := make([]Event, 0, n)
	for _, e := range all {
		if e.Event == eventType {
			filtered = append(filtered, e)
			if len(filtered) == n {
				break
			}
		}
	}
	return filtered
}

// EventsSince returns events at or after since, newest first, up to limit.
// At most the last 7 daily files are read; older events are not returned.
func (s *Store) EventsSince(since time.Time, limit int) []Event {
	days := int(s.now().UTC().Sub(since).Hours()/24) + 1
	if days < 1 {
		days = 1
	}
	if days > 7 {
		days = 7
	}
	all := s.readRecentFiles(days)
	filtered := make([]Event, 0, limit)
	for _, e := range all {
		ts := e.Timestamp()
		if !ts.IsZero() && !ts.Before(since) {
			filtered = append(filtered, e)
			if len(filtered) == limit {
				break
			}
		}
	}
	return filtered
}

// LastEventOfType returns the most recent event of the given type, or nil.
func (s *Store) LastEventOfType(eventType string) *Event {
	results := s.EventsByType(eventType, 1)
	if len(results) == 0 {
		return nil
	}
	return &results[0]
}

// StateDurationStats reduces consecutive state_change events over the last
// hours into seconds-per-state. The open interval ends at now.
func (s *Store) StateDurationStats(hours int) map[string]float64 {
	now := s.now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)
	changes := s.EventsSince(since, 500)

	// Reverse to chronological order, keep only state changes.
	chrono := make([]Event, 0, len(changes))
	for i := len(changes) - 1; i >= 0; i-- {
		if changes[i].Event == EventStateChange {
			chrono = append(chrono, changes[i])
		}
	}

	stats := make(map[string]float64)
	for i, e := range chrono {
		state, _ := e.Data["to"].(string)
		if state == "" {
			state = "unknown"
		}
		start := e.Timestamp()
		if start.IsZero() {
			continue
		}
		end := now
		if i+1 < len(chrono) {
			if next := chrono[i+1].Timestamp(); !next.IsZero() {
				end = next
			}
		}
		stats[state] += end.Sub(start).Seconds()
	}
	return stats
}

// SessionStats returns message count and first/last message timestamps for a
// session over the last 7 days.
type SessionStats struct {
	SessionID    string  `json:"session_id"`
	MessageCount int     `json:"message_count"`
	FirstMessage *string `json:"first_message"`
	LastMessage  *string `json:"last_message"`
}

func (s *Store) SessionStats(sessionID string) SessionStats {
	all := s.readRecentFiles(7)

	// Chronological order.
	var messages []Event
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.Event != EventMessage {
			continue
		}
		if sid, _ := e.Data["session_id"].(string); sid == sessionID {
			messages = append(messages, e)
		}
	}

	stats := SessionStats{SessionID: sessionID}
	if len(messages) == 0 {
		return stats
	}
	stats.MessageCount = len(messages)
	first := messages[0].TS
	last := messages[len(messages)-1].TS
	stats.FirstMessage = &first
	stats.LastMessage = &last
	return stats
}

// PruneOlderThan removes daily files older than the retention window and
// returns how many were deleted. Used by the timeline_compaction sleep task.
func (s *Store) PruneOlderThan(retentionDays int) int {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("Timeline: prune cannot read dir %s: %v", s.dir, err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		var y, m, d int
		if _, err := fmt.Sscanf(entry.Name(), "gaia_timeline_%04d-%02d-%02d.jsonl", &y, &m, &d); err != nil {
			continue
		}
		fileDate := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
		if fileDate.Before(cutoff.Truncate(24 * time.Hour)) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
				log.Printf("Timeline: prune remove %s failed: %v", entry.Name(), err)
				continue
			}
			removed++
		}
	}
	return removed
}

func (s *Store) fileForDate(t time.Time) string {
	return filepath.Join(s.dir, "gaia_timeline_"+t.Format("2006-01-02")+".jsonl")
}

// readRecentFiles reads up to maxDays daily files and returns events sorted
// newest first. Malformed lines (partial tail included) are skipped.
func (s *Store) readRecentFiles(maxDays int) []Event {
	var events []Event
	now := s.now().UTC()

	for offset := 0; offset < maxDays; offset++ {
		path := s.fileForDate(now.AddDate(0, 0, -offset))
		fh, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(fh)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if e, ok := parseLine(line); ok {
				events = append(events, e)
			}
		}
		if err := scanner.Err(); err != nil {
			log.Printf("Timeline: read %s failed: %v", path, err)
		}
		fh.Close()
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TS > events[j].TS
	})
	return events
}
