package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/approval"
	"github.com/azraeltruthsay/gaia-sub003/core/sleeptask"
	"github.com/azraeltruthsay/gaia-sub003/haclient"
	"github.com/azraeltruthsay/gaia-sub003/timeline"
)

// taskDeps carries what the built-in sleep task handlers need.
type taskDeps struct {
	cfg       *Config
	timeline  *timeline.Store
	approvals *approval.Store
	mcp       *haclient.Client
}

// registerBuiltinTasks wires the default maintenance tasks. Extension
// points register additional tasks before the loop starts.
func registerBuiltinTasks(s *sleeptask.Scheduler, deps taskDeps) {
	s.RegisterTask(&sleeptask.Task{
		TaskID:            "conversation_curation",
		TaskType:          "conversation_curation",
		Priority:          1,
		Interruptible:     true,
		EstimatedDuration: 60 * time.Second,
		Handler:           func() error { return runConversationCuration(deps) },
	})

	s.RegisterTask(&sleeptask.Task{
		TaskID:            "thought_seed_review",
		TaskType:          "thought_seed_review",
		Priority:          1,
		Interruptible:     true,
		EstimatedDuration: 120 * time.Second,
		Handler:           func() error { return runThoughtSeedReview(deps) },
	})

	s.RegisterTask(&sleeptask.Task{
		TaskID:            "initiative_cycle",
		TaskType:          "initiative_cycle",
		Priority:          2,
		Interruptible:     true,
		EstimatedDuration: 180 * time.Second,
		Handler:           func() error { return runInitiativeCycle(deps) },
	})

	s.RegisterTask(&sleeptask.Task{
		TaskID:            "timeline_compaction",
		TaskType:          "timeline_compaction",
		Priority:          3,
		Interruptible:     false, // mid-prune interruption could orphan files
		EstimatedDuration: 30 * time.Second,
		Handler:           func() error { return runTimelineCompaction(deps) },
	})
}

// runConversationCuration marks recent sessions with enough traffic for
// knowledge-base curation. The actual curation happens in the cognition
// services; the control plane records which sessions qualify.
func runConversationCuration(deps taskDeps) error {
	starts := deps.timeline.EventsByType(timeline.EventSessionStart, 20)
	curated := 0
	for _, e := range starts {
		sid, _ := e.Data["session_id"].(string)
		if sid == "" {
			continue
		}
		stats := deps.timeline.SessionStats(sid)
		if stats.MessageCount < 4 {
			continue
		}
		deps.timeline.Append(timeline.EventCouncilNote, map[string]interface{}{
			"kind":          "conversation_curation",
			"session_id":    sid,
			"message_count": stats.MessageCount,
		})
		curated++
	}
	if curated > 0 {
		log.Printf("SleepTask: conversation curation flagged %d sessions", curated)
	}
	return nil
}

// runThoughtSeedReview asks gaia-mcp to review unprocessed thought seeds.
func runThoughtSeedReview(deps taskDeps) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	_, err := deps.mcp.Post(ctx, "/seeds/review", map[string]interface{}{"auto_act": true})
	if err != nil {
		return fmt.Errorf("seed review via gaia-mcp: %w", err)
	}
	return nil
}

// runInitiativeCycle records one autonomous reflection note: where the time
// went since yesterday.
func runInitiativeCycle(deps taskDeps) error {
	stats := deps.timeline.StateDurationStats(24)
	durations := make(map[string]interface{}, len(stats))
	for state, seconds := range stats {
		durations[state] = seconds
	}
	deps.timeline.Append(timeline.EventCouncilNote, map[string]interface{}{
		"kind":            "initiative_cycle",
		"state_durations": durations,
	})
	return nil
}

// runTimelineCompaction prunes timeline files past retention and reaps
// expired approvals.
func runTimelineCompaction(deps taskDeps) error {
	removed := deps.timeline.PruneOlderThan(deps.cfg.TimelineRetentionDays)
	expired := deps.approvals.CleanupExpired()
	if removed > 0 || expired > 0 {
		deps.timeline.Append(timeline.EventCheckpoint, map[string]interface{}{
			"kind":             "timeline_compaction",
			"files_removed":    removed,
			"approvals_reaped": expired,
		})
	}
	return nil
}
