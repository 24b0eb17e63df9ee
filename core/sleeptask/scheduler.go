// Package sleeptask schedules autonomous maintenance during the ASLEEP state.
//
// Registered tasks execute one at a time in priority order (lowest number =
// highest priority), with least-recently-run selection among equal
// priorities. A task that has never run is always preferred over one that
// has. Handler failures are contained: they are logged, recorded on the
// task, and never propagate to the cycle loop.
package sleeptask

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// Handler is a synchronous task body. The cycle loop runs tasks one at a
// time; long handlers should be registered non-interruptible only when a
// mid-task wake would corrupt their work.
type Handler func() error

// Task is a single registerable sleep-time task. LastRun and RunCount are
// mutated only by the scheduler.
type Task struct {
	TaskID            string
	TaskType          string
	Priority          int // 1 = highest
	Interruptible     bool
	EstimatedDuration time.Duration
	Handler           Handler

	LastRun   time.Time // zero = never run
	RunCount  int
	LastError string
}

// View is the status rendering of one task.
type View struct {
	TaskID        string `json:"task_id"`
	TaskType      string `json:"task_type"`
	Priority      int    `json:"priority"`
	Interruptible bool   `json:"interruptible"`
	RunCount      int    `json:"run_count"`
	LastRun       string `json:"last_run,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Recorder receives per-task telemetry events.
type Recorder interface {
	Append(eventType string, data map[string]interface{})
}

// Scheduler selects and runs the next maintenance task.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*Task
	recorder Recorder
	now      func() time.Time // test hook
}

// NewScheduler creates an empty scheduler; callers register tasks at boot.
func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Now}
}

// SetRecorder wires the timeline sink for task_exec telemetry.
func (s *Scheduler) SetRecorder(r Recorder) {
	s.recorder = r
}

// RegisterTask adds a task to the pool.
func (s *Scheduler) RegisterTask(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, t)
	log.Printf("SleepTaskScheduler: registered %s (P%d, interruptible=%v)",
		t.TaskID, t.Priority, t.Interruptible)
}

// GetNextTask returns the highest-priority, least-recently-run task, or nil.
func (s *Scheduler) GetNextTask() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return nil
	}
	candidates := make([]*Task, len(s.tasks))
	copy(candidates, s.tasks)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		// Zero LastRun sorts first: never-run beats any run task.
		return candidates[i].LastRun.Before(candidates[j].LastRun)
	})
	return candidates[0]
}

// ExecuteTask runs a task handler and records the outcome. Returns true on
// success. Panics in handlers are recovered and recorded as failures.
func (s *Scheduler) ExecuteTask(t *Task) (ok bool) {
	log.Printf("SleepTaskScheduler: starting %s", t.TaskID)
	start := time.Now()

	err := runContained(t.Handler)
	elapsed := time.Since(start)
	observability.SleepTaskDuration.Observe(elapsed.Seconds())

	s.mu.Lock()
	t.LastRun = s.now()
	t.RunCount++
	if err != nil {
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	runCount := t.RunCount
	s.mu.Unlock()

	if s.recorder != nil {
		data := map[string]interface{}{
			"task_id":   t.TaskID,
			"task_type": t.TaskType,
			"elapsed_s": elapsed.Seconds(),
			"run_count": runCount,
		}
		if err != nil {
			data["error"] = err.Error()
		}
		s.recorder.Append("task_exec", data)
	}

	if err != nil {
		observability.SleepTaskRuns.WithLabelValues(t.TaskID, "failed").Inc()
		log.Printf("SleepTaskScheduler: %s failed after %.1fs: %v", t.TaskID, elapsed.Seconds(), err)
		return false
	}
	observability.SleepTaskRuns.WithLabelValues(t.TaskID, "completed").Inc()
	log.Printf("SleepTaskScheduler: completed %s in %.1fs (run #%d)", t.TaskID, elapsed.Seconds(), runCount)
	return true
}

// GetStatus returns a view of every registered task.
func (s *Scheduler) GetStatus() []View {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]View, 0, len(s.tasks))
	for _, t := range s.tasks {
		v := View{
			TaskID:        t.TaskID,
			TaskType:      t.TaskType,
			Priority:      t.Priority,
			Interruptible: t.Interruptible,
			RunCount:      t.RunCount,
			LastError:     t.LastError,
		}
		if !t.LastRun.IsZero() {
			v.LastRun = t.LastRun.UTC().Format(time.RFC3339)
		}
		views = append(views, v)
	}
	return views
}

// runContained invokes a handler, converting panics into errors so a broken
// task can never kill the scheduler.
func runContained(h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panicked: %v", r)
		}
	}()
	return h()
}
