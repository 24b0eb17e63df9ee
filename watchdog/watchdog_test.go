package watchdog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/notify"
)

type fakeNotifier struct {
	notifications []notify.Notification
}

func (f *fakeNotifier) Broadcast(n notify.Notification) {
	f.notifications = append(f.notifications, n)
}

type fakeRecorder struct {
	events []string
}

func (f *fakeRecorder) Append(eventType string, data map[string]interface{}) {
	f.events = append(f.events, eventType)
}

func upServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// downURL returns an endpoint that refuses connections.
func downURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	return url
}

func newTestWatchdog(t *testing.T, liveURL, candidateURL string) (*Watchdog, *fakeNotifier, *fakeRecorder) {
	t.Helper()
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}
	w := New(Config{
		Live:             []Service{{Name: "gaia-core", HealthURL: liveURL}},
		Candidate:        []Service{{Name: "gaia-core-candidate", HealthURL: candidateURL}},
		Interval:         time.Minute,
		ProbeTimeout:     time.Second,
		FailureThreshold: 2,
		SharedDir:        t.TempDir(),
	}, notifier, recorder)
	return w, notifier, recorder
}

func TestInitialStatusIsDegraded(t *testing.T) {
	w, _, _ := newTestWatchdog(t, "http://unused:1/health", "http://unused:1/health")
	if w.CurrentStatus() != StatusDegraded {
		t.Errorf("initial HA status must be DEGRADED, got %s", w.CurrentStatus())
	}
}

func TestBothHealthyIsActive(t *testing.T) {
	live := upServer()
	defer live.Close()
	candidate := upServer()
	defer candidate.Close()

	w, _, _ := newTestWatchdog(t, live.URL, candidate.URL)
	w.Sweep(context.Background())

	if w.CurrentStatus() != StatusActive {
		t.Errorf("expected ACTIVE, got %s", w.CurrentStatus())
	}
}

func TestFailureThresholdDebounce(t *testing.T) {
	live := upServer()
	defer live.Close()

	w, _, _ := newTestWatchdog(t, live.URL, downURL(t))

	// First failure: below threshold, candidate still considered healthy.
	w.Sweep(context.Background())
	status := w.GetStatus()
	if status.Candidate["gaia-core-candidate"] != "healthy" {
		t.Errorf("1 failure (threshold 2) must not mark unhealthy")
	}
	if status.ConsecutiveFailures["gaia-core-candidate"] != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures["gaia-core-candidate"])
	}
	if w.CurrentStatus() != StatusActive {
		t.Errorf("expected ACTIVE before threshold, got %s", w.CurrentStatus())
	}

	// Second failure reaches the threshold.
	w.Sweep(context.Background())
	status = w.GetStatus()
	if status.Candidate["gaia-core-candidate"] != "unhealthy" {
		t.Errorf("threshold-th failure must mark unhealthy")
	}
	if w.CurrentStatus() != StatusDegraded {
		t.Errorf("expected DEGRADED, got %s", w.CurrentStatus())
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer flaky.Close()
	candidate := upServer()
	defer candidate.Close()

	w, _, _ := newTestWatchdog(t, flaky.URL, candidate.URL)
	w.mu.Lock()
	w.consecutiveFailures["gaia-core"] = 5
	w.mu.Unlock()

	w.Sweep(context.Background())
	if got := w.GetStatus().ConsecutiveFailures["gaia-core"]; got != 0 {
		t.Errorf("success must reset counter, got %d", got)
	}
}

func TestFailoverActiveWhenLiveDown(t *testing.T) {
	candidate := upServer()
	defer candidate.Close()

	w, notifier, recorder := newTestWatchdog(t, downURL(t), candidate.URL)

	w.Sweep(context.Background())
	w.Sweep(context.Background())

	if w.CurrentStatus() != StatusFailoverActive {
		t.Fatalf("expected FAILOVER_ACTIVE, got %s", w.CurrentStatus())
	}

	// The transition must have been broadcast and recorded.
	if len(notifier.notifications) == 0 {
		t.Fatalf("expected HA transition broadcast")
	}
	last := notifier.notifications[len(notifier.notifications)-1]
	if last.Data["new_status"] != "failover_active" {
		t.Errorf("expected new_status failover_active, got %v", last.Data)
	}
	found := false
	for _, e := range recorder.events {
		if e == "ha_transition" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected ha_transition timeline event, got %v", recorder.events)
	}
}

func TestFailedWhenBothDown(t *testing.T) {
	w, _, _ := newTestWatchdog(t, downURL(t), downURL(t))
	w.Sweep(context.Background())
	w.Sweep(context.Background())

	if w.CurrentStatus() != StatusFailed {
		t.Errorf("expected FAILED, got %s", w.CurrentStatus())
	}
}

func TestMaintenanceOverridesCandidateHealth(t *testing.T) {
	live := upServer()
	defer live.Close()

	notifier := &fakeNotifier{}
	sharedDir := t.TempDir()
	w := New(Config{
		Live:             []Service{{Name: "gaia-core", HealthURL: live.URL}},
		Candidate:        []Service{{Name: "gaia-core-candidate", HealthURL: downURL(t)}},
		FailureThreshold: 2,
		SharedDir:        sharedDir,
	}, notifier, nil)

	if err := os.WriteFile(filepath.Join(sharedDir, "ha_maintenance"), nil, 0o644); err != nil {
		t.Fatalf("touch flag: %v", err)
	}

	w.Sweep(context.Background())
	w.Sweep(context.Background())

	// Candidate is down past threshold, but maintenance ignores candidates.
	if w.CurrentStatus() != StatusActive {
		t.Errorf("expected ACTIVE under maintenance, got %s", w.CurrentStatus())
	}
}

func TestMaintenanceWithLiveDownIsFailed(t *testing.T) {
	sharedDir := t.TempDir()
	w := New(Config{
		Live:             []Service{{Name: "gaia-core", HealthURL: downURL(t)}},
		FailureThreshold: 2,
		SharedDir:        sharedDir,
	}, nil, nil)

	os.WriteFile(filepath.Join(sharedDir, "ha_maintenance"), nil, 0o644)

	w.Sweep(context.Background())
	w.Sweep(context.Background())

	if w.CurrentStatus() != StatusFailed {
		t.Errorf("expected FAILED under maintenance with live down, got %s", w.CurrentStatus())
	}
}

func TestNoBroadcastWithoutTransition(t *testing.T) {
	live := upServer()
	defer live.Close()
	candidate := upServer()
	defer candidate.Close()

	w, notifier, _ := newTestWatchdog(t, live.URL, candidate.URL)
	w.Sweep(context.Background())
	count := len(notifier.notifications)
	w.Sweep(context.Background())

	if len(notifier.notifications) != count {
		t.Errorf("no transition, no broadcast: %d -> %d", count, len(notifier.notifications))
	}
}

func TestGetStatusContract(t *testing.T) {
	live := upServer()
	defer live.Close()

	w, _, _ := newTestWatchdog(t, live.URL, downURL(t))
	w.Sweep(context.Background())
	w.Sweep(context.Background())
	w.Sweep(context.Background())

	status := w.GetStatus()
	if status.HAStatus != "degraded" {
		t.Errorf("expected degraded, got %s", status.HAStatus)
	}
	if status.Live["gaia-core"] != "healthy" {
		t.Errorf("live core must be healthy: %+v", status.Live)
	}
	if status.Candidate["gaia-core-candidate"] != "unhealthy" {
		t.Errorf("candidate must be unhealthy: %+v", status.Candidate)
	}
	if status.ConsecutiveFailures["gaia-core-candidate"] != 3 {
		t.Errorf("expected 3 consecutive failures, got %d", status.ConsecutiveFailures["gaia-core-candidate"])
	}
}
