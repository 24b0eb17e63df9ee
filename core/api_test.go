package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/approval"
	"github.com/azraeltruthsay/gaia-sub003/core/monitor"
	"github.com/azraeltruthsay/gaia-sub003/core/sleeptask"
	"github.com/azraeltruthsay/gaia-sub003/core/sleepwake"
	"github.com/azraeltruthsay/gaia-sub003/timeline"
)

func newTestAPI(t *testing.T) (*API, *sleepwake.Manager, *httptest.Server) {
	t.Helper()
	tl := timeline.NewStore(t.TempDir())
	manager := sleepwake.NewManager(sleepwake.Config{
		Enabled:              true,
		IdleThresholdMinutes: 5,
		GraceWindow:          10 * time.Millisecond,
	}, tl)
	scheduler := sleeptask.NewScheduler()
	idle := monitor.NewIdleMonitor()
	approvals := approval.NewStore(approval.DefaultTTL)
	loop := NewCycleLoop(manager, scheduler, idle, nil, &fakeGPU{}, &fakePresence{})

	api := NewAPI(manager, scheduler, loop, idle, approvals, tl)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/sleep/wake", api.handleWake)
	mux.HandleFunc("/sleep/status", api.handleSleepStatus)
	mux.HandleFunc("/sleep/study-handoff", api.handleStudyHandoff)
	mux.HandleFunc("/sleep/distracted-check", api.handleDistractedCheck)
	mux.HandleFunc("/sleep/shutdown", api.handleShutdown)
	mux.HandleFunc("/approvals", api.handleApprovals)
	mux.HandleFunc("/approvals/", api.handleApprovalAction)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return api, manager, srv
}

func postJSON(t *testing.T, url string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	return resp.StatusCode, result
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestAPI(t)
	code, body := getJSON(t, srv.URL+"/health")
	if code != 200 || body["status"] != "healthy" || body["service"] != "gaia-core" {
		t.Errorf("unexpected health response: %d %v", code, body)
	}
}

func TestWakeEndpoint(t *testing.T) {
	_, _, srv := newTestAPI(t)
	code, body := postJSON(t, srv.URL+"/sleep/wake", map[string]string{"source": "discord"})
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["received"] != true {
		t.Errorf("expected received=true, got %v", body)
	}
	if body["state"] != "active" {
		t.Errorf("wake while active is a no-op, state should stay active: %v", body)
	}
	if body["timestamp"] == nil {
		t.Errorf("timestamp missing")
	}
}

func TestSleepStatusEndpoint(t *testing.T) {
	_, _, srv := newTestAPI(t)
	code, body := getJSON(t, srv.URL+"/sleep/status")
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["state"] != "active" {
		t.Errorf("expected active, got %v", body["state"])
	}
	if body["wake_signal_pending"] != false {
		t.Errorf("expected no pending signal, got %v", body)
	}
}

func TestStudyHandoffEndpoint(t *testing.T) {
	_, manager, srv := newTestAPI(t)

	// Invalid direction.
	code, _ := postJSON(t, srv.URL+"/sleep/study-handoff", map[string]string{"direction": "sideways"})
	if code != 400 {
		t.Errorf("expected 400 for invalid direction, got %d", code)
	}

	// Not asleep: accepted=false.
	code, body := postJSON(t, srv.URL+"/sleep/study-handoff",
		map[string]string{"direction": "prime_to_study", "handoff_id": "h-1"})
	if code != 200 || body["accepted"] != false {
		t.Errorf("expected accepted=false while active, got %d %v", code, body)
	}

	// Asleep: accepted and DREAMING.
	if !manager.InitiateDrowsy() {
		t.Fatalf("could not put manager to sleep")
	}
	code, body = postJSON(t, srv.URL+"/sleep/study-handoff",
		map[string]string{"direction": "prime_to_study", "handoff_id": "h-1"})
	if code != 200 || body["accepted"] != true || body["state"] != "dreaming" {
		t.Errorf("expected dreaming, got %d %v", code, body)
	}
}

func TestDistractedCheckEndpoint(t *testing.T) {
	_, manager, srv := newTestAPI(t)

	_, body := getJSON(t, srv.URL+"/sleep/distracted-check")
	if body["canned_response"] != nil {
		t.Errorf("active must have no canned response, got %v", body)
	}

	manager.InitiateDrowsy()
	manager.EnterDistracted()

	_, body = getJSON(t, srv.URL+"/sleep/distracted-check")
	if body["state"] != "distracted" {
		t.Errorf("expected distracted, got %v", body["state"])
	}
	if s, _ := body["canned_response"].(string); s == "" {
		t.Errorf("distracted must return a canned response")
	}
}

func TestShutdownEndpoint(t *testing.T) {
	_, manager, srv := newTestAPI(t)
	code, body := postJSON(t, srv.URL+"/sleep/shutdown", map[string]string{})
	if code != 200 || body["accepted"] != true || body["state"] != "offline" {
		t.Fatalf("unexpected shutdown response: %d %v", code, body)
	}
	if manager.GetState() != sleepwake.StateOffline {
		t.Errorf("manager must be offline")
	}
}

func TestApprovalHTTPFlow(t *testing.T) {
	_, _, srv := newTestAPI(t)

	// Create.
	code, created := postJSON(t, srv.URL+"/approvals", map[string]interface{}{
		"method": "write_file",
		"params": map[string]interface{}{"path": "/tmp/x"},
	})
	if code != 200 {
		t.Fatalf("create failed: %d %v", code, created)
	}
	actionID, _ := created["action_id"].(string)
	challenge, _ := created["challenge"].(string)
	if actionID == "" || len(challenge) != 5 {
		t.Fatalf("bad create response: %v", created)
	}

	// List shows it.
	_, listed := getJSON(t, srv.URL+"/approvals")
	pending, _ := listed["pending"].([]interface{})
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %v", listed)
	}

	// Wrong challenge (unreversed) rejected.
	if challenge != reverseString(challenge) {
		code, _ = postJSON(t, srv.URL+"/approvals/"+actionID+"/approve",
			map[string]string{"challenge": challenge})
		if code != 403 {
			t.Errorf("expected 403 for unreversed challenge, got %d", code)
		}
	}

	// Reversed challenge approves and returns the payload.
	code, approved := postJSON(t, srv.URL+"/approvals/"+actionID+"/approve",
		map[string]string{"challenge": reverseString(challenge)})
	if code != 200 {
		t.Fatalf("approve failed: %d %v", code, approved)
	}
	if approved["method"] != "write_file" {
		t.Errorf("expected method in payload, got %v", approved)
	}

	// Second approve: gone.
	code, _ = postJSON(t, srv.URL+"/approvals/"+actionID+"/approve",
		map[string]string{"challenge": reverseString(challenge)})
	if code != 404 {
		t.Errorf("expected 404 on double approve, got %d", code)
	}
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
