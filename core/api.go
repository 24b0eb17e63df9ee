package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/azraeltruthsay/gaia-sub003/approval"
	"github.com/azraeltruthsay/gaia-sub003/core/monitor"
	"github.com/azraeltruthsay/gaia-sub003/core/sleeptask"
	"github.com/azraeltruthsay/gaia-sub003/core/sleepwake"
	"github.com/azraeltruthsay/gaia-sub003/observability"
	"github.com/azraeltruthsay/gaia-sub003/timeline"
)

// API is the gaia-core HTTP surface.
type API struct {
	manager   *sleepwake.Manager
	scheduler *sleeptask.Scheduler
	loop      *CycleLoop
	idle      *monitor.IdleMonitor
	approvals *approval.Store
	timeline  *timeline.Store

	// Storm protection on the wake endpoint: gaia-web fires one signal per
	// queued message and a pile-up must not melt the state machine.
	wakeLimiter *rate.Limiter
}

func NewAPI(
	manager *sleepwake.Manager,
	scheduler *sleeptask.Scheduler,
	loop *CycleLoop,
	idle *monitor.IdleMonitor,
	approvals *approval.Store,
	tl *timeline.Store,
) *API {
	return &API{
		manager:     manager,
		scheduler:   scheduler,
		loop:        loop,
		idle:        idle,
		approvals:   approvals,
		timeline:    tl,
		wakeLimiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// POST /sleep/wake — wake signal from gaia-web, sent when the first message
// is queued during sleep.
func (a *API) handleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.wakeLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("wake").Inc()
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many wake signals", http.StatusTooManyRequests)
		return
	}

	var body struct {
		Source string `json:"source"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	source := body.Source
	if source == "" {
		source = "web"
	}

	a.idle.RecordActivity()
	a.manager.ReceiveWakeSignal(source)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"received":  true,
		"state":     string(a.manager.GetState()),
		"timestamp": nowISO(),
	})
}

// GET /sleep/status
func (a *API) handleSleepStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.GetStatus())
}

// POST /sleep/study-handoff — orchestrator signals a study handoff.
// Body: {"direction": "prime_to_study"|"study_to_prime", "handoff_id": "..."}
func (a *API) handleStudyHandoff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Direction string `json:"direction"`
		HandoffID string `json:"handoff_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if body.HandoffID == "" {
		body.HandoffID = "unknown"
	}

	var accepted bool
	switch body.Direction {
	case "prime_to_study":
		accepted = a.manager.EnterDreaming(body.HandoffID)
	case "study_to_prime":
		accepted = a.manager.ExitDreaming()
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid direction: " + body.Direction,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  accepted,
		"state":     string(a.manager.GetState()),
		"timestamp": nowISO(),
	})
}

// GET /sleep/distracted-check — surfaces ask whether to send a canned reply
// instead of forwarding the message to the model.
func (a *API) handleDistractedCheck(w http.ResponseWriter, r *http.Request) {
	canned := a.manager.CannedResponse()
	resp := map[string]interface{}{
		"state":     string(a.manager.GetState()),
		"timestamp": nowISO(),
	}
	if canned != "" {
		resp["canned_response"] = canned
	} else {
		resp["canned_response"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /sleep/shutdown — graceful shutdown: OFFLINE and stop the loop.
func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.loop.Shutdown()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted":  true,
		"state":     "offline",
		"timestamp": nowISO(),
	})
}

// GET /sleep/tasks — scheduler status.
func (a *API) handleSleepTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.GetStatus())
}

// GET /health
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gaia-core",
	})
}

// POST /session/activity — surfaces record inbound traffic so the idle
// monitor sees it. Message content never crosses this boundary.
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID string `json:"session_id"`
		Kind      string `json:"kind"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	a.idle.RecordActivity()
	if body.Kind == "session_start" {
		a.timeline.Append(timeline.EventSessionStart, map[string]interface{}{
			"session_id": body.SessionID,
		})
	} else {
		a.timeline.Append(timeline.EventMessage, map[string]interface{}{
			"session_id": body.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recorded": true})
}

// GET  /approvals            — list pending actions
// POST /approvals            — create a pending action
func (a *API) handleApprovals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending": a.approvals.ListPending(),
		})
	case http.MethodPost:
		var body struct {
			Method   string                 `json:"method"`
			Params   map[string]interface{} `json:"params"`
			Proposal string                 `json:"proposal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Method == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "method is required"})
			return
		}
		actionID, challenge, createdAt, expiry := a.approvals.CreatePending(body.Method, body.Params, body.Proposal)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"action_id":  actionID,
			"challenge":  challenge,
			"created_at": createdAt.UTC().Format(time.RFC3339),
			"expiry":     expiry.UTC().Format(time.RFC3339),
		})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /approvals/{id}/approve {challenge}
// POST /approvals/{id}/cancel
func (a *API) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/approvals/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	actionID, verb := parts[0], parts[1]

	switch verb {
	case "approve":
		var body struct {
			Challenge string `json:"challenge"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		approved, err := a.approvals.Approve(actionID, body.Challenge)
		switch {
		case errors.Is(err, approval.ErrNotFound), errors.Is(err, approval.ErrExpired):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, approval.ErrInvalidChallenge):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"method":     approved.Method,
				"params":     approved.Params,
				"created_at": approved.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	case "cancel":
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cancelled": a.approvals.Cancel(actionID),
		})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// GET /timeline/recent?n= — recent events for the surfaces.
func (a *API) handleTimelineRecent(w http.ResponseWriter, r *http.Request) {
	n := 20
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 500 {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": a.timeline.RecentEvents(n),
	})
}
