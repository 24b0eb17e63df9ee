package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/haclient"
	"github.com/azraeltruthsay/gaia-sub003/notify"
	"github.com/azraeltruthsay/gaia-sub003/orchestrator/gpustate"
	"github.com/azraeltruthsay/gaia-sub003/watchdog"
)

// API is the gaia-orchestrator HTTP surface.
type API struct {
	cfg      *Config
	state    *gpustate.Manager
	watchdog *watchdog.Watchdog
	hub      *notify.Hub
	core     *haclient.Client
}

func NewAPI(cfg *Config, state *gpustate.Manager, wd *watchdog.Watchdog, hub *notify.Hub) *API {
	return &API{
		cfg:      cfg,
		state:    state,
		watchdog: wd,
		hub:      hub,
		core:     haclient.NewCoreClient(),
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}

// GET /health
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gaia-orchestrator",
	})
}

// GET /state — full PersistentState snapshot.
func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Snapshot())
}

// POST /gpu/sleep {reason}
func (a *API) handleGpuSleep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "unspecified"
	}

	snapshot, err := a.state.GpuSleep(body.Reason)
	if errors.Is(err, gpustate.ErrHandoffActive) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// POST /gpu/wake {} — boots the live Prime service and marks it owner once
// its health endpoint answers 200. If the boot deadline passes first, the
// wake fails and the owner is left unchanged.
func (a *API) handleGpuWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := a.state.GpuWake(r.Context(), a.bootPrime)
	switch {
	case errors.Is(err, gpustate.ErrHandoffActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, gpustate.ErrVerifyFailed):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"state": snapshot,
		})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, snapshot)
	}
}

// bootPrime starts the live Prime container and waits for its health
// endpoint, bounded by the boot deadline.
func (a *API) bootPrime(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.PrimeBootDeadline)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "compose",
		"-p", a.cfg.ComposeProject,
		"-f", a.cfg.ComposeDir+"/docker-compose.yml",
		"up", "-d", "gaia-prime")
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("Orchestrator: prime compose up failed: %v (%s)", err, truncate(string(out), 200))
		// Fall through to the health wait: the container may already be up.
	}

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.PrimeHealthURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("prime health at %s did not pass before deadline", a.cfg.PrimeHealthURL)
		case <-ticker.C:
		}
	}
}

// POST /handoff/start {type, source, destination}
func (a *API) handleHandoffStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Type        string `json:"type"`
		Source      string `json:"source"`
		Destination string `json:"destination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}

	h, err := a.state.StartHandoff(gpustate.HandoffType(body.Type), body.Source, body.Destination)
	if errors.Is(err, gpustate.ErrHandoffActive) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Study handoffs drive core's DREAMING state. Best-effort: the handoff
	// proceeds even if core is unreachable.
	switch h.HandoffType {
	case gpustate.HandoffPrimeToStudy:
		go a.notifyCoreStudyHandoff("prime_to_study", h.HandoffID)
	case gpustate.HandoffStudyToPrime:
		go a.notifyCoreStudyHandoff("study_to_prime", h.HandoffID)
	}

	writeJSON(w, http.StatusOK, h)
}

// notifyCoreStudyHandoff tells gaia-core to enter or exit DREAMING. Routed
// through the HA client so a core restart mid-handoff fails over to the
// candidate.
func (a *API) notifyCoreStudyHandoff(direction, handoffID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := a.core.Post(ctx, "/sleep/study-handoff", map[string]string{
		"direction":  direction,
		"handoff_id": handoffID,
	})
	if err != nil {
		log.Printf("Orchestrator: study-handoff notify (%s) failed: %v", direction, err)
	}
}

// POST /handoff/advance {handoff_id, phase}
func (a *API) handleHandoffAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		HandoffID string `json:"handoff_id"`
		Phase     string `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.HandoffID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "handoff_id is required"})
		return
	}

	h, err := a.state.AdvanceHandoff(body.HandoffID, gpustate.Phase(body.Phase))
	switch {
	case errors.Is(err, gpustate.ErrNoSuchHandoff):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, gpustate.ErrBadPhase):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, h)
	}
}

// GET /ha/status — health watchdog surface.
func (a *API) handleHAStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.watchdog.GetStatus())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
