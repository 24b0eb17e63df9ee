package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/maintenance"
)

type statusView struct {
	Service         string                 `json:"service"`
	UptimeSeconds   int                    `json:"uptime_seconds"`
	PollInterval    int                    `json:"poll_interval"`
	MaintenanceMode bool                   `json:"maintenance_mode"`
	Services        map[string]statusEntry `json:"services"`
	Remediations    []remediation          `json:"recent_remediations"`
}

type statusEntry struct {
	Healthy             *bool  `json:"healthy"`
	LastCheck           string `json:"last_check,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	CanRemediate        bool   `json:"can_remediate"`
}

func (d *Doctor) buildStatus() statusView {
	d.mu.Lock()
	defer d.mu.Unlock()

	view := statusView{
		Service:         "gaia-doctor",
		UptimeSeconds:   int(time.Since(d.startedAt).Seconds()),
		PollInterval:    int(d.pollInterval.Seconds()),
		MaintenanceMode: maintenance.Active(d.sharedDir),
		Services:        make(map[string]statusEntry, len(d.services)),
	}
	for _, svc := range d.services {
		st := d.state[svc.Name]
		view.Services[svc.Name] = statusEntry{
			Healthy:             st.Healthy,
			LastCheck:           st.LastCheck,
			ConsecutiveFailures: d.consecutiveFailures[svc.Name],
			CanRemediate:        svc.CanRemediate,
		}
	}
	n := len(d.remediationLog)
	start := 0
	if n > 10 {
		start = n - 10
	}
	view.Remediations = append([]remediation{}, d.remediationLog[start:]...)
	return view
}

// writeStatus mirrors the current state to the shared status file. Failures
// are telemetry errors: logged and swallowed.
func (d *Doctor) writeStatus() {
	status := d.buildStatus()
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal status: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(d.statusFile), 0o755); err != nil {
		log.Printf("Failed to create status dir: %v", err)
		return
	}
	if err := os.WriteFile(d.statusFile, data, 0o644); err != nil {
		log.Printf("Failed to write status file: %v", err)
	}
}
