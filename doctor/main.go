// gaia-doctor — persistent HA watchdog process.
//
// Monitors GAIA service health and automatically restarts crashed or
// misconfigured HA candidates via docker compose with the HA overlay.
// Stands outside the process graph as an external supervisor: stdlib only,
// no queue or broker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/maintenance"
)

// Service is one monitored health endpoint. Only candidates are remediable:
// live services are the operator's to restart.
type Service struct {
	Name         string
	HealthURL    string
	CanRemediate bool
}

type serviceState struct {
	Healthy   *bool  `json:"healthy"`
	LastCheck string `json:"last_check,omitempty"`
}

type remediation struct {
	Service string `json:"service"`
	Time    string `json:"time"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Doctor polls critical services and remediates crashed candidates.
type Doctor struct {
	services         []Service
	pollInterval     time.Duration
	failureThreshold int
	restartCooldown  time.Duration
	sharedDir        string
	composeDir       string
	composeProject   string
	statusFile       string

	mu                  sync.Mutex
	state               map[string]*serviceState
	consecutiveFailures map[string]int
	lastRestart         map[string]time.Time
	remediationLog      []remediation
	startedAt           time.Time

	httpClient *http.Client
	// runCommand is an exec seam for tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func defaultServices() []Service {
	return []Service{
		{Name: "gaia-core", HealthURL: "http://gaia-core:6415/health", CanRemediate: false},
		{Name: "gaia-prime", HealthURL: "http://gaia-prime:7777/health", CanRemediate: false},
		{Name: "gaia-core-candidate", HealthURL: "http://gaia-core-candidate:6415/health", CanRemediate: true},
		{Name: "gaia-mcp-candidate", HealthURL: "http://gaia-mcp-candidate:8765/health", CanRemediate: true},
	}
}

func newDoctor() *Doctor {
	d := &Doctor{
		services:            defaultServices(),
		pollInterval:        time.Duration(envInt("POLL_INTERVAL", 60)) * time.Second,
		failureThreshold:    envInt("FAILURE_THRESHOLD", 2),
		restartCooldown:     time.Duration(envInt("RESTART_COOLDOWN", 300)) * time.Second,
		sharedDir:           envStr("SHARED_DIR", "/shared"),
		composeDir:          envStr("COMPOSE_DIR", "/compose"),
		composeProject:      envStr("COMPOSE_PROJECT_NAME", "gaia_project"),
		state:               make(map[string]*serviceState),
		consecutiveFailures: make(map[string]int),
		lastRestart:         make(map[string]time.Time),
		startedAt:           time.Now(),
		httpClient:          &http.Client{Timeout: 5 * time.Second},
	}
	d.statusFile = d.sharedDir + "/doctor/status.json"
	d.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	for _, svc := range d.services {
		d.state[svc.Name] = &serviceState{}
	}
	return d
}

// pollCycle runs one health check sweep across all services.
func (d *Doctor) pollCycle(ctx context.Context) {
	for _, svc := range d.services {
		healthy := d.checkHealth(ctx, svc.HealthURL)

		d.mu.Lock()
		st := d.state[svc.Name]
		st.LastCheck = time.Now().UTC().Format(time.RFC3339)

		if healthy {
			d.consecutiveFailures[svc.Name] = 0
			if st.Healthy != nil && !*st.Healthy {
				log.Printf("%s recovered", svc.Name)
			}
			yes := true
			st.Healthy = &yes
			d.mu.Unlock()
			continue
		}

		d.consecutiveFailures[svc.Name]++
		failures := d.consecutiveFailures[svc.Name]

		if failures < d.failureThreshold {
			d.mu.Unlock()
			log.Printf("%s failed check %d/%d", svc.Name, failures, d.failureThreshold)
			continue
		}

		if st.Healthy == nil || *st.Healthy {
			log.Printf("%s is DOWN (%d consecutive failures)", svc.Name, failures)
		}
		no := false
		st.Healthy = &no
		d.mu.Unlock()

		if svc.CanRemediate && d.needsRestart(ctx, svc.Name) {
			d.restartCandidate(ctx, svc.Name)
		}
	}
	d.writeStatus()
}

func (d *Doctor) checkHealth(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// needsRestart inspects the container; a running container under a
// self-healing restart policy is docker's problem, not ours.
func (d *Doctor) needsRestart(ctx context.Context, name string) bool {
	inspectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := d.runCommand(inspectCtx, "docker", "inspect", "--format",
		`{"status":"{{.State.Status}}","restart":"{{.HostConfig.RestartPolicy.Name}}","exit_code":{{.State.ExitCode}}}`,
		name)
	if err != nil {
		return true
	}
	var info struct {
		Status  string `json:"status"`
		Restart string `json:"restart"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &info); err != nil {
		return true
	}
	if info.Status != "running" {
		return true
	}
	return info.Restart != "unless-stopped" && info.Restart != "always"
}

// restartCandidate restarts an HA candidate via docker compose with the HA
// overlay, subject to the per-service cooldown and the maintenance flag.
// The cooldown applies whether or not the restart succeeded.
func (d *Doctor) restartCandidate(ctx context.Context, name string) bool {
	d.mu.Lock()
	last, ok := d.lastRestart[name]
	d.mu.Unlock()
	if ok {
		if elapsed := time.Since(last); elapsed < d.restartCooldown {
			log.Printf("Cooldown active for %s (%ds remaining), skipping restart",
				name, int((d.restartCooldown - elapsed).Seconds()))
			return false
		}
	}

	if maintenance.Active(d.sharedDir) {
		log.Printf("Maintenance mode active, skipping restart of %s", name)
		return false
	}

	log.Printf("REMEDIATION: restarting %s via HA compose overlay", name)
	cmdCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	out, err := d.runCommand(cmdCtx, "docker", "compose",
		"-p", d.composeProject,
		"-f", d.composeDir+"/docker-compose.candidate.yml",
		"-f", d.composeDir+"/docker-compose.ha.yml",
		"--profile", "ha",
		"up", "-d", name)

	d.mu.Lock()
	d.lastRestart[name] = time.Now()
	entry := remediation{
		Service: name,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Success: err == nil,
		Output:  truncate(strings.TrimSpace(string(out)), 500),
	}
	d.remediationLog = append(d.remediationLog, entry)
	if len(d.remediationLog) > 50 {
		d.remediationLog = d.remediationLog[1:]
	}
	d.mu.Unlock()

	if err != nil {
		log.Printf("Failed to restart %s: %v (%s)", name, err, truncate(string(out), 200))
		return false
	}
	log.Printf("Successfully restarted %s", name)
	return true
}

func (d *Doctor) run(ctx context.Context) {
	log.Printf("gaia-doctor starting (poll=%s, threshold=%d, cooldown=%s)",
		d.pollInterval, d.failureThreshold, d.restartCooldown)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.pollCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollCycle(ctx)
		}
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("Config: %s=%q is not an integer: %v", key, v, err)
	}
	return n
}

func main() {
	d := newDoctor()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "gaia-doctor"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.buildStatus())
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", envInt("HTTP_PORT", 6419)),
		Handler: mux,
	}
	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gaia-doctor: server failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	d.run(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
