// Package watchdog polls live and candidate service health and computes the
// HA status that steers failover routing.
//
// A service is marked unhealthy only after FAILURE_THRESHOLD consecutive
// failed probes, so a single blip never flaps the HA status. Status
// transitions are broadcast through the notification hub and appended to
// the timeline.
package watchdog

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/maintenance"
	"github.com/azraeltruthsay/gaia-sub003/notify"
	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// Status is the HA posture derived from live + candidate health plus the
// maintenance flag.
type Status int

const (
	StatusActive Status = iota
	StatusDegraded
	StatusFailoverActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDegraded:
		return "degraded"
	case StatusFailoverActive:
		return "failover_active"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Service is one polled health endpoint.
type Service struct {
	Name      string
	HealthURL string
}

// Notifier receives HA transition broadcasts.
type Notifier interface {
	Broadcast(n notify.Notification)
}

// Recorder receives timeline events.
type Recorder interface {
	Append(eventType string, data map[string]interface{})
}

// Config for a Watchdog.
type Config struct {
	Live             []Service
	Candidate        []Service
	Interval         time.Duration // default 30s
	ProbeTimeout     time.Duration // default 5s
	FailureThreshold int           // default 2
	SharedDir        string
}

// Watchdog polls registered services and maintains the HA status.
type Watchdog struct {
	cfg      Config
	notifier Notifier
	recorder Recorder

	mu                  sync.RWMutex
	liveHealthy         map[string]bool
	candidateHealthy    map[string]bool
	consecutiveFailures map[string]int
	lastCheck           map[string]time.Time
	status              Status

	httpClient *http.Client
}

// New creates a watchdog. Initial HA status is DEGRADED until the first
// sweep completes.
func New(cfg Config, notifier Notifier, recorder Recorder) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}

	w := &Watchdog{
		cfg:                 cfg,
		notifier:            notifier,
		recorder:            recorder,
		liveHealthy:         make(map[string]bool),
		candidateHealthy:    make(map[string]bool),
		consecutiveFailures: make(map[string]int),
		lastCheck:           make(map[string]time.Time),
		status:              StatusDegraded,
		httpClient:          &http.Client{Timeout: cfg.ProbeTimeout},
	}
	// Optimistic until the debounce says otherwise.
	for _, svc := range cfg.Live {
		w.liveHealthy[svc.Name] = true
	}
	for _, svc := range cfg.Candidate {
		w.candidateHealthy[svc.Name] = true
	}
	return w
}

// Run polls until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	log.Printf("Watchdog: starting (interval=%s, threshold=%d, %d live, %d candidate)",
		w.cfg.Interval, w.cfg.FailureThreshold, len(w.cfg.Live), len(w.cfg.Candidate))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep polls every registered service once and re-evaluates the HA status.
func (w *Watchdog) Sweep(ctx context.Context) {
	for _, svc := range w.cfg.Live {
		w.pollService(ctx, svc, w.liveHealthy)
	}
	for _, svc := range w.cfg.Candidate {
		w.pollService(ctx, svc, w.candidateHealthy)
	}
	w.evaluateHAStatus()
	observability.WatchdogSweeps.Inc()
}

func (w *Watchdog) pollService(ctx context.Context, svc Service, healthyMap map[string]bool) {
	ok := w.checkHealth(ctx, svc.HealthURL)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastCheck[svc.Name] = time.Now().UTC()

	if ok {
		w.consecutiveFailures[svc.Name] = 0
		if !healthyMap[svc.Name] {
			log.Printf("Watchdog: %s recovered", svc.Name)
		}
		healthyMap[svc.Name] = true
	} else {
		w.consecutiveFailures[svc.Name]++
		failures := w.consecutiveFailures[svc.Name]
		if failures >= w.cfg.FailureThreshold {
			if healthyMap[svc.Name] {
				log.Printf("Watchdog: %s is DOWN (%d consecutive failures)", svc.Name, failures)
			}
			healthyMap[svc.Name] = false
		} else {
			log.Printf("Watchdog: %s failed check %d/%d", svc.Name, failures, w.cfg.FailureThreshold)
		}
	}
	observability.WatchdogFailures.WithLabelValues(svc.Name).Set(float64(w.consecutiveFailures[svc.Name]))
}

func (w *Watchdog) checkHealth(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// evaluateHAStatus recomputes the status from current health and the
// maintenance flag, broadcasting on change.
func (w *Watchdog) evaluateHAStatus() {
	w.mu.Lock()

	liveOK := allHealthy(w.liveHealthy)
	candidateOK := allHealthy(w.candidateHealthy)

	var next Status
	if maintenance.Active(w.cfg.SharedDir) {
		// Maintenance overrides candidate health entirely.
		if liveOK {
			next = StatusActive
		} else {
			next = StatusFailed
		}
	} else {
		switch {
		case liveOK && candidateOK:
			next = StatusActive
		case liveOK && !candidateOK:
			next = StatusDegraded
		case !liveOK && candidateOK:
			next = StatusFailoverActive
		default:
			next = StatusFailed
		}
	}

	old := w.status
	w.status = next
	w.mu.Unlock()

	for _, s := range []Status{StatusActive, StatusDegraded, StatusFailoverActive, StatusFailed} {
		val := 0.0
		if s == next {
			val = 1.0
		}
		observability.HAStatus.WithLabelValues(s.String()).Set(val)
	}

	if old == next {
		return
	}

	log.Printf("Watchdog: HA status %s -> %s", old, next)
	data := map[string]interface{}{
		"old_status": old.String(),
		"new_status": next.String(),
	}
	if w.notifier != nil {
		w.notifier.Broadcast(notify.NewNotification("ha_status_change", data))
	}
	if w.recorder != nil {
		w.recorder.Append("ha_transition", data)
	}
}

// StatusView is the contract served on /ha/status.
type StatusView struct {
	HAStatus            string            `json:"ha_status"`
	Live                map[string]string `json:"live"`
	Candidate           map[string]string `json:"candidate"`
	ConsecutiveFailures map[string]int    `json:"consecutive_failures"`
}

// GetStatus returns the HA status plus per-service health.
func (w *Watchdog) GetStatus() StatusView {
	w.mu.RLock()
	defer w.mu.RUnlock()

	view := StatusView{
		HAStatus:            w.status.String(),
		Live:                make(map[string]string, len(w.liveHealthy)),
		Candidate:           make(map[string]string, len(w.candidateHealthy)),
		ConsecutiveFailures: make(map[string]int, len(w.consecutiveFailures)),
	}
	for name, ok := range w.liveHealthy {
		view.Live[name] = healthWord(ok)
	}
	for name, ok := range w.candidateHealthy {
		view.Candidate[name] = healthWord(ok)
	}
	for name, n := range w.consecutiveFailures {
		view.ConsecutiveFailures[name] = n
	}
	return view
}

// CurrentStatus returns the computed HA status.
func (w *Watchdog) CurrentStatus() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func allHealthy(m map[string]bool) bool {
	for _, ok := range m {
		if !ok {
			return false
		}
	}
	return true
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}
