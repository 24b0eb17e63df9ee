package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CurrentState tracks the sleep/wake state machine (1 = current state).
	CurrentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_state",
		Help: "Current sleep/wake state (1 = active state)",
	}, []string{"state"})

	// StateTransitions counts state machine transitions by edge.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_state_transitions_total",
		Help: "Total sleep/wake state transitions",
	}, []string{"from", "to"})

	// WakeSignals counts received wake signals by source.
	WakeSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_wake_signals_total",
		Help: "Total wake signals received",
	}, []string{"source"})

	// SleepTaskRuns counts sleep task executions by task and result.
	SleepTaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_sleep_task_runs_total",
		Help: "Total sleep task executions",
	}, []string{"task", "result"})

	// SleepTaskDuration tracks sleep task execution time.
	SleepTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gaia_sleep_task_duration_seconds",
		Help:    "Sleep task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to 512s (~8.5min)
	})

	// HAStatus tracks the computed HA status (1 = current status).
	HAStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_ha_status",
		Help: "Current HA status (1 = current status)",
	}, []string{"status"})

	// WatchdogFailures counts consecutive health-check failures per service.
	WatchdogFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_watchdog_consecutive_failures",
		Help: "Consecutive health check failures per service",
	}, []string{"service"})

	// WatchdogSweeps counts completed watchdog poll sweeps.
	WatchdogSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_watchdog_sweeps_total",
		Help: "Total health watchdog poll sweeps completed",
	})

	// FailoverAttempts counts HA client fallback attempts by outcome.
	FailoverAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_ha_fallback_attempts_total",
		Help: "HA client fallback attempts",
	}, []string{"service", "result"})

	// GPUOwner tracks the current GPU owner (1 = current owner).
	GPUOwner = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gaia_gpu_owner",
		Help: "Current GPU owner (1 = current owner)",
	}, []string{"owner"})

	// Handoffs counts completed GPU handoffs by type and result.
	Handoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_gpu_handoffs_total",
		Help: "Total GPU handoffs by type and terminal phase",
	}, []string{"type", "result"})

	// PendingApprovals tracks the number of unexpired pending actions.
	PendingApprovals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaia_pending_approvals",
		Help: "Current number of pending approval actions",
	})

	// TimelineAppendFailures counts swallowed timeline write errors.
	TimelineAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_timeline_append_failures_total",
		Help: "Timeline append failures (logged and swallowed)",
	})

	// TimelineArchiveFailures counts swallowed Postgres archive errors.
	TimelineArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gaia_timeline_archive_failures_total",
		Help: "Timeline Postgres archive failures (logged and swallowed)",
	})

	// APIRateLimited tracks requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gaia_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// NotificationClients tracks connected notification subscribers.
	NotificationClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaia_notification_clients",
		Help: "Current number of connected notification subscribers",
	})

	// Distracted tracks whether sustained host load is detected (0/1).
	Distracted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gaia_distracted",
		Help: "Sustained host load detected (1 = distracted)",
	})
)
