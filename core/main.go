package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azraeltruthsay/gaia-sub003/approval"
	"github.com/azraeltruthsay/gaia-sub003/core/monitor"
	"github.com/azraeltruthsay/gaia-sub003/core/sleeptask"
	"github.com/azraeltruthsay/gaia-sub003/core/sleepwake"
	"github.com/azraeltruthsay/gaia-sub003/haclient"
	"github.com/azraeltruthsay/gaia-sub003/timeline"
)

func main() {
	cfg := LoadConfig()

	tl := timeline.NewStore(timelineDir(cfg))
	if cfg.TimelinePGDSN != "" {
		archiver, err := timeline.NewPGArchiver(context.Background(), cfg.TimelinePGDSN)
		if err != nil {
			// The JSONL files are the canonical store; a dead archive
			// backend degrades, it does not abort boot.
			log.Printf("Timeline: Postgres archive unavailable, continuing without: %v", err)
		} else {
			defer archiver.Close()
			tl.SetArchiver(archiver)
			log.Printf("Timeline: archiving events to Postgres")
		}
	}

	manager := sleepwake.NewManager(sleepwake.Config{
		Enabled:              cfg.SleepEnabled,
		IdleThresholdMinutes: cfg.IdleThresholdMinutes,
		GraceWindow:          cfg.GraceWindow,
	}, tl)
	manager.SetCheckpointProbe(func() bool {
		return tl.LastEventOfType(timeline.EventCheckpoint) != nil
	})

	approvals := approval.NewStore(approval.DefaultTTL)

	scheduler := sleeptask.NewScheduler()
	scheduler.SetRecorder(tl)
	registerBuiltinTasks(scheduler, taskDeps{
		cfg:       cfg,
		timeline:  tl,
		approvals: approvals,
		mcp:       haclient.NewMCPClient(),
	})

	idle := monitor.NewIdleMonitor()

	var samplers []monitor.Sampler
	if cpu, err := monitor.NewCPUSampler(); err == nil {
		samplers = append(samplers, cpu)
	} else {
		log.Printf("ResourceMonitor: /proc unavailable, CPU sampling disabled: %v", err)
	}
	if monitor.GPUAvailable() {
		samplers = append(samplers, monitor.GPUSampler{})
	}
	resources := monitor.NewResourceMonitor(samplers...)

	presence := NewPresence(cfg.WebURL)
	loop := NewCycleLoop(manager, scheduler, idle, resources, newOrchestratorGateway(), presence)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go resources.Run(ctx)
	go loop.Run(ctx)

	api := NewAPI(manager, scheduler, loop, idle, approvals, tl)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/sleep/wake", api.handleWake)
	mux.HandleFunc("/sleep/status", api.handleSleepStatus)
	mux.HandleFunc("/sleep/study-handoff", api.handleStudyHandoff)
	mux.HandleFunc("/sleep/distracted-check", api.handleDistractedCheck)
	mux.HandleFunc("/sleep/shutdown", api.handleShutdown)
	mux.HandleFunc("/sleep/tasks", api.handleSleepTasks)
	mux.HandleFunc("/session/activity", api.handleActivity)
	mux.HandleFunc("/approvals", api.handleApprovals)
	mux.HandleFunc("/approvals/", api.handleApprovalAction)
	mux.HandleFunc("/timeline/recent", api.handleTimelineRecent)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Printf("gaia-core: shutdown signal received")
		loop.Shutdown()
		server.Shutdown(context.Background())
	}()

	log.Printf("gaia-core listening on :%d (sleep_enabled=%v, idle_threshold=%.1fmin, grace=%s)",
		cfg.Port, cfg.SleepEnabled, cfg.IdleThresholdMinutes, cfg.GraceWindow)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gaia-core: server failed: %v", err)
	}
}
