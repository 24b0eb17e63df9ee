package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/azraeltruthsay/gaia-sub003/notify"
	"github.com/azraeltruthsay/gaia-sub003/orchestrator/coordination"
	"github.com/azraeltruthsay/gaia-sub003/orchestrator/gpustate"
	"github.com/azraeltruthsay/gaia-sub003/timeline"
	"github.com/azraeltruthsay/gaia-sub003/watchdog"
)

func main() {
	cfg := LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Single-writer guard: with Redis configured, refuse to start if another
	// orchestrator holds the lease, and die if we ever lose it.
	if cfg.RedisAddr != "" {
		hostname, _ := os.Hostname()
		lease, err := coordination.Acquire(cfg.RedisAddr, hostname, 30*time.Second)
		if err != nil {
			log.Fatalf("gaia-orchestrator: %v", err)
		}
		lease.OnLost = func() {
			log.Fatalf("gaia-orchestrator: writer lease lost, exiting to protect state.json")
		}
		go lease.Run(ctx)
	} else {
		log.Printf("gaia-orchestrator: REDIS_ADDR unset, single-writer lease disabled (single-node mode)")
	}

	tl := timeline.NewStore(cfg.TimelineDir())

	state, err := gpustate.NewManager(cfg.StateFile(), tl)
	if err != nil {
		log.Fatalf("gaia-orchestrator: state init failed: %v", err)
	}
	go state.RunDeadlineTimer(ctx)

	hub := notify.NewHub()
	go hub.Run(ctx)

	wd := watchdog.New(watchdog.Config{
		Live:             cfg.LiveServices,
		Candidate:        cfg.CandidateService,
		Interval:         cfg.WatchdogInterval,
		FailureThreshold: cfg.FailureThreshold,
		SharedDir:        cfg.SharedDir,
	}, hub, tl)
	go wd.Run(ctx)

	api := NewAPI(cfg, state, wd, hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.handleHealth)
	mux.HandleFunc("/state", api.handleState)
	mux.HandleFunc("/gpu/sleep", api.handleGpuSleep)
	mux.HandleFunc("/gpu/wake", api.handleGpuWake)
	mux.HandleFunc("/handoff/start", api.handleHandoffStart)
	mux.HandleFunc("/handoff/advance", api.handleHandoffAdvance)
	mux.HandleFunc("/ha/status", api.handleHAStatus)
	mux.HandleFunc("/ha/notifications", hub.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Printf("gaia-orchestrator: shutdown signal received")
		server.Shutdown(context.Background())
	}()

	log.Printf("gaia-orchestrator listening on :%d (state=%s, watchdog=%s/threshold %d)",
		cfg.Port, cfg.StateFile(), cfg.WatchdogInterval, cfg.FailureThreshold)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gaia-orchestrator: server failed: %v", err)
	}
}
