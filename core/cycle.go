package main

import (
	"context"
	"log"
	"time"

	"github.com/azraeltruthsay/gaia-sub003/core/monitor"
	"github.com/azraeltruthsay/gaia-sub003/core/sleeptask"
	"github.com/azraeltruthsay/gaia-sub003/core/sleepwake"
	"github.com/azraeltruthsay/gaia-sub003/haclient"
)

const (
	pollIntervalActive     = 10 * time.Second
	pollIntervalAsleep     = 2 * time.Second // react fast to wake signals
	distractedRecheckEvery = 5 * time.Minute
	errorCooldown          = 15 * time.Second
	gpuSleepTimeout        = 60 * time.Second
	gpuWakeTimeout         = 180 * time.Second // Prime boot + health check
)

// GPUGateway asks the orchestrator to release or reclaim the GPU. Failures
// are non-fatal: state transitions proceed without the GPU change.
type GPUGateway interface {
	ReleaseForSleep(ctx context.Context, reason string) error
	ReclaimForWake(ctx context.Context) error
}

// orchestratorGateway implements GPUGateway over the HA client.
type orchestratorGateway struct {
	client *haclient.Client
}

func newOrchestratorGateway() *orchestratorGateway {
	return &orchestratorGateway{
		client: haclient.NewOrchestratorClient(),
	}
}

func (g *orchestratorGateway) ReleaseForSleep(ctx context.Context, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, gpuSleepTimeout)
	defer cancel()
	_, err := g.client.Post(ctx, "/gpu/sleep", map[string]string{"reason": reason})
	return err
}

func (g *orchestratorGateway) ReclaimForWake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, gpuWakeTimeout)
	defer cancel()
	_, err := g.client.Post(ctx, "/gpu/wake", map[string]string{})
	return err
}

// presenceSurface is the subset of Presence the loop uses.
type presenceSurface interface {
	Update(activity, status string)
	Sleeping(activity string)
	Busy(activity string)
	Offline()
	Reset()
}

// idleSource reports minutes since the last recorded activity.
type idleSource interface {
	IdleMinutes() float64
}

// CycleLoop is the long-lived worker that reads idle/resource signals,
// drives the state machine, runs sleep tasks and reconciles the GPU.
type CycleLoop struct {
	manager   *sleepwake.Manager
	scheduler *sleeptask.Scheduler
	idle      idleSource
	resources *monitor.ResourceMonitor
	gpu       GPUGateway
	presence  presenceSurface

	lastDistractedRecheck time.Time
}

func NewCycleLoop(
	manager *sleepwake.Manager,
	scheduler *sleeptask.Scheduler,
	idle idleSource,
	resources *monitor.ResourceMonitor,
	gpu GPUGateway,
	presence presenceSurface,
) *CycleLoop {
	return &CycleLoop{
		manager:   manager,
		scheduler: scheduler,
		idle:      idle,
		resources: resources,
		gpu:       gpu,
		presence:  presence,
	}
}

// Run drives the state machine until shutdown. Every tick is contained: an
// error or panic logs and sleeps a longer cooldown rather than killing the
// loop.
func (l *CycleLoop) Run(ctx context.Context) {
	log.Printf("SleepCycle: loop started")
	for {
		state := l.manager.GetState()
		if state == sleepwake.StateOffline {
			log.Printf("SleepCycle: state is offline, loop exiting")
			return
		}

		if err := l.safeTick(ctx, state); err != nil {
			log.Printf("SleepCycle: tick error: %v", err)
			if !sleepCtx(ctx, errorCooldown) {
				return
			}
			continue
		}

		// Poll faster when asleep to react quickly to wake signals.
		interval := pollIntervalActive
		switch l.manager.GetState() {
		case sleepwake.StateAsleep, sleepwake.StateDistracted:
			interval = pollIntervalAsleep
		}
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

// Shutdown transitions to OFFLINE; the loop exits on its next pass.
func (l *CycleLoop) Shutdown() {
	l.manager.InitiateOffline()
	l.presence.Offline()
}

func (l *CycleLoop) safeTick(ctx context.Context, state sleepwake.State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tickPanic{value: r}
		}
	}()

	switch state {
	case sleepwake.StateActive:
		l.handleActive(ctx)
	case sleepwake.StateAsleep:
		l.handleAsleep(ctx)
	case sleepwake.StateDreaming:
		// Driven entirely by orchestrator HTTP calls.
		l.presence.Busy("studying...")
	case sleepwake.StateDistracted:
		l.handleDistracted()
	}
	// DROWSY resolves inside InitiateDrowsy; nothing to do here.
	return nil
}

type tickPanic struct{ value interface{} }

func (p *tickPanic) Error() string { return "tick panicked" }

func (l *CycleLoop) handleActive(ctx context.Context) {
	idleMinutes := l.idle.IdleMinutes()
	if !l.manager.ShouldTransitionToDrowsy(idleMinutes) {
		return
	}

	log.Printf("SleepCycle: idle for %.1f min, entering drowsy", idleMinutes)
	l.presence.Update("drifting off...", "")

	if l.manager.InitiateDrowsy() {
		// Grace window completed: release the GPU and settle into sleep.
		if err := l.gpu.ReleaseForSleep(ctx, "sleep_cycle"); err != nil {
			log.Printf("SleepCycle: orchestrator unreachable, sleeping without GPU release: %v", err)
		}
		l.presence.Sleeping("sleeping...")
	} else {
		// Cancelled by a wake signal: back to the dynamic idle status.
		l.presence.Reset()
	}
}

func (l *CycleLoop) handleAsleep(ctx context.Context) {
	switch l.manager.GetPhase() {
	case sleepwake.PhaseFinishingTask:
		// Transition to WAKING once the non-interruptible task finishes.
		if l.manager.CurrentTaskInfo() == nil {
			l.manager.TransitionToWaking()
		}
		return

	case sleepwake.PhaseWaking:
		l.presence.Update("waking up...", "")
		if err := l.gpu.ReclaimForWake(ctx); err != nil {
			log.Printf("SleepCycle: GPU wake failed, staying CPU-only: %v", err)
		}
		result := l.manager.CompleteWake()
		if result.CheckpointLoaded {
			log.Printf("SleepCycle: context restored from checkpoint")
		}
		l.presence.Reset()
		return
	}

	if l.manager.WakeSignalPending() {
		l.manager.RequestWakeFromSleep()
		return
	}

	if l.resources != nil && l.resources.IsDistracted() {
		l.manager.EnterDistracted()
		l.presence.Busy("occupied...")
		return
	}

	task := l.scheduler.GetNextTask()
	if task == nil {
		return
	}

	l.manager.SetCurrentTask(task.TaskID, task.Interruptible)
	l.presence.Sleeping("sleeping: " + task.TaskType)
	l.scheduler.ExecuteTask(task)
	l.manager.ClearCurrentTask()

	// After each task, service any wake signal that arrived mid-task.
	if l.manager.WakeSignalPending() {
		l.manager.RequestWakeFromSleep()
	}
}

func (l *CycleLoop) handleDistracted() {
	if time.Since(l.lastDistractedRecheck) < distractedRecheckEvery {
		return
	}
	l.lastDistractedRecheck = time.Now()

	if l.resources == nil || l.resources.CheckAndClearDistracted() {
		l.manager.ExitDistracted()
		l.presence.Sleeping("sleeping...")
	}
}

// sleepCtx sleeps d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
