// Package monitor provides the idle and host-load signals that drive the
// sleep/wake state machine.
//
// The resource monitor samples CPU utilization from /proc and, when an
// NVIDIA GPU is present, GPU utilization via nvidia-smi. Sustained load above
// the distracted threshold marks the host as contended: GAIA should stay
// quiet instead of competing for compute.
package monitor

import (
	"context"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/azraeltruthsay/gaia-sub003/observability"
)

// Sampler reports one utilization reading in percent.
type Sampler interface {
	Sample() (float64, error)
}

// CPUSampler computes busy percentage from consecutive /proc/stat readings.
type CPUSampler struct {
	fs        procfs.FS
	prevIdle  float64
	prevTotal float64
	primed    bool
}

// NewCPUSampler opens /proc. Returns an error where procfs is unavailable
// (non-Linux dev hosts); callers treat a missing sampler as load 0.
func NewCPUSampler() (*CPUSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &CPUSampler{fs: fs}, nil
}

func (c *CPUSampler) Sample() (float64, error) {
	stat, err := c.fs.Stat()
	if err != nil {
		return 0, err
	}
	cpu := stat.CPUTotal
	idle := cpu.Idle + cpu.Iowait
	total := cpu.User + cpu.Nice + cpu.System + cpu.Idle + cpu.Iowait +
		cpu.IRQ + cpu.SoftIRQ + cpu.Steal

	defer func() {
		c.prevIdle = idle
		c.prevTotal = total
		c.primed = true
	}()

	if !c.primed || total <= c.prevTotal {
		return 0, nil
	}
	dTotal := total - c.prevTotal
	dIdle := idle - c.prevIdle
	return 100 * (dTotal - dIdle) / dTotal, nil
}

// GPUSampler reads utilization from nvidia-smi.
type GPUSampler struct{}

func (GPUSampler) Sample() (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, err
	}
	// First GPU only.
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return strconv.ParseFloat(line, 64)
}

// GPUAvailable probes for a working nvidia-smi.
func GPUAvailable() bool {
	_, err := (GPUSampler{}).Sample()
	return err == nil
}

// ResourceMonitor tracks sustained host load for distracted detection.
type ResourceMonitor struct {
	samplers []Sampler

	pollInterval        time.Duration
	distractedThreshold float64
	sustainWindow       time.Duration

	mu             sync.Mutex
	distracted     bool
	sustainedSince time.Time
	lastPeak       float64

	sleep func(time.Duration) // test hook
}

// NewResourceMonitor builds a monitor over the given samplers. A nil or
// empty sampler list disables distracted detection (load always 0).
func NewResourceMonitor(samplers ...Sampler) *ResourceMonitor {
	return &ResourceMonitor{
		samplers:            samplers,
		pollInterval:        5 * time.Second,
		distractedThreshold: 25.0,
		sustainWindow:       5 * time.Second,
		sleep:               time.Sleep,
	}
}

// Run polls until ctx is done.
func (m *ResourceMonitor) Run(ctx context.Context) {
	if len(m.samplers) == 0 {
		log.Printf("ResourceMonitor: no samplers available, distracted detection disabled")
		return
	}
	log.Printf("ResourceMonitor: started (%d samplers, threshold %.0f%%)",
		len(m.samplers), m.distractedThreshold)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(m.peakSample())
		}
	}
}

// peakSample returns the max reading across samplers. A failing sampler
// contributes 0.
func (m *ResourceMonitor) peakSample() float64 {
	peak := 0.0
	for _, s := range m.samplers {
		v, err := s.Sample()
		if err != nil {
			continue
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}

// observe feeds one reading into the sustained-load tracker.
func (m *ResourceMonitor) observe(peak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPeak = peak
	if peak >= m.distractedThreshold {
		if m.sustainedSince.IsZero() {
			m.sustainedSince = time.Now()
		} else if time.Since(m.sustainedSince) >= m.sustainWindow {
			if !m.distracted {
				log.Printf("ResourceMonitor: sustained load %.0f%% — marking distracted", peak)
				observability.Distracted.Set(1)
			}
			m.distracted = true
		}
	} else {
		// Distracted is cleared only by CheckAndClearDistracted, which
		// verifies a full quiet window.
		m.sustainedSince = time.Time{}
	}
}

// IsDistracted reports whether sustained load has been detected.
func (m *ResourceMonitor) IsDistracted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.distracted
}

// CheckAndClearDistracted takes 3 samples over ~3s and clears the distracted
// flag only if all are below threshold. Returns true if clear.
func (m *ResourceMonitor) CheckAndClearDistracted() bool {
	m.mu.Lock()
	if !m.distracted {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	for i := 0; i < 3; i++ {
		if m.peakSample() >= m.distractedThreshold {
			return false
		}
		m.sleep(1 * time.Second)
	}

	m.mu.Lock()
	m.distracted = false
	m.sustainedSince = time.Time{}
	m.mu.Unlock()
	observability.Distracted.Set(0)
	log.Printf("ResourceMonitor: load subsided — distracted cleared")
	return true
}
