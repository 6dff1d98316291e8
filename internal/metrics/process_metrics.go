package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often the child's resource usage is read.
const DefaultSampleInterval = 5 * time.Second

var (
	childCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the server child.",
		},
	)
	childMemoryRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size of the server child.",
		},
	)
	childNumThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "num_threads",
			Help:      "Number of threads of the server child.",
		},
	)
)

// ProcessMetrics holds CPU and memory usage for a single process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChildSampler periodically samples the resource usage of one process.
type ChildSampler struct {
	interval time.Duration

	mu   sync.RWMutex
	last *ProcessMetrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewChildSampler(interval time.Duration) *ChildSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &ChildSampler{interval: interval, stopCh: make(chan struct{})}
}

// Start samples pid every interval until ctx is done or Stop is called.
func (c *ChildSampler) Start(ctx context.Context, pid int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.sample(pid)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample(pid)
			}
		}
	}()
}

// Stop ends sampling and waits for the sampling goroutine.
func (c *ChildSampler) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Last returns the most recent sample, or nil before the first one.
func (c *ChildSampler) Last() *ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	m := *c.last
	return &m
}

func (c *ChildSampler) sample(pid int32) {
	m, err := getProcessMetrics(pid, time.Now())
	if err != nil {
		slog.Debug("Failed to collect metrics for child", "pid", pid, "error", err)
		return
	}
	c.mu.Lock()
	c.last = m
	c.mu.Unlock()

	if regOK.Load() {
		childCPUPercent.Set(m.CPUPercent)
		childMemoryRSS.Set(float64(m.MemoryRSS))
		childNumThreads.Set(float64(m.NumThreads))
	}
}

// getProcessMetrics retrieves CPU and memory metrics for a single process
func getProcessMetrics(pid int32, timestamp time.Time) (*ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}

	// The first call has no previous sample to compare against.
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}

	numThreads, err := proc.NumThreads()
	if err != nil {
		numThreads = 0
	}

	return &ProcessMetrics{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  timestamp,
	}, nil
}
