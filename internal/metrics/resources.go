package metrics

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the engine process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig controls periodic sampling of the engine process.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceCollector samples CPU and memory of whichever pid the supplied
// function reports. Gauges are cleared when the pid goes away.
type ResourceCollector struct {
	interval time.Duration

	mu     sync.RWMutex
	last   Sample
	handle *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     prometheus.Gauge
	rss     prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge
}

func NewResourceCollector(cfg ResourceConfig) *ResourceCollector {
	iv := cfg.Interval
	if iv <= 0 {
		iv = 10 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "gridvisor", Subsystem: "engine", Name: name, Help: help})
	}
	return &ResourceCollector{
		interval: iv,
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage of the engine process."),
		rss:      gauge("memory_rss_bytes", "Resident memory of the engine process."),
		threads:  gauge("threads", "Thread count of the engine process."),
		fds:      gauge("open_fds", "Open file descriptors of the engine process."),
	}
}

// Register adds the collector's gauges to r. Gauges already registered by an
// earlier collector are taken over.
func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, g := range []*prometheus.Gauge{&c.cpu, &c.rss, &c.threads, &c.fds} {
		if err := r.Register(*g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
			existing, ok := are.ExistingCollector.(prometheus.Gauge)
			if !ok {
				return err
			}
			*g = existing
		}
	}
	return nil
}

// Start samples every interval until ctx ends or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, pid func() int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.Collect(ctx, pid())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of pid. A pid of zero or a vanished process
// resets the gauges.
func (c *ResourceCollector) Collect(ctx context.Context, pid int32) {
	if pid <= 0 {
		c.reset()
		return
	}
	c.mu.Lock()
	// Percent keeps the previous CPU times on the handle; the first sample of a
	// new pid reads 0 and later ones cover the time since the last sample.
	if c.handle == nil || c.handle.Pid != pid {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			c.mu.Unlock()
			c.reset()
			return
		}
		c.handle = p
	}
	p := c.handle
	c.mu.Unlock()

	s := Sample{PID: pid, Timestamp: time.Now()}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		slog.Debug("engine memory sample failed", "pid", pid, "error", err)
		c.reset()
		return
	}
	s.MemoryRSS, s.MemoryVMS = mem.RSS, mem.VMS
	if v, err := p.PercentWithContext(ctx, 0); err == nil {
		s.CPUPercent = v
	}
	if v, err := p.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = v
	}
	if runtime.GOOS != "windows" {
		if v, err := p.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = v
		}
	}

	c.cpu.Set(s.CPUPercent)
	c.rss.Set(float64(s.MemoryRSS))
	c.threads.Set(float64(s.NumThreads))
	c.fds.Set(float64(s.NumFDs))
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}

// Last returns the most recent sample; PID is zero when none is current.
func (c *ResourceCollector) Last() Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *ResourceCollector) reset() {
	c.mu.Lock()
	c.handle = nil
	c.last = Sample{}
	c.mu.Unlock()
	c.cpu.Set(0)
	c.rss.Set(0)
	c.threads.Set(0)
	c.fds.Set(0)
}
