// Package metrics samples host and process load while a long job runs, so
// the log shows whether a slow pass was CPU, memory or disk bound.
package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/progress"
)

// Sample is one reading of the system
type Sample struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // per core, can exceed 100
	IOWaitPercent     float64
	ProcessRSS        uint64
	MemoryUsed        uint64
	MemoryTotal       uint64
	MemoryPercent     float64
	DiskReadRate      float64 // bytes per second
	DiskWriteRate     float64
	DiskBusyPercent   float64
	Timestamp         time.Time
}

// Peak holds the highest readings seen over a collector's life
type Peak struct {
	ProcessCPUPercent float64
	ProcessRSS        uint64
	MemoryPercent     float64
}

func (p *Peak) observe(s *Sample) {
	p.ProcessCPUPercent = max(p.ProcessCPUPercent, s.ProcessCPUPercent)
	p.ProcessRSS = max(p.ProcessRSS, s.ProcessRSS)
	p.MemoryPercent = max(p.MemoryPercent, s.MemoryPercent)
}

// Collector samples on an interval and logs every sample
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time
	lastCPU      cpu.TimesStat
	hasCPU       bool

	mu   sync.RWMutex
	last *Sample
	peak Peak
}

// NewCollector creates a collector. Intervals under a second are raised
// to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the disk and cpu baselines
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Snapshot returns the last sample, or nil before the first
func (c *Collector) Snapshot() *Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Peak returns the highest readings so far
func (c *Collector) Peak() Peak {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peak
}

func (c *Collector) collect() {
	s := &Sample{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
		if mi, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSS = mi.RSS
		}
	}
	if times, err := cpu.Times(false); err == nil && len(times) > 0 {
		if c.hasCPU {
			s.IOWaitPercent = ioWait(c.lastCPU, times[0])
		}
		c.lastCPU, c.hasCPU = times[0], true
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vmem.UsedPercent
		s.MemoryUsed = vmem.Used
		s.MemoryTotal = vmem.Total
	}
	if counters, err := disk.IOCounters(); err == nil {
		now := time.Now()
		if c.lastDisk != nil {
			s.DiskReadRate, s.DiskWriteRate, s.DiskBusyPercent = diskRates(c.lastDisk, counters, now.Sub(c.lastDiskTime))
		}
		c.lastDisk, c.lastDiskTime = counters, now
	}

	c.mu.Lock()
	c.last = s
	c.peak.observe(s)
	c.mu.Unlock()

	c.logger.Info("system metrics",
		zap.Float64("sys_cpu", s.CPUPercent),
		zap.Float64("proc_cpu", s.ProcessCPUPercent),
		zap.Float64("iowait", s.IOWaitPercent),
		zap.String("rss", progress.FormatBytes(int64(s.ProcessRSS))),
		zap.Float64("mem_pct", s.MemoryPercent),
		zap.String("disk_r", progress.FormatThroughput(s.DiskReadRate)),
		zap.String("disk_w", progress.FormatThroughput(s.DiskWriteRate)),
		zap.Float64("disk_busy", s.DiskBusyPercent),
	)
}

// ioWait is the share of cpu time between two readings spent waiting on I/O
func ioWait(last, cur cpu.TimesStat) float64 {
	total := (cur.User - last.User) +
		(cur.System - last.System) +
		(cur.Idle - last.Idle) +
		(cur.Iowait - last.Iowait) +
		(cur.Irq - last.Irq) +
		(cur.Softirq - last.Softirq) +
		(cur.Steal - last.Steal)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - last.Iowait) / total * 100
}

// diskRates sums read and write bytes per second across every disk seen in
// both readings. Busy time is capped at 100%.
func diskRates(last, cur map[string]disk.IOCountersStat, elapsed time.Duration) (read, write, busy float64) {
	secs := elapsed.Seconds()
	if secs < 0.1 {
		return 0, 0, 0
	}
	var readDelta, writeDelta, ioTimeDelta uint64
	for name, c := range cur {
		l, ok := last[name]
		if !ok {
			continue
		}
		// counters can wrap
		if c.ReadBytes >= l.ReadBytes {
			readDelta += c.ReadBytes - l.ReadBytes
		}
		if c.WriteBytes >= l.WriteBytes {
			writeDelta += c.WriteBytes - l.WriteBytes
		}
		if c.IoTime >= l.IoTime {
			ioTimeDelta += c.IoTime - l.IoTime
		}
	}
	read = float64(readDelta) / secs
	write = float64(writeDelta) / secs
	busy = min(float64(ioTimeDelta)/(secs*1000)*100, 100)
	return read, write, busy
}
