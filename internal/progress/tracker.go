package progress

import (
	"fmt"
	"time"
)

// Tracker derives rates and an ETA for a job with a known byte total
type Tracker struct {
	totalBytes  int64
	startTime   time.Time
	description string
}

// NewTracker starts tracking from now
func NewTracker(totalBytes int64, description string) *Tracker {
	return &Tracker{
		totalBytes:  totalBytes,
		startTime:   time.Now(),
		description: description,
	}
}

// Snapshot holds progress at one point in time
type Snapshot struct {
	Current     int64
	Total       int64
	Percentage  float64
	Elapsed     time.Duration
	ETA         time.Duration
	Throughput  float64 // bytes per second
	Description string
}

// Calculate returns progress given the bytes processed so far
func (p *Tracker) Calculate(bytesProcessed int64) Snapshot {
	return p.calculateAt(bytesProcessed, time.Since(p.startTime))
}

func (p *Tracker) calculateAt(bytesProcessed int64, elapsed time.Duration) Snapshot {
	var percentage float64
	var eta time.Duration

	if p.totalBytes > 0 && bytesProcessed > 0 {
		percentage = float64(bytesProcessed) / float64(p.totalBytes) * 100
		if percentage < 100 && elapsed > 0 {
			bytesPerSecond := float64(bytesProcessed) / elapsed.Seconds()
			remainingBytes := p.totalBytes - bytesProcessed
			if bytesPerSecond > 0 {
				eta = time.Duration(float64(remainingBytes) / bytesPerSecond * float64(time.Second))
			}
		}
	}

	var throughput float64
	if elapsed.Seconds() > 0 {
		throughput = float64(bytesProcessed) / elapsed.Seconds()
	}

	return Snapshot{
		Current:     bytesProcessed,
		Total:       p.totalBytes,
		Percentage:  percentage,
		Elapsed:     elapsed.Round(time.Second),
		ETA:         eta.Round(time.Second),
		Throughput:  throughput,
		Description: p.description,
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats a byte rate
func FormatThroughput(bytesPerSec float64) string {
	return FormatBytes(int64(bytesPerSec)) + "/s"
}

// FormatPercent formats a percentage with one decimal
func FormatPercent(p float64) string {
	return fmt.Sprintf("%.1f%%", p)
}

// FormatCount formats a count with a K or M suffix
func FormatCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes in a human-readable format
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
