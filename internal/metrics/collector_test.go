package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestDiskRates(t *testing.T) {
	last := map[string]disk.IOCountersStat{
		"sda": {ReadBytes: 1000, WriteBytes: 500, IoTime: 100},
		"sdb": {ReadBytes: 50, WriteBytes: 50, IoTime: 0},
	}
	cur := map[string]disk.IOCountersStat{
		"sda": {ReadBytes: 3000, WriteBytes: 1500, IoTime: 600},
		"sdb": {ReadBytes: 10, WriteBytes: 1050, IoTime: 900}, // read counter wrapped
		"sdc": {ReadBytes: 1 << 30},                           // new disk, no baseline
	}

	read, write, busy := diskRates(last, cur, 2*time.Second)
	assert.InDelta(t, 1000.0, read, 1e-9)
	assert.InDelta(t, 1000.0, write, 1e-9)
	assert.InDelta(t, 70.0, busy, 1e-9)

	_, _, busy = diskRates(last, cur, time.Second)
	assert.Equal(t, 100.0, busy)

	read, write, busy = diskRates(last, cur, 10*time.Millisecond)
	assert.Zero(t, read+write+busy)
}

func TestIOWait(t *testing.T) {
	last := cpu.TimesStat{User: 10, System: 10, Idle: 70, Iowait: 10}
	cur := cpu.TimesStat{User: 20, System: 20, Idle: 140, Iowait: 20}
	assert.InDelta(t, 10.0, ioWait(last, cur), 1e-9)
	assert.Zero(t, ioWait(cur, cur))
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector(0, zap.NewNop())
	assert.Equal(t, 30*time.Second, c.interval)
	assert.Nil(t, c.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return c.Snapshot() != nil }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	s := c.Snapshot()
	assert.False(t, s.Timestamp.IsZero())
	assert.GreaterOrEqual(t, c.Peak().ProcessRSS, s.ProcessRSS)
}
