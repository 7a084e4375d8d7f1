package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "calculating..."},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + time.Minute, "2h 1m 0s"},
	}
	for _, tt := range tests {
		if got := FormatETA(tt.in); got != tt.want {
			t.Errorf("FormatETA(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
	assert.Equal(t, "1.5K", FormatCount(1500))
	assert.Equal(t, "12.5%", FormatPercent(12.5))
}

func TestTrackerCalculate(t *testing.T) {
	tr := NewTracker(1000, "read")
	s := tr.calculateAt(250, 10*time.Second)
	assert.InDelta(t, 25.0, s.Percentage, 1e-9)
	assert.InDelta(t, 25.0, s.Throughput, 1e-9)
	assert.Equal(t, 30*time.Second, s.ETA)

	s = tr.calculateAt(1000, 10*time.Second)
	assert.Equal(t, time.Duration(0), s.ETA)
}

func TestByteProgressIsRateLimited(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewLogger(zap.New(core))

	m.Message("hello")
	p := m.StartBytes("reading", 100)
	for i := int64(1); i <= 100; i++ {
		p.Progress(i)
	}
	p.Finish()
	p.Finish()

	// message, start, one progress line (the rest fall inside the
	// interval) and a single finish
	assert.Equal(t, 4, logs.Len())
	assert.Equal(t, "reading done", logs.All()[3].Message)
}

func TestPercentProgress(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewLogger(zap.New(core))

	p := m.StartPercent("tiles")
	for _, v := range []float64{0.1, 0.5, 1.2, 1.9, 50, 50.5, 100} {
		p.Progress(v)
	}
	p.Finish()
	// 0, 1, 50, 100 and done
	assert.Equal(t, 5, logs.Len())
}

func TestNop(t *testing.T) {
	m := Nop()
	m.Message("x")
	m.StartBytes("x", 1).Progress(1)
	m.StartPercent("x").Finish()
}
