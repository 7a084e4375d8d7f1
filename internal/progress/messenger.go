// Package progress is the observation boundary of long running jobs. A
// Messenger is passed explicitly into every job; there is no global
// registration.
package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Messenger receives status messages and starts progress reporters
type Messenger interface {
	Message(msg string)
	StartBytes(msg string, total int64) ProgressBytes
	StartPercent(msg string) ProgressPercent
}

// ProgressBytes reports how many bytes of a known total have been read
type ProgressBytes interface {
	Progress(bytes int64)
	Finish()
}

// ProgressPercent reports completion as a percentage
type ProgressPercent interface {
	Progress(pct float64)
	Finish()
}

// ByteInterval is the minimum time between two byte progress reports
const ByteInterval = 2 * time.Second

// NewLogger returns a Messenger writing through log
func NewLogger(log *zap.Logger) Messenger {
	return &zapMessenger{log: log}
}

type zapMessenger struct {
	log *zap.Logger
}

func (m *zapMessenger) Message(msg string) {
	m.log.Info(msg)
}

func (m *zapMessenger) StartBytes(msg string, total int64) ProgressBytes {
	m.log.Info(msg, zap.String("total", FormatBytes(total)))
	return &zapBytes{
		log:       m.log,
		msg:       msg,
		tracker:   NewTracker(total, msg),
		sometimes: &rate.Sometimes{Interval: ByteInterval},
	}
}

func (m *zapMessenger) StartPercent(msg string) ProgressPercent {
	return &zapPercent{log: m.log, msg: msg, last: -1}
}

type zapBytes struct {
	log       *zap.Logger
	msg       string
	tracker   *Tracker
	sometimes *rate.Sometimes

	mu       sync.Mutex
	current  int64
	finished bool
}

func (p *zapBytes) Progress(bytes int64) {
	p.mu.Lock()
	p.current = bytes
	p.mu.Unlock()
	p.sometimes.Do(func() {
		s := p.tracker.Calculate(bytes)
		p.log.Info(p.msg,
			zap.String("read", FormatBytes(s.Current)),
			zap.String("percent", FormatPercent(s.Percentage)),
			zap.String("rate", FormatThroughput(s.Throughput)),
			zap.String("eta", FormatETA(s.ETA)),
		)
	})
}

func (p *zapBytes) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	s := p.tracker.Calculate(p.current)
	p.log.Info(p.msg+" done",
		zap.String("read", FormatBytes(s.Current)),
		zap.Duration("elapsed", s.Elapsed),
		zap.String("rate", FormatThroughput(s.Throughput)),
	)
}

type zapPercent struct {
	log      *zap.Logger
	msg      string
	mu       sync.Mutex
	last     int
	finished bool
}

// Progress logs only when the whole percentage changes
func (p *zapPercent) Progress(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	whole := int(pct)
	if whole == p.last {
		return
	}
	p.last = whole
	p.log.Info(p.msg, zap.String("percent", FormatPercent(pct)))
}

func (p *zapPercent) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.log.Info(p.msg + " done")
}

// Nop returns a Messenger that discards everything
func Nop() Messenger { return nop{} }

type nop struct{}

func (nop) Message(string)                         {}
func (nop) StartBytes(string, int64) ProgressBytes { return nopBytes{} }
func (nop) StartPercent(string) ProgressPercent    { return nopPercent{} }

type nopBytes struct{}

func (nopBytes) Progress(int64) {}
func (nopBytes) Finish()        {}

type nopPercent struct{}

func (nopPercent) Progress(float64) {}
func (nopPercent) Finish()          {}
