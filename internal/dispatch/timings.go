package dispatch

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Timings is the accumulator produced by a pipeline run: time spent per
// stage plus named counters. Merging sums matching keys.
type Timings struct {
	Durations map[string]time.Duration
	Others    map[string]int64
}

// NewTimings returns an empty accumulator
func NewTimings() Timings {
	return Timings{Durations: map[string]time.Duration{}, Others: map[string]int64{}}
}

// Add accumulates time spent in a stage
func (t *Timings) Add(name string, d time.Duration) {
	if t.Durations == nil {
		t.Durations = map[string]time.Duration{}
	}
	t.Durations[name] += d
}

// AddOther accumulates a named counter
func (t *Timings) AddOther(name string, v int64) {
	if t.Others == nil {
		t.Others = map[string]int64{}
	}
	t.Others[name] += v
}

// Count returns a named counter (zero when absent)
func (t Timings) Count(name string) int64 { return t.Others[name] }

// MergeTimings sums two accumulators into a new one
func MergeTimings(a, b Timings) Timings {
	out := NewTimings()
	for _, t := range []Timings{a, b} {
		for k, v := range t.Durations {
			out.Durations[k] += v
		}
		for k, v := range t.Others {
			out.Others[k] += v
		}
	}
	return out
}

func (t Timings) String() string {
	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(t.Durations)) {
		fmt.Fprintf(&sb, "%-20s %s\n", k, t.Durations[k].Round(time.Millisecond))
	}
	for _, k := range slices.Sorted(maps.Keys(t.Others)) {
		fmt.Fprintf(&sb, "%-20s %d\n", k, t.Others[k])
	}
	return sb.String()
}

// Timed wraps a stage returning Timings and adds the wall time spent in
// its Call and Finish methods under name.
func Timed[T any](name string, next CallFinish[T, Timings]) CallFinish[T, Timings] {
	return &timed[T]{name: name, next: next}
}

type timed[T any] struct {
	name  string
	next  CallFinish[T, Timings]
	spent time.Duration
}

func (t *timed[T]) Call(v T) error {
	start := time.Now()
	err := t.next.Call(v)
	t.spent += time.Since(start)
	return err
}

func (t *timed[T]) Finish() (Timings, error) {
	start := time.Now()
	r, err := t.next.Finish()
	if err != nil {
		return r, err
	}
	r = MergeTimings(r, Timings{})
	r.Add(t.name, t.spent+time.Since(start))
	return r, nil
}
