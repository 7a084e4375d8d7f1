// Package dispatch fans a stream of work items out over a pool of workers
// with private state and merges their results when the stream ends.
//
// Every stage is a CallFinish: Call is invoked once per item, Finish once
// at the end. With zero workers the callee runs on the caller's goroutine
// in strict submission order; with K workers, items are dealt round-robin
// over K bounded channels and the K results are combined with an
// associative merge.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CallFinish is a stage that consumes items and yields one result
type CallFinish[T, R any] interface {
	Call(T) error
	Finish() (R, error)
}

// Merger combines two partial results. It must be associative and
// commutative since worker completion order is not defined.
type Merger[R any] func(a, b R) R

// Item carries a value together with its position in the input stream so
// that consumers needing global order can restore it.
type Item[T any] struct {
	Index int
	Value T
}

// ErrFinished is returned by Call after Finish
var ErrFinished = errors.New("dispatch: call after finish")

// ErrNoWorkers is returned by a parallel stage built without workers
var ErrNoWorkers = errors.New("dispatch: no workers")

// Funcs adapts a pair of functions to CallFinish
type Funcs[T, R any] struct {
	CallFn   func(T) error
	FinishFn func() (R, error)
}

func (f Funcs[T, R]) Call(v T) error {
	if f.CallFn == nil {
		return nil
	}
	return f.CallFn(v)
}

func (f Funcs[T, R]) Finish() (R, error) {
	if f.FinishFn == nil {
		var zero R
		return zero, nil
	}
	return f.FinishFn()
}

// Direct returns c unchanged: items are processed synchronously, in order
func Direct[T, R any](c CallFinish[T, R]) CallFinish[T, R] {
	return c
}

// Options tunes a parallel dispatcher
type Options struct {
	// Buffer is the capacity of each worker channel. Producers block only
	// once a worker has this many items queued.
	Buffer int
}

// DefaultBuffer is the per-worker channel capacity when none is given
const DefaultBuffer = 16

type parallel[T, R any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	chans   []chan T
	results []R
	merge   Merger[R]
	next    int

	mu       sync.Mutex
	err      error
	finished bool
}

// Parallel starts one goroutine per worker. Each worker owns its state;
// nothing inside a worker is shared. The first error from any worker
// cancels the rest, is returned by every later Call, and by Finish in
// place of a merged result. An empty workers slice yields a stage that
// fails every Call and Finish with ErrNoWorkers.
func Parallel[T, R any](ctx context.Context, workers []CallFinish[T, R], merge Merger[R], opts Options) CallFinish[T, R] {
	if len(workers) == 0 {
		return Funcs[T, R]{
			CallFn: func(T) error { return ErrNoWorkers },
			FinishFn: func() (R, error) {
				var zero R
				return zero, ErrNoWorkers
			},
		}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &parallel[T, R]{
		ctx:     gctx,
		cancel:  cancel,
		group:   g,
		chans:   make([]chan T, len(workers)),
		results: make([]R, len(workers)),
		merge:   merge,
	}
	for i, w := range workers {
		ch := make(chan T, opts.Buffer)
		p.chans[i] = ch
		g.Go(func() error {
			for v := range ch {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := w.Call(v); err != nil {
					p.fail(err)
					return err
				}
			}
			r, err := w.Finish()
			if err != nil {
				p.fail(err)
				return err
			}
			p.results[i] = r
			return nil
		})
	}
	return p
}

func (p *parallel[T, R]) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *parallel[T, R]) firstErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return p.ctx.Err()
}

// Call hands v to the next worker in turn
func (p *parallel[T, R]) Call(v T) error {
	if p.finished {
		return ErrFinished
	}
	ch := p.chans[p.next]
	p.next = (p.next + 1) % len(p.chans)
	select {
	case ch <- v:
		return nil
	case <-p.ctx.Done():
		return p.firstErr()
	}
}

// Finish closes every worker channel, waits for the workers and merges
// their results in worker order.
func (p *parallel[T, R]) Finish() (R, error) {
	var zero R
	if p.finished {
		return zero, ErrFinished
	}
	p.finished = true
	for _, ch := range p.chans {
		close(ch)
	}
	err := p.group.Wait()
	p.cancel()
	if err != nil {
		p.mu.Lock()
		if p.err != nil {
			err = p.err
		}
		p.mu.Unlock()
		return zero, err
	}
	if len(p.results) == 0 {
		return zero, nil
	}
	out := p.results[0]
	for _, r := range p.results[1:] {
		out = p.merge(out, r)
	}
	return out, nil
}

// New builds a dispatcher over k workers made by factory. k == 0 runs a
// single callee directly.
func New[T, R any](ctx context.Context, k int, factory func(i int) CallFinish[T, R], merge Merger[R], opts Options) CallFinish[T, R] {
	if k <= 0 {
		return Direct(factory(0))
	}
	workers := make([]CallFinish[T, R], k)
	for i := range workers {
		workers[i] = factory(i)
	}
	return Parallel(ctx, workers, merge, opts)
}

// Map converts each item with fn before passing it on
func Map[T, U, R any](fn func(T) (U, error), next CallFinish[U, R]) CallFinish[T, R] {
	return &mapper[T, U, R]{fn: fn, next: next}
}

type mapper[T, U, R any] struct {
	fn   func(T) (U, error)
	next CallFinish[U, R]
}

func (m *mapper[T, U, R]) Call(v T) error {
	u, err := m.fn(v)
	if err != nil {
		return err
	}
	return m.next.Call(u)
}

func (m *mapper[T, U, R]) Finish() (R, error) { return m.next.Finish() }
