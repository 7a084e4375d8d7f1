package dispatch

import (
	"slices"
	"sync"
)

// Sync shares one target between k producers, typically the workers of a
// parallel stage feeding a single sink. Calls are serialised with a
// mutex. The target is finished when the last handle finishes; that handle
// returns the target's result and the others return the zero value, so the
// handles' results can go through a summing merge unchanged.
func Sync[T, R any](target CallFinish[T, R], k int) []CallFinish[T, R] {
	s := &syncShared[T, R]{target: target, remaining: k}
	out := make([]CallFinish[T, R], k)
	for i := range out {
		out[i] = &syncHandle[T, R]{shared: s}
	}
	return out
}

type syncShared[T, R any] struct {
	mu        sync.Mutex
	target    CallFinish[T, R]
	remaining int
}

type syncHandle[T, R any] struct {
	shared   *syncShared[T, R]
	finished bool
}

func (h *syncHandle[T, R]) Call(v T) error {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	return h.shared.target.Call(v)
}

func (h *syncHandle[T, R]) Finish() (R, error) {
	var zero R
	if h.finished {
		return zero, ErrFinished
	}
	h.finished = true
	s := h.shared
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining--
	if s.remaining > 0 {
		return zero, nil
	}
	return s.target.Finish()
}

// Sorted restores input order for a consumer that needs it. Items may
// arrive in any order; each is held until every item with a lower index
// has been passed on. Indexes must start at zero and be unique. Items left
// over at Finish because of a gap are passed on in index order.
func Sorted[T, R any](next CallFinish[Item[T], R]) CallFinish[Item[T], R] {
	return &sorter[T, R]{next: next, pending: map[int]Item[T]{}}
}

type sorter[T, R any] struct {
	next    CallFinish[Item[T], R]
	pending map[int]Item[T]
	want    int
}

func (s *sorter[T, R]) Call(it Item[T]) error {
	if it.Index != s.want {
		s.pending[it.Index] = it
		return nil
	}
	if err := s.next.Call(it); err != nil {
		return err
	}
	s.want++
	for {
		p, ok := s.pending[s.want]
		if !ok {
			return nil
		}
		delete(s.pending, s.want)
		if err := s.next.Call(p); err != nil {
			return err
		}
		s.want++
	}
}

func (s *sorter[T, R]) Finish() (R, error) {
	keys := make([]int, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := s.next.Call(s.pending[k]); err != nil {
			var zero R
			return zero, err
		}
	}
	s.pending = nil
	return s.next.Finish()
}
