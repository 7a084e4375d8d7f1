// Package batch buffers items into fixed size groups before handing them
// to a downstream consumer.
package batch

import (
	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
)

// CountKey is the Timings counter holding the number of items collected
const CountKey = "count"

// Collect buffers up to groupby items and passes each full buffer to emit
// synchronously. Finish emits the remaining partial buffer. Every batch is
// a fresh slice, so emit may keep it.
type Collect[T any] struct {
	groupby int
	emit    func([]T) error
	buf     []T
	total   int64
	batches int64
}

// NewCollect returns a batching stage. groupby values below one are
// treated as one.
func NewCollect[T any](groupby int, emit func([]T) error) *Collect[T] {
	if groupby < 1 {
		groupby = 1
	}
	return &Collect[T]{groupby: groupby, emit: emit, buf: make([]T, 0, groupby)}
}

func (c *Collect[T]) Call(v T) error {
	c.buf = append(c.buf, v)
	c.total++
	if len(c.buf) >= c.groupby {
		return c.flush()
	}
	return nil
}

func (c *Collect[T]) flush() error {
	if len(c.buf) == 0 {
		return nil
	}
	out := c.buf
	c.buf = make([]T, 0, c.groupby)
	c.batches++
	return c.emit(out)
}

// Finish flushes the partial batch and reports the item and batch counts
func (c *Collect[T]) Finish() (dispatch.Timings, error) {
	t := dispatch.NewTimings()
	if err := c.flush(); err != nil {
		return t, err
	}
	t.AddOther(CountKey, c.total)
	t.AddOther("batches", c.batches)
	return t, nil
}

// Total returns the number of items collected so far
func (c *Collect[T]) Total() int64 { return c.total }
