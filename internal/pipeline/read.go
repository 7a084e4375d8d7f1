package pipeline

import (
	"context"
	"io"

	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
)

// ReadBlocks streams every data block of src through consumers made by
// factory. The calling goroutine is the only reader of src; workers get the
// raw bytes and decode them. Header blocks are skipped. Block indexes count
// data blocks from zero.
func ReadBlocks[R any](
	ctx context.Context,
	src pbf.Source,
	isChange bool,
	workers int,
	factory func(i int) dispatch.CallFinish[*elements.Block, R],
	merge dispatch.Merger[R],
	msgr progress.Messenger,
) (R, error) {
	var zero R
	if msgr == nil {
		msgr = progress.Nop()
	}
	decode := func(it dispatch.Item[*pbf.RawBlock]) (*elements.Block, error) {
		return pbf.DecodeData(it.Value, it.Index, isChange)
	}
	cf := dispatch.New(ctx, workers, func(i int) dispatch.CallFinish[dispatch.Item[*pbf.RawBlock], R] {
		return dispatch.Map(decode, factory(i))
	}, merge, dispatch.Options{})

	prog := msgr.StartBytes("reading blocks", src.Size())
	src.Seek(0)
	index := 0
	for {
		if err := ctx.Err(); err != nil {
			cf.Finish()
			return zero, err
		}
		rb, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			cf.Finish()
			return zero, err
		}
		prog.Progress(rb.End())
		if rb.Type != pbf.DataType {
			continue
		}
		if err := cf.Call(dispatch.Item[*pbf.RawBlock]{Index: index, Value: rb}); err != nil {
			cf.Finish()
			return zero, err
		}
		index++
	}
	prog.Finish()
	return cf.Finish()
}
