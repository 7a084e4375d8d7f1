package tileindex

import (
	"context"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/batch"
	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
)

// Process rebuilds every tile in order and passes the blocks to consumers
// made by factory, one per worker. Only the calling goroutine touches the
// files; workers receive raw bytes, decode and fold them. With workers == 0
// everything runs on the calling goroutine in tile order.
func Process[R any](
	ctx context.Context,
	idx *Index,
	ids idset.IdSet,
	workers int,
	factory func(i int) dispatch.CallFinish[*elements.Block, R],
	merge dispatch.Merger[R],
	opts dispatch.Options,
	msgr progress.Messenger,
) (R, error) {
	var zero R
	if msgr == nil {
		msgr = progress.Nop()
	}
	cf := dispatch.New(ctx, workers, func(i int) dispatch.CallFinish[*tileData, R] {
		return dispatch.Map(func(t *tileData) (*elements.Block, error) {
			return t.reconstruct(ids)
		}, factory(i))
	}, merge, opts)

	prog := msgr.StartBytes("reading tiles", idx.totalBytes)
	var done int64
	for i := range idx.tiles {
		if err := ctx.Err(); err != nil {
			cf.Finish()
			return zero, err
		}
		t, err := idx.readTile(i)
		if err != nil {
			cf.Finish()
			return zero, err
		}
		if err := cf.Call(t); err != nil {
			cf.Finish()
			return zero, err
		}
		done += t.size
		prog.Progress(done)
	}
	prog.Finish()
	return cf.Finish()
}

// ReadAll rebuilds every tile and delivers them in batches of groupby to
// emit. With workers > 0 each worker batches its own share and emit is
// called from several goroutines at once. The total number of blocks is
// returned once every batch has been emitted.
func ReadAll(
	ctx context.Context,
	idx *Index,
	ids idset.IdSet,
	workers, groupby int,
	emit func([]*elements.Block) error,
	msgr progress.Messenger,
) (int64, error) {
	tm, err := Process(ctx, idx, ids, workers,
		func(int) dispatch.CallFinish[*elements.Block, dispatch.Timings] {
			return dispatch.Timed[*elements.Block]("emit", batch.NewCollect(groupby, emit))
		},
		dispatch.MergeTimings,
		dispatch.Options{Buffer: groupby},
		msgr,
	)
	if err != nil {
		return 0, err
	}
	logger.Get().Debug("read all tiles",
		zap.Int("tiles", idx.Len()),
		zap.String("timings", tm.String()))
	return tm.Count(batch.CountKey), nil
}
