package filter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

type stage struct {
	name string
	run  func(*Builder, *elements.Block)
}

var stages = []stage{
	{"nodes", (*Builder).NodeStage},
	{"ways", (*Builder).WayStage},
	{"relations", (*Builder).RelationStage},
}

func unionSets(a, b *idset.Set) *idset.Set {
	if a == nil {
		return b
	}
	if b != nil {
		a.Union(b)
	}
	return a
}

// Prepare builds the id set for spec over every tile of idx. Each stage is
// a full pass reading the result of the earlier passes. In the node and
// way passes every worker fills a private set for its share of the tiles
// and the private sets are merged when the pass ends. The relation pass
// decodes on the workers but selects on one builder in tile order, so a
// relation sees the relations selected in earlier tiles whatever the
// worker count.
//
// A spec covering the whole world returns idset.All without reading
// anything.
func Prepare(ctx context.Context, idx *tileindex.Index, spec Spec, workers int, msgr progress.Messenger) (idset.IdSet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.IsWholeWorld() {
		return idset.All{}, nil
	}
	if msgr == nil {
		msgr = progress.Nop()
	}
	log := logger.Get()

	ids := idset.New()
	for _, st := range stages {
		start := time.Now()
		msgr.Message("filter " + st.name + " pass")
		factory := func(int) dispatch.CallFinish[*elements.Block, *idset.Set] {
			b := newPartialBuilder(spec, ids)
			return dispatch.Funcs[*elements.Block, *idset.Set]{
				CallFn: func(blk *elements.Block) error {
					st.run(b, blk)
					return nil
				},
				FinishFn: func() (*idset.Set, error) { return b.Set(), nil },
			}
		}
		if st.name == "relations" {
			factory = orderedRelations(spec, ids, workers)
		}
		partial, err := tileindex.Process(ctx, idx, nil, workers, factory, unionSets, dispatch.Options{}, msgr)
		if err != nil {
			return nil, err
		}
		ids.Union(partial)
		log.Info("filter pass done",
			zap.String("pass", st.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("ids", ids.String()))
	}
	ids.Freeze()
	return ids, nil
}

// orderedRelations returns worker stages that strip each rebuilt tile to
// its relations and feed one shared builder in tile order. Only the last
// worker to finish returns the set; the others return nil.
func orderedRelations(spec Spec, shared *idset.Set, workers int) func(int) dispatch.CallFinish[*elements.Block, *idset.Set] {
	b := newPartialBuilder(spec, shared)
	ordered := dispatch.Sorted(dispatch.Funcs[dispatch.Item[*elements.Block], *idset.Set]{
		CallFn: func(it dispatch.Item[*elements.Block]) error {
			b.RelationStage(it.Value)
			return nil
		},
		FinishFn: func() (*idset.Set, error) { return b.Set(), nil },
	})
	handles := dispatch.Sync(ordered, max(workers, 1))
	return func(i int) dispatch.CallFinish[*elements.Block, *idset.Set] {
		return dispatch.Map(func(blk *elements.Block) (dispatch.Item[*elements.Block], error) {
			return dispatch.Item[*elements.Block]{
				Index: blk.Index,
				Value: &elements.Block{Index: blk.Index, Quadtree: blk.Quadtree, Relations: blk.Relations},
			}, nil
		}, handles[i])
	}
}

// PrepareFull adds every record of every tile, with no spatial test
func PrepareFull(ctx context.Context, idx *tileindex.Index, workers int, msgr progress.Messenger) (*idset.Set, error) {
	if msgr == nil {
		msgr = progress.Nop()
	}
	ids, err := tileindex.Process(ctx, idx, nil, workers,
		func(int) dispatch.CallFinish[*elements.Block, *idset.Set] {
			b := NewBuilder(NoFilter(), idset.New())
			return dispatch.Funcs[*elements.Block, *idset.Set]{
				CallFn: func(blk *elements.Block) error {
					b.AddBlockFull(blk)
					return nil
				},
				FinishFn: func() (*idset.Set, error) { return b.Set(), nil },
			}
		},
		unionSets, dispatch.Options{}, msgr)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = idset.New()
	}
	ids.Freeze()
	return ids, nil
}

// Build runs the three stages over blocks held in memory, in order, on
// the calling goroutine
func Build(blocks []*elements.Block, spec Spec) (idset.IdSet, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.IsWholeWorld() {
		return idset.All{}, nil
	}
	b := NewBuilder(spec, idset.New())
	for _, st := range stages {
		for _, blk := range blocks {
			st.run(b, blk)
		}
	}
	b.Set().Freeze()
	return b.Set(), nil
}
