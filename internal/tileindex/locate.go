package tileindex

import (
	"cmp"
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Root is the depth zero tile covering the world
const Root quadtree.Quadtree = 0

// placements maps record ids to tiles, one map per kind
type placements [3]map[int64]quadtree.Quadtree

func newPlacements() *placements {
	var p placements
	for i := range p {
		p[i] = map[int64]quadtree.Quadtree{}
	}
	return &p
}

func kindIndex(t elements.ElementType) int {
	switch t {
	case elements.WayType:
		return 1
	case elements.RelationType:
		return 2
	}
	return 0
}

func (p *placements) get(t elements.ElementType, id int64) (quadtree.Quadtree, bool) {
	q, ok := p[kindIndex(t)][id]
	return q, ok
}

func (p *placements) set(t elements.ElementType, id int64, q quadtree.Quadtree) {
	p[kindIndex(t)][id] = q
}

func (p *placements) addBlock(b *elements.Block) {
	for _, n := range b.Nodes {
		p.set(elements.NodeType, n.ID, b.Quadtree)
	}
	for _, w := range b.Ways {
		p.set(elements.WayType, w.ID, b.Quadtree)
	}
	for _, r := range b.Relations {
		p.set(elements.RelationType, r.ID, b.Quadtree)
	}
}

func mergePlacements(a, b *placements) *placements {
	for i := range a {
		maps.Copy(a[i], b[i])
	}
	return a
}

// Locate splits a change block into one block per tile of idx, ready to be
// written as a new change layer.
//
// A record already in the dataset stays in its current tile. A new node
// goes to the deepest existing tile containing it; a new way follows its
// first placed node and a new relation its first placed member. Anything
// still unplaced goes to Root. Deletes of records the dataset never held
// are dropped.
func Locate(ctx context.Context, idx *Index, change *elements.Block, workers int, msgr progress.Messenger) ([]*elements.Block, error) {
	want := idset.New()
	for _, n := range change.Nodes {
		want.Add(elements.NodeType, n.ID)
	}
	// referenced records are looked up too, so new ways and relations can
	// follow them
	for _, w := range change.Ways {
		want.Add(elements.WayType, w.ID)
		for _, ref := range w.Refs {
			want.Add(elements.NodeType, ref)
		}
	}
	for _, r := range change.Relations {
		want.Add(elements.RelationType, r.ID)
		for _, m := range r.Members {
			want.Add(m.Type, m.Ref)
		}
	}
	want.Freeze()

	found, err := Process(ctx, idx, want, workers,
		func(int) dispatch.CallFinish[*elements.Block, *placements] {
			p := newPlacements()
			return dispatch.Funcs[*elements.Block, *placements]{
				CallFn:   func(b *elements.Block) error { p.addBlock(b); return nil },
				FinishFn: func() (*placements, error) { return p, nil },
			}
		},
		mergePlacements, dispatch.Options{}, msgr)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = newPlacements()
	}

	existing := make(map[quadtree.Quadtree]bool, len(idx.tiles))
	for _, t := range idx.tiles {
		existing[t.Quadtree] = true
	}
	deepest := func(lon, lat int32) quadtree.Quadtree {
		q := quadtree.Calculate(quadtree.Bbox{MinLon: lon, MinLat: lat, MaxLon: lon, MaxLat: lat}, quadtree.MaxDepth)
		for d := q.Depth(); d > 0; d-- {
			if r := q.Round(d); existing[r] {
				return r
			}
		}
		return Root
	}

	out := map[quadtree.Quadtree]*elements.Block{}
	blockFor := func(q quadtree.Quadtree) *elements.Block {
		b, ok := out[q]
		if !ok {
			b = elements.NewBlock(0, 0, q)
			out[q] = b
		}
		return b
	}
	dropped, created := 0, 0

	for _, n := range change.Nodes {
		q, ok := found.get(elements.NodeType, n.ID)
		if !ok {
			if !n.ChangeType.Keeps() {
				dropped++
				continue
			}
			q = deepest(n.Lon, n.Lat)
			found.set(elements.NodeType, n.ID, q)
			created++
		}
		b := blockFor(q)
		b.Nodes = append(b.Nodes, n)
	}
	for _, w := range change.Ways {
		q, ok := found.get(elements.WayType, w.ID)
		if !ok {
			if !w.ChangeType.Keeps() {
				dropped++
				continue
			}
			q = Root
			for _, ref := range w.Refs {
				if nq, ok := found.get(elements.NodeType, ref); ok {
					q = nq
					break
				}
			}
			found.set(elements.WayType, w.ID, q)
			created++
		}
		b := blockFor(q)
		b.Ways = append(b.Ways, w)
	}
	for _, r := range change.Relations {
		q, ok := found.get(elements.RelationType, r.ID)
		if !ok {
			if !r.ChangeType.Keeps() {
				dropped++
				continue
			}
			q = Root
			for _, m := range r.Members {
				if mq, ok := found.get(m.Type, m.Ref); ok {
					q = mq
					break
				}
			}
			found.set(elements.RelationType, r.ID, q)
			created++
		}
		b := blockFor(q)
		b.Relations = append(b.Relations, r)
	}

	blocks := slices.SortedFunc(maps.Values(out), func(a, b *elements.Block) int {
		return cmp.Compare(a.Quadtree, b.Quadtree)
	})
	for i, b := range blocks {
		b.Index = i
		b.Sort()
	}
	logger.Get().Debug("located change records",
		zap.Int("tiles", len(blocks)),
		zap.Int("new", created),
		zap.Int("dropped", dropped))
	return blocks, nil
}
