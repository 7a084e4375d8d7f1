package filter

import (
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
)

// lookup is the read side of an id set
type lookup interface {
	Contains(t elements.ElementType, id int64) bool
	Selected(t elements.ElementType, id int64) bool
}

// overlay reads through a shared set from earlier passes and the private
// set being built
type overlay struct {
	shared, own *idset.Set
}

func (o overlay) Contains(t elements.ElementType, id int64) bool {
	return o.own.Contains(t, id) || o.shared.Contains(t, id)
}

func (o overlay) Selected(t elements.ElementType, id int64) bool {
	return o.own.Selected(t, id) || o.shared.Selected(t, id)
}

// Builder grows an id set through three ordered stages: nodes, then ways,
// then relations. Each stage only sees ids added by the earlier ones, and
// the relation stage runs once: a relation whose only selected member is
// a relation met later is left out.
type Builder struct {
	spec Spec
	out  *idset.Set
	view lookup
}

// NewBuilder writes into and reads from ids
func NewBuilder(spec Spec, ids *idset.Set) *Builder {
	return &Builder{spec: spec, out: ids, view: ids}
}

// newPartialBuilder writes into a fresh set while still reading shared,
// which must not change until the builder is done
func newPartialBuilder(spec Spec, shared *idset.Set) *Builder {
	own := idset.New()
	return &Builder{spec: spec, out: own, view: overlay{shared: shared, own: own}}
}

// Set returns the set being written
func (b *Builder) Set() *idset.Set { return b.out }

// NodeStage selects the nodes inside the filter area
func (b *Builder) NodeStage(blk *elements.Block) {
	for i := range blk.Nodes {
		n := &blk.Nodes[i]
		if !n.ChangeType.Keeps() {
			continue
		}
		if b.spec.ContainsPoint(n.Lon, n.Lat) {
			b.out.Add(elements.NodeType, n.ID)
		}
	}
}

// WayStage selects the ways with at least one selected node. The other
// nodes of those ways become boundary nodes.
func (b *Builder) WayStage(blk *elements.Block) {
	for i := range blk.Ways {
		w := &blk.Ways[i]
		if !w.ChangeType.Keeps() {
			continue
		}
		hit := false
		for _, ref := range w.Refs {
			if b.view.Selected(elements.NodeType, ref) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		b.out.Add(elements.WayType, w.ID)
		for _, ref := range w.Refs {
			if !b.view.Selected(elements.NodeType, ref) {
				b.out.AddBoundary(ref)
			}
		}
	}
}

// RelationStage selects the relations with a member already in the set.
// Members of unknown type never match.
func (b *Builder) RelationStage(blk *elements.Block) {
	for i := range blk.Relations {
		r := &blk.Relations[i]
		if !r.ChangeType.Keeps() {
			continue
		}
		for _, m := range r.Members {
			if b.view.Contains(m.Type, m.Ref) {
				b.out.Add(elements.RelationType, r.ID)
				break
			}
		}
	}
}

// AddBlock runs all three stages over one block
func (b *Builder) AddBlock(blk *elements.Block) {
	b.NodeStage(blk)
	b.WayStage(blk)
	b.RelationStage(blk)
}

// AddBlockFull adds every record of blk with no spatial test
func (b *Builder) AddBlockFull(blk *elements.Block) {
	b.out.AddBlockFull(blk)
}
