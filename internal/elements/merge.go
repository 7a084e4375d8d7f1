package elements

import (
	"cmp"
	"slices"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Combine unions two blocks. Records are paired by type and id; where both
// blocks hold the same record, b wins. Change types are preserved, so
// combining two change blocks yields a change block. Neither input is
// modified.
func Combine(a, b *Block) *Block {
	if a == nil {
		return cloneSorted(b)
	}
	if b == nil {
		return cloneSorted(a)
	}
	x, y := cloneSorted(a), cloneSorted(b)
	out := mergeHeader(x, y)
	out.Nodes = pairMerge(x.Nodes, y.Nodes, nodeID, later[Node])
	out.Ways = pairMerge(x.Ways, y.Ways, wayID, later[Way])
	out.Relations = pairMerge(x.Relations, y.Relations, relationID, later[Relation])
	return out
}

// ApplyChange applies a diff block onto a base snapshot. Diff records tagged
// create, modify or unchanged replace (or add) the base record and become
// normal records; delete and remove drop it. Base records without a diff
// entry pass through.
func ApplyChange(base, diff *Block) *Block {
	if base == nil {
		if diff == nil {
			return &Block{Quadtree: quadtree.Null}
		}
		base = &Block{Quadtree: diff.Quadtree, Index: diff.Index, Location: diff.Location}
	}
	if diff == nil || diff.Len() == 0 {
		return cloneSorted(base)
	}
	x, y := cloneSorted(base), cloneSorted(diff)
	out := mergeHeader(x, y)
	out.Nodes = pairMerge(x.Nodes, y.Nodes, nodeID, func(a, b *Node) (Node, bool) {
		if b == nil {
			return *a, true
		}
		if !b.ChangeType.Keeps() {
			return Node{}, false
		}
		n := *b
		n.ChangeType = Normal
		return n, true
	})
	out.Ways = pairMerge(x.Ways, y.Ways, wayID, func(a, b *Way) (Way, bool) {
		if b == nil {
			return *a, true
		}
		if !b.ChangeType.Keeps() {
			return Way{}, false
		}
		w := *b
		w.ChangeType = Normal
		return w, true
	})
	out.Relations = pairMerge(x.Relations, y.Relations, relationID, func(a, b *Relation) (Relation, bool) {
		if b == nil {
			return *a, true
		}
		if !b.ChangeType.Keeps() {
			return Relation{}, false
		}
		r := *b
		r.ChangeType = Normal
		return r, true
	})
	return out
}

// Merge folds a tile's blocks in chronological order: the change layers are
// combined (later wins) and the result is applied to the base snapshot. When
// ids is not nil every input is pruned to the selected records first, which
// only saves memory: the surviving records are identical to those of the
// unfiltered fold.
func Merge(base *Block, changes []*Block, ids Selector) *Block {
	if base != nil {
		base = base.Filter(ids)
	}
	var diff *Block
	for _, c := range changes {
		if c == nil {
			continue
		}
		diff = Combine(diff, c.Filter(ids))
	}
	if diff == nil {
		if base == nil {
			return &Block{Quadtree: quadtree.Null}
		}
		return cloneSorted(base)
	}
	return ApplyChange(base, diff)
}

func mergeHeader(a, b *Block) *Block {
	out := &Block{
		Index:     a.Index,
		Location:  a.Location,
		Quadtree:  a.Quadtree,
		StartDate: a.StartDate,
		EndDate:   max(a.EndDate, b.EndDate),
	}
	if out.Quadtree == quadtree.Null || (out.Quadtree == 0 && a.Len() == 0) {
		out.Quadtree = b.Quadtree
	}
	return out
}

// cloneSorted copies the block with every record kind sorted by id and
// repeated ids collapsed to their last occurrence.
func cloneSorted(b *Block) *Block {
	if b == nil {
		return nil
	}
	out := *b
	out.Nodes = dedupe(slices.Clone(b.Nodes), nodeID, func(x, y Node) int { return cmp.Compare(x.ID, y.ID) })
	out.Ways = dedupe(slices.Clone(b.Ways), wayID, func(x, y Way) int { return cmp.Compare(x.ID, y.ID) })
	out.Relations = dedupe(slices.Clone(b.Relations), relationID, func(x, y Relation) int { return cmp.Compare(x.ID, y.ID) })
	return &out
}

func nodeID(n *Node) int64         { return n.ID }
func wayID(w *Way) int64           { return w.ID }
func relationID(r *Relation) int64 { return r.ID }

func later[T any](a, b *T) (T, bool) {
	if b != nil {
		return *b, true
	}
	return *a, true
}

func dedupe[T any](s []T, id func(*T) int64, compare func(x, y T) int) []T {
	slices.SortStableFunc(s, compare)
	out := s[:0]
	for i := range s {
		if len(out) > 0 && id(&out[len(out)-1]) == id(&s[i]) {
			out[len(out)-1] = s[i]
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// pairMerge walks two id sorted slices in step. resolve receives the record
// from each side (nil when absent) and decides what, if anything, to keep.
func pairMerge[T any](a, b []T, id func(*T) int64, resolve func(a, b *T) (T, bool)) []T {
	out := make([]T, 0, max(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var pa, pb *T
		switch {
		case j >= len(b):
			pa = &a[i]
			i++
		case i >= len(a):
			pb = &b[j]
			j++
		case id(&a[i]) < id(&b[j]):
			pa = &a[i]
			i++
		case id(&a[i]) > id(&b[j]):
			pb = &b[j]
			j++
		default:
			pa, pb = &a[i], &b[j]
			i++
			j++
		}
		if v, ok := resolve(pa, pb); ok {
			out = append(out, v)
		}
	}
	return out
}
