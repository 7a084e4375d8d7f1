package elements

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Selector is anything that can answer membership for a record id. The
// idset package provides the implementations.
type Selector interface {
	Contains(t ElementType, id int64) bool
}

// Block is a decoded tile block
type Block struct {
	Index     int   // sequence index in the read order
	Location  int64 // byte offset of the first contributing raw block
	Quadtree  quadtree.Quadtree
	StartDate int64
	EndDate   int64
	Nodes     []Node
	Ways      []Way
	Relations []Relation
}

// NewBlock returns an empty block for the given tile
func NewBlock(index int, location int64, qt quadtree.Quadtree) *Block {
	return &Block{Index: index, Location: location, Quadtree: qt}
}

// Len returns the total number of records
func (b *Block) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Nodes) + len(b.Ways) + len(b.Relations)
}

// Sort orders each record kind by id. The sort is stable so that repeated
// ids keep their stored order.
func (b *Block) Sort() {
	slices.SortStableFunc(b.Nodes, func(x, y Node) int { return cmp.Compare(x.ID, y.ID) })
	slices.SortStableFunc(b.Ways, func(x, y Way) int { return cmp.Compare(x.ID, y.ID) })
	slices.SortStableFunc(b.Relations, func(x, y Relation) int { return cmp.Compare(x.ID, y.ID) })
}

// Filter returns a copy of the block keeping only records the selector
// contains. A nil selector keeps everything.
func (b *Block) Filter(ids Selector) *Block {
	if b == nil || ids == nil {
		return b
	}
	out := &Block{
		Index:     b.Index,
		Location:  b.Location,
		Quadtree:  b.Quadtree,
		StartDate: b.StartDate,
		EndDate:   b.EndDate,
	}
	for _, n := range b.Nodes {
		if ids.Contains(NodeType, n.ID) {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, w := range b.Ways {
		if ids.Contains(WayType, w.ID) {
			out.Ways = append(out.Ways, w)
		}
	}
	for _, r := range b.Relations {
		if ids.Contains(RelationType, r.ID) {
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

// Bounds returns the extent of the block's nodes
func (b *Block) Bounds() quadtree.Bbox {
	box := quadtree.Empty()
	for _, n := range b.Nodes {
		box.ExpandPoint(n.Lon, n.Lat)
	}
	return box
}

// SetChangeType overwrites the change type of every record
func (b *Block) SetChangeType(ct ChangeType) {
	for i := range b.Nodes {
		b.Nodes[i].ChangeType = ct
	}
	for i := range b.Ways {
		b.Ways[i].ChangeType = ct
	}
	for i := range b.Relations {
		b.Relations[i].ChangeType = ct
	}
}

func (b *Block) String() string {
	return fmt.Sprintf("Block %d @ %d %s [%d nodes, %d ways, %d relations]",
		b.Index, b.Location, b.Quadtree, len(b.Nodes), len(b.Ways), len(b.Relations))
}
