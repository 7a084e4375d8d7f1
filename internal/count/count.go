// Package count summarises decoded blocks: record numbers, id, timestamp
// and coordinate ranges, and reference statistics. Counts merge, so each
// worker of a pipeline can keep its own and they are combined at the end.
package count

import (
	"fmt"
	"slices"
	"strings"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// idRange tracks count, id and timestamp ranges shared by every kind
type idRange struct {
	Num   int64
	MinID int64
	MaxID int64
	MinTS int64
	MaxTS int64
}

func (r *idRange) add(id int64, info *elements.Info) {
	if r.Num == 0 || id < r.MinID {
		r.MinID = id
	}
	if r.Num == 0 || id > r.MaxID {
		r.MaxID = id
	}
	r.Num++
	// a zero timestamp means none was stored
	if info == nil || info.Timestamp == 0 {
		return
	}
	if r.MinTS == 0 || info.Timestamp < r.MinTS {
		r.MinTS = info.Timestamp
	}
	if info.Timestamp > r.MaxTS {
		r.MaxTS = info.Timestamp
	}
}

func (r idRange) merge(o idRange) idRange {
	if o.Num == 0 {
		return r
	}
	if r.Num == 0 {
		return o
	}
	out := idRange{
		Num:   r.Num + o.Num,
		MinID: min(r.MinID, o.MinID),
		MaxID: max(r.MaxID, o.MaxID),
		MaxTS: max(r.MaxTS, o.MaxTS),
	}
	switch {
	case r.MinTS == 0:
		out.MinTS = o.MinTS
	case o.MinTS == 0:
		out.MinTS = r.MinTS
	default:
		out.MinTS = min(r.MinTS, o.MinTS)
	}
	return out
}

func (r idRange) String() string {
	if r.Num == 0 {
		return "0"
	}
	return fmt.Sprintf("%d objects: ids %d to %d, timestamps %s to %s",
		r.Num, r.MinID, r.MaxID, formatTS(r.MinTS), formatTS(r.MaxTS))
}

func formatTS(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return elements.FormatTimestamp(ts)
}

// NodeCount summarises nodes
type NodeCount struct {
	idRange
	MinLon, MinLat, MaxLon, MaxLat int32
}

func (c *NodeCount) add(n *elements.Node) {
	if c.Num == 0 {
		c.MinLon, c.MinLat, c.MaxLon, c.MaxLat = n.Lon, n.Lat, n.Lon, n.Lat
	} else {
		c.MinLon, c.MaxLon = min(c.MinLon, n.Lon), max(c.MaxLon, n.Lon)
		c.MinLat, c.MaxLat = min(c.MinLat, n.Lat), max(c.MaxLat, n.Lat)
	}
	c.idRange.add(n.ID, n.Info)
}

// Merge combines two node counts
func (c NodeCount) Merge(o NodeCount) NodeCount {
	switch {
	case o.Num == 0:
		return c
	case c.Num == 0:
		return o
	}
	return NodeCount{
		idRange: c.idRange.merge(o.idRange),
		MinLon:  min(c.MinLon, o.MinLon),
		MinLat:  min(c.MinLat, o.MinLat),
		MaxLon:  max(c.MaxLon, o.MaxLon),
		MaxLat:  max(c.MaxLat, o.MaxLat),
	}
}

// Bounds returns the box covering every node counted
func (c NodeCount) Bounds() quadtree.Bbox {
	if c.Num == 0 {
		return quadtree.Empty()
	}
	return quadtree.Bbox{MinLon: c.MinLon, MinLat: c.MinLat, MaxLon: c.MaxLon, MaxLat: c.MaxLat}
}

func (c NodeCount) String() string {
	if c.Num == 0 {
		return "nodes: 0"
	}
	return fmt.Sprintf("nodes: %s, box %s", c.idRange, c.Bounds())
}

// WayCount summarises ways and their node references
type WayCount struct {
	idRange
	NumRefs    int64
	MaxRefsLen int64
	MinRef     int64
	MaxRef     int64
}

func (c *WayCount) add(w *elements.Way) {
	for _, r := range w.Refs {
		if c.NumRefs == 0 || r < c.MinRef {
			c.MinRef = r
		}
		if c.NumRefs == 0 || r > c.MaxRef {
			c.MaxRef = r
		}
		c.NumRefs++
	}
	c.MaxRefsLen = max(c.MaxRefsLen, int64(len(w.Refs)))
	c.idRange.add(w.ID, w.Info)
}

// Merge combines two way counts
func (c WayCount) Merge(o WayCount) WayCount {
	out := WayCount{
		idRange:    c.idRange.merge(o.idRange),
		NumRefs:    c.NumRefs + o.NumRefs,
		MaxRefsLen: max(c.MaxRefsLen, o.MaxRefsLen),
	}
	switch {
	case o.NumRefs == 0:
		out.MinRef, out.MaxRef = c.MinRef, c.MaxRef
	case c.NumRefs == 0:
		out.MinRef, out.MaxRef = o.MinRef, o.MaxRef
	default:
		out.MinRef, out.MaxRef = min(c.MinRef, o.MinRef), max(c.MaxRef, o.MaxRef)
	}
	return out
}

func (c WayCount) String() string {
	if c.Num == 0 {
		return "ways: 0"
	}
	return fmt.Sprintf("ways: %s, %d refs (longest %d), refs %d to %d",
		c.idRange, c.NumRefs, c.MaxRefsLen, c.MinRef, c.MaxRef)
}

// RelationCount summarises relations and their members
type RelationCount struct {
	idRange
	NumMems    int64
	MaxMemsLen int64
	NumEmpties int64
}

func (c *RelationCount) add(r *elements.Relation) {
	c.NumMems += int64(len(r.Members))
	c.MaxMemsLen = max(c.MaxMemsLen, int64(len(r.Members)))
	if len(r.Members) == 0 {
		c.NumEmpties++
	}
	c.idRange.add(r.ID, r.Info)
}

// Merge combines two relation counts
func (c RelationCount) Merge(o RelationCount) RelationCount {
	return RelationCount{
		idRange:    c.idRange.merge(o.idRange),
		NumMems:    c.NumMems + o.NumMems,
		MaxMemsLen: max(c.MaxMemsLen, o.MaxMemsLen),
		NumEmpties: c.NumEmpties + o.NumEmpties,
	}
}

func (c RelationCount) String() string {
	if c.Num == 0 {
		return "relations: 0"
	}
	return fmt.Sprintf("relations: %s, %d members (longest %d), %d empty",
		c.idRange, c.NumMems, c.MaxMemsLen, c.NumEmpties)
}

// Count summarises a stream of blocks
type Count struct {
	NumBlocks int64
	Node      NodeCount
	Way       WayCount
	Relation  RelationCount
}

// Add counts every record of blk
func (c *Count) Add(blk *elements.Block) {
	c.NumBlocks++
	for i := range blk.Nodes {
		c.Node.add(&blk.Nodes[i])
	}
	for i := range blk.Ways {
		c.Way.add(&blk.Ways[i])
	}
	for i := range blk.Relations {
		c.Relation.add(&blk.Relations[i])
	}
}

// Merge combines two counts. It is associative and commutative.
func Merge(a, b *Count) *Count {
	return &Count{
		NumBlocks: a.NumBlocks + b.NumBlocks,
		Node:      a.Node.Merge(b.Node),
		Way:       a.Way.Merge(b.Way),
		Relation:  a.Relation.Merge(b.Relation),
	}
}

func (c *Count) String() string {
	return fmt.Sprintf("%d blocks\n%s\n%s\n%s", c.NumBlocks, c.Node, c.Way, c.Relation)
}

// CountChange keeps one Count per change type
type CountChange struct {
	NumBlocks int64
	Node      map[elements.ChangeType]NodeCount
	Way       map[elements.ChangeType]WayCount
	Relation  map[elements.ChangeType]RelationCount
}

// NewCountChange returns an empty change count
func NewCountChange() *CountChange {
	return &CountChange{
		Node:     map[elements.ChangeType]NodeCount{},
		Way:      map[elements.ChangeType]WayCount{},
		Relation: map[elements.ChangeType]RelationCount{},
	}
}

// Add counts every record of blk under its change type
func (c *CountChange) Add(blk *elements.Block) {
	c.NumBlocks++
	for i := range blk.Nodes {
		n := &blk.Nodes[i]
		nc := c.Node[n.ChangeType]
		nc.add(n)
		c.Node[n.ChangeType] = nc
	}
	for i := range blk.Ways {
		w := &blk.Ways[i]
		wc := c.Way[w.ChangeType]
		wc.add(w)
		c.Way[w.ChangeType] = wc
	}
	for i := range blk.Relations {
		r := &blk.Relations[i]
		rc := c.Relation[r.ChangeType]
		rc.add(r)
		c.Relation[r.ChangeType] = rc
	}
}

// MergeChange combines two change counts into a new one
func MergeChange(a, b *CountChange) *CountChange {
	out := NewCountChange()
	out.NumBlocks = a.NumBlocks + b.NumBlocks
	for _, src := range []*CountChange{a, b} {
		for k, v := range src.Node {
			out.Node[k] = out.Node[k].Merge(v)
		}
		for k, v := range src.Way {
			out.Way[k] = out.Way[k].Merge(v)
		}
		for k, v := range src.Relation {
			out.Relation[k] = out.Relation[k].Merge(v)
		}
	}
	return out
}

// Total folds every change type into a single Count
func (c *CountChange) Total() *Count {
	out := &Count{NumBlocks: c.NumBlocks}
	for _, v := range c.Node {
		out.Node = out.Node.Merge(v)
	}
	for _, v := range c.Way {
		out.Way = out.Way.Merge(v)
	}
	for _, v := range c.Relation {
		out.Relation = out.Relation.Merge(v)
	}
	return out
}

func sortedKeys[V any](m map[elements.ChangeType]V) []elements.ChangeType {
	keys := make([]elements.ChangeType, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (c *CountChange) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d blocks", c.NumBlocks)
	for _, k := range sortedKeys(c.Node) {
		fmt.Fprintf(&sb, "\n%-9s %s", k, c.Node[k])
	}
	for _, k := range sortedKeys(c.Way) {
		fmt.Fprintf(&sb, "\n%-9s %s", k, c.Way[k])
	}
	for _, k := range sortedKeys(c.Relation) {
		fmt.Fprintf(&sb, "\n%-9s %s", k, c.Relation[k])
	}
	return sb.String()
}
