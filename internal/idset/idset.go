// Package idset provides the id predicates used to filter records: All,
// which accepts everything, and Set, an explicit per-kind set backed by
// roaring bitmaps.
package idset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

// IdSet answers membership for a (kind, id) pair
type IdSet interface {
	Contains(t elements.ElementType, id int64) bool
}

// All contains every id
type All struct{}

func (All) Contains(elements.ElementType, int64) bool { return true }

func (All) String() string { return "all ids" }

var ErrFrozen = errors.New("id set is frozen")

var fileMagic = [4]byte{'O', 'Q', 'I', 'D'}

// Set is an explicit id set: one bitmap per record kind plus the boundary
// nodes, which are referenced by a selected way but lie outside the filter
// region. It is not safe for concurrent writes; build per-worker sets and
// Union them.
type Set struct {
	nodes     *roaring64.Bitmap
	ways      *roaring64.Bitmap
	relations *roaring64.Bitmap
	boundary  *roaring64.Bitmap
	frozen    bool
}

// New returns an empty set
func New() *Set {
	return &Set{
		nodes:     roaring64.New(),
		ways:      roaring64.New(),
		relations: roaring64.New(),
		boundary:  roaring64.New(),
	}
}

func (s *Set) bitmap(t elements.ElementType) *roaring64.Bitmap {
	switch t {
	case elements.NodeType:
		return s.nodes
	case elements.WayType:
		return s.ways
	case elements.RelationType:
		return s.relations
	}
	return nil
}

func (s *Set) checkWrite() {
	if s.frozen {
		panic(ErrFrozen)
	}
}

// Add inserts an id. Unknown kinds are ignored.
func (s *Set) Add(t elements.ElementType, id int64) {
	s.checkWrite()
	if bm := s.bitmap(t); bm != nil {
		bm.Add(uint64(id))
	}
}

// AddBoundary records a node kept only to complete a way's geometry
func (s *Set) AddBoundary(id int64) {
	s.checkWrite()
	s.boundary.Add(uint64(id))
}

// Contains reports membership. Nodes match either the primary set or the
// boundary set.
func (s *Set) Contains(t elements.ElementType, id int64) bool {
	if t == elements.NodeType {
		return s.nodes.Contains(uint64(id)) || s.boundary.Contains(uint64(id))
	}
	if bm := s.bitmap(t); bm != nil {
		return bm.Contains(uint64(id))
	}
	return false
}

// Selected reports membership of the primary set only
func (s *Set) Selected(t elements.ElementType, id int64) bool {
	if bm := s.bitmap(t); bm != nil {
		return bm.Contains(uint64(id))
	}
	return false
}

// IsBoundary reports whether id is held only for geometric completeness
func (s *Set) IsBoundary(id int64) bool {
	return s.boundary.Contains(uint64(id)) && !s.nodes.Contains(uint64(id))
}

// Len returns the number of primary ids of a kind
func (s *Set) Len(t elements.ElementType) int {
	if bm := s.bitmap(t); bm != nil {
		return int(bm.GetCardinality())
	}
	return 0
}

// BoundaryLen returns the number of boundary ids
func (s *Set) BoundaryLen() int {
	return int(s.boundary.GetCardinality())
}

// AddBlockFull inserts every record of a block without any spatial test
func (s *Set) AddBlockFull(b *elements.Block) {
	s.checkWrite()
	for i := range b.Nodes {
		s.nodes.Add(uint64(b.Nodes[i].ID))
	}
	for i := range b.Ways {
		s.ways.Add(uint64(b.Ways[i].ID))
	}
	for i := range b.Relations {
		s.relations.Add(uint64(b.Relations[i].ID))
	}
}

// Union adds every id of other into s
func (s *Set) Union(other *Set) {
	s.checkWrite()
	if other == nil {
		return
	}
	s.nodes.Or(other.nodes)
	s.ways.Or(other.ways)
	s.relations.Or(other.relations)
	s.boundary.Or(other.boundary)
}

// Freeze marks the set read-only; any later write panics
func (s *Set) Freeze() { s.frozen = true }

// Frozen reports whether Freeze has been called
func (s *Set) Frozen() bool { return s.frozen }

func (s *Set) String() string {
	return fmt.Sprintf("IdSet: %d nodes, %d ways, %d relations, %d boundary nodes",
		s.nodes.GetCardinality(), s.ways.GetCardinality(),
		s.relations.GetCardinality(), s.boundary.GetCardinality())
}

func (s *Set) all() []*roaring64.Bitmap {
	return []*roaring64.Bitmap{s.nodes, s.ways, s.relations, s.boundary}
}

// WriteTo persists the four bitmaps, each prefixed with its length
func (s *Set) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := w.Write(fileMagic[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	var buf bytes.Buffer
	for _, bm := range s.all() {
		buf.Reset()
		if _, err := bm.WriteTo(&buf); err != nil {
			return total, fmt.Errorf("failed to serialize bitmap: %w", err)
		}
		var hdr [8]byte
		binary.BigEndian.PutUint64(hdr[:], uint64(buf.Len()))
		n, err := w.Write(hdr[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
		m, err := w.Write(buf.Bytes())
		total += int64(m)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadFrom replaces the contents of s with a set written by WriteTo
func (s *Set) ReadFrom(r io.Reader) (int64, error) {
	s.checkWrite()
	var total int64
	var magic [4]byte
	n, err := io.ReadFull(r, magic[:])
	total += int64(n)
	if err != nil {
		return total, fmt.Errorf("failed to read id set header: %w", err)
	}
	if magic != fileMagic {
		return total, fmt.Errorf("not an id set file")
	}
	bms := make([]*roaring64.Bitmap, 4)
	for i := range bms {
		var hdr [8]byte
		n, err := io.ReadFull(r, hdr[:])
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to read bitmap length: %w", err)
		}
		data := make([]byte, binary.BigEndian.Uint64(hdr[:]))
		n, err = io.ReadFull(r, data)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to read bitmap: %w", err)
		}
		bm := roaring64.New()
		if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
			return total, fmt.Errorf("failed to decode bitmap: %w", err)
		}
		bms[i] = bm
	}
	s.nodes, s.ways, s.relations, s.boundary = bms[0], bms[1], bms[2], bms[3]
	return total, nil
}
