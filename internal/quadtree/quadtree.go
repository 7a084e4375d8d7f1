// Package quadtree provides the spatial keys used to group records into
// tiles, together with the fixed point box type shared by the filters.
package quadtree

import (
	"errors"
	"strings"
)

// Quadtree identifies a tile in the quadtree. The positive value holds up to
// 28 pairs of x/y bits, most significant level first, followed by a 5 bit
// depth:
//
//	xyxy xyxy ... xyxy ddddd
//
// Negative values are reserved; Null marks "no tile".
type Quadtree int64

const (
	Null     Quadtree = -1
	MaxDepth          = 28
)

var (
	ErrDepth     = errors.New("quadtree depth out of range")
	ErrQuadChar  = errors.New("quadtree string must only contain A, B, C or D")
	ErrOutOfTile = errors.New("tile coordinate out of range for depth")
)

func shift(level int) uint {
	return uint(61 - 2*level)
}

// FromTuple builds a quadtree value from slippy map style tile coordinates
func FromTuple(x, y uint32, z int) (Quadtree, error) {
	if z < 0 || z > MaxDepth {
		return Null, ErrDepth
	}
	if z < 32 && (uint64(x) >= 1<<uint(z) || uint64(y) >= 1<<uint(z)) {
		return Null, ErrOutOfTile
	}
	var q int64
	for i := 0; i < z; i++ {
		xb := int64(x>>uint(z-1-i)) & 1
		yb := int64(y>>uint(z-1-i)) & 1
		q |= (xb | yb<<1) << shift(i)
	}
	return Quadtree(q | int64(z)), nil
}

// FromTile converts a map tile into a quadtree value
func FromTile(t Tile) (Quadtree, error) {
	return FromTuple(uint32(t.X), uint32(t.Y), t.Z)
}

// FromString parses the A/B/C/D representation
func FromString(s string) (Quadtree, error) {
	if len(s) > MaxDepth {
		return Null, ErrDepth
	}
	var q int64
	for i, c := range strings.ToUpper(s) {
		if c < 'A' || c > 'D' {
			return Null, ErrQuadChar
		}
		q |= int64(c-'A') << shift(i)
	}
	return Quadtree(q | int64(len(s))), nil
}

// Depth returns the level of the tile (0 is the whole world)
func (q Quadtree) Depth() int {
	if q < 0 {
		return -1
	}
	return int(q & 31)
}

// Tuple returns the x, y, z tile coordinates. y=0 is north.
func (q Quadtree) Tuple() (x, y uint32, z int) {
	z = q.Depth()
	for i := 0; i < z; i++ {
		x <<= 1
		y <<= 1
		v := (q >> shift(i)) & 3
		if v&1 == 1 {
			x |= 1
		}
		if v&2 == 2 {
			y |= 1
		}
	}
	return x, y, z
}

// Tile returns the map tile the quadtree value refers to
func (q Quadtree) Tile() Tile {
	x, y, z := q.Tuple()
	return Tile{Z: z, X: int(x), Y: int(y)}
}

// Round returns the parent tile at the given level, or q itself when it
// is already at or above that level.
func (q Quadtree) Round(level int) Quadtree {
	if q < 0 || q.Depth() <= level {
		return q
	}
	s := 63 - 2*uint(level)
	v := (int64(q) >> s) << s
	return Quadtree(v | int64(level))
}

// IsParent reports whether q contains other (a tile is its own parent)
func (q Quadtree) IsParent(other Quadtree) bool {
	if q < 0 || other < 0 || q.Depth() > other.Depth() {
		return false
	}
	return other.Round(q.Depth()) == q
}

// Bounds returns the extent of the tile, grown on every side by buffer
// times the tile size.
func (q Quadtree) Bounds(buffer float64) Bbox {
	if q < 0 {
		return Empty()
	}
	b := q.Tile().Bounds()
	if buffer > 0 {
		dx := int32(float64(b.MaxLon-b.MinLon) * buffer)
		dy := int32(float64(b.MaxLat-b.MinLat) * buffer)
		b.MinLon = clamp(int64(b.MinLon)-int64(dx), WorldMinLon, WorldMaxLon)
		b.MaxLon = clamp(int64(b.MaxLon)+int64(dx), WorldMinLon, WorldMaxLon)
		b.MinLat = clamp(int64(b.MinLat)-int64(dy), WorldMinLat, WorldMaxLat)
		b.MaxLat = clamp(int64(b.MaxLat)+int64(dy), WorldMinLat, WorldMaxLat)
	}
	return b
}

func clamp(v int64, lo, hi int32) int32 {
	if v < int64(lo) {
		return lo
	}
	if v > int64(hi) {
		return hi
	}
	return int32(v)
}

// String returns the A/B/C/D representation, or "NULL"
func (q Quadtree) String() string {
	if q < 0 {
		return "NULL"
	}
	d := q.Depth()
	var sb strings.Builder
	sb.Grow(d)
	for i := 0; i < d; i++ {
		sb.WriteByte(byte('A' + (q>>shift(i))&3))
	}
	return sb.String()
}

// Calculate returns the deepest tile, no deeper than maxLevel, which
// contains the whole box.
func Calculate(box Bbox, maxLevel int) Quadtree {
	if box.IsEmpty() {
		return Null
	}
	if maxLevel > MaxDepth {
		maxLevel = MaxDepth
	}
	best := Quadtree(0)
	for z := 1; z <= maxLevel; z++ {
		a := LatLonToTile(ToFloat(box.MaxLat), ToFloat(box.MinLon), z)
		b := LatLonToTile(ToFloat(box.MinLat), ToFloat(box.MaxLon), z)
		if a != b {
			break
		}
		q, err := FromTile(a)
		if err != nil {
			break
		}
		best = q
	}
	return best
}
