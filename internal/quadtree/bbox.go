package quadtree

import (
	"fmt"
	"math"
)

// Scale converts degrees to the fixed point units used for all stored
// coordinates (1e-7 degrees).
const Scale = 1e7

// Limits of the valid coordinate range in fixed point units. A filter box
// covering all of it is treated as "whole world" and skips spatial filtering.
const (
	WorldMinLon int32 = -1800000000
	WorldMinLat int32 = -900000000
	WorldMaxLon int32 = 1800000000
	WorldMaxLat int32 = 900000000
)

// WholeWorld is the box spanning the full valid coordinate range.
var WholeWorld = Bbox{MinLon: WorldMinLon, MinLat: WorldMinLat, MaxLon: WorldMaxLon, MaxLat: WorldMaxLat}

// Bbox is an axis aligned box in fixed point coordinates. Edges are inclusive.
type Bbox struct {
	MinLon, MinLat, MaxLon, MaxLat int32
}

// Planet returns the whole world box
func Planet() Bbox {
	return WholeWorld
}

// Empty returns an inverted box which any Expand call will replace
func Empty() Bbox {
	return Bbox{MinLon: math.MaxInt32, MinLat: math.MaxInt32, MaxLon: math.MinInt32, MaxLat: math.MinInt32}
}

// ToInt converts degrees to fixed point units
func ToInt(deg float64) int32 {
	return int32(math.Round(deg * Scale))
}

// ToFloat converts fixed point units to degrees
func ToFloat(v int32) float64 {
	return float64(v) / Scale
}

// FromDegrees builds a box from degree values
func FromDegrees(minLon, minLat, maxLon, maxLat float64) Bbox {
	return Bbox{MinLon: ToInt(minLon), MinLat: ToInt(minLat), MaxLon: ToInt(maxLon), MaxLat: ToInt(maxLat)}
}

// IsEmpty reports whether the box is inverted
func (b Bbox) IsEmpty() bool {
	return b.MinLon > b.MaxLon || b.MinLat > b.MaxLat
}

// IsPlanet reports whether the box covers the whole valid coordinate range
func (b Bbox) IsPlanet() bool {
	return b.ContainsBox(WholeWorld)
}

// IsValid checks the box is ordered and inside the valid coordinate range
func (b Bbox) IsValid() bool {
	return !b.IsEmpty() &&
		b.MinLon >= WorldMinLon && b.MaxLon <= WorldMaxLon &&
		b.MinLat >= WorldMinLat && b.MaxLat <= WorldMaxLat
}

// Contains checks if a point is within the box
func (b Bbox) Contains(lon, lat int32) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// ContainsBox checks if other lies entirely within the box
func (b Bbox) ContainsBox(other Bbox) bool {
	return other.MinLon >= b.MinLon && other.MaxLon <= b.MaxLon &&
		other.MinLat >= b.MinLat && other.MaxLat <= b.MaxLat
}

// Intersects checks if the two boxes overlap
func (b Bbox) Intersects(other Bbox) bool {
	if b.IsEmpty() || other.IsEmpty() {
		return false
	}
	return b.MinLon <= other.MaxLon && other.MinLon <= b.MaxLon &&
		b.MinLat <= other.MaxLat && other.MinLat <= b.MaxLat
}

// Expand grows the box to include another box
func (b *Bbox) Expand(other Bbox) {
	if other.IsEmpty() {
		return
	}
	b.ExpandPoint(other.MinLon, other.MinLat)
	b.ExpandPoint(other.MaxLon, other.MaxLat)
}

// ExpandPoint grows the box to include a point
func (b *Bbox) ExpandPoint(lon, lat int32) {
	if lon < b.MinLon {
		b.MinLon = lon
	}
	if lon > b.MaxLon {
		b.MaxLon = lon
	}
	if lat < b.MinLat {
		b.MinLat = lat
	}
	if lat > b.MaxLat {
		b.MaxLat = lat
	}
}

// String formats the box in degrees
func (b Bbox) String() string {
	if b.IsEmpty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%0.7f, %0.7f, %0.7f, %0.7f]",
		ToFloat(b.MinLon), ToFloat(b.MinLat), ToFloat(b.MaxLon), ToFloat(b.MaxLat))
}
