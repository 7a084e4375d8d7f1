package quadtree

import (
	"fmt"
	"math"
)

// Tile is a web mercator map tile at a specific zoom level
type Tile struct {
	Z int // Zoom level
	X int // X coordinate (column)
	Y int // Y coordinate (row, 0 is north)
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Web Mercator constants
const (
	// Maximum latitude for Web Mercator (approximately 85.051129°)
	MaxMercatorLat = 85.0511287798
	// Minimum latitude for Web Mercator
	MinMercatorLat = -85.0511287798
)

// LatLonToTile converts latitude/longitude to tile coordinates at a given zoom level
// Uses the standard Web Mercator tile scheme (OSM/Google style)
func LatLonToTile(lat, lon float64, zoom int) Tile {
	if lat > MaxMercatorLat {
		lat = MaxMercatorLat
	}
	if lat < MinMercatorLat {
		lat = MinMercatorLat
	}
	if lon < -180 {
		lon = -180
	}
	if lon > 180 {
		lon = 180
	}

	n := float64(int(1) << zoom)

	x := int((lon + 180.0) / 360.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int(n) {
		y = int(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{Z: zoom, X: x, Y: y}
}

// tileLon returns the longitude of the western edge of column x
func tileLon(x, zoom int) float64 {
	return float64(x)/float64(int(1)<<zoom)*360.0 - 180.0
}

// tileLat returns the latitude of the northern edge of row y
func tileLat(y, zoom int) float64 {
	n := math.Pi * (1 - 2*float64(y)/float64(int(1)<<zoom))
	return math.Atan(math.Sinh(n)) * 180.0 / math.Pi
}

// Bounds returns the tile extent in fixed point coordinates. Tiles touching
// the top or bottom of the mercator square are stretched to the poles so
// that every valid coordinate falls inside some tile.
func (t Tile) Bounds() Bbox {
	n := int(1) << t.Z
	minLat := tileLat(t.Y+1, t.Z)
	maxLat := tileLat(t.Y, t.Z)
	if t.Y == 0 {
		maxLat = 90
	}
	if t.Y == n-1 {
		minLat = -90
	}
	return Bbox{
		MinLon: ToInt(tileLon(t.X, t.Z)),
		MinLat: ToInt(minLat),
		MaxLon: ToInt(tileLon(t.X+1, t.Z)),
		MaxLat: ToInt(maxLat),
	}
}

// TileRange represents a range of tiles at a specific zoom level
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// BboxToTileRange converts a bounding box to a range of tiles at a given zoom level
func BboxToTileRange(box Bbox, zoom int) TileRange {
	// Y increases downward (north to south)
	topLeft := LatLonToTile(ToFloat(box.MaxLat), ToFloat(box.MinLon), zoom)
	bottomRight := LatLonToTile(ToFloat(box.MinLat), ToFloat(box.MaxLon), zoom)

	return TileRange{
		Z:    zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// TileCount returns the number of tiles in the range
func (r TileRange) TileCount() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles returns all tiles in the range
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.TileCount())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}
