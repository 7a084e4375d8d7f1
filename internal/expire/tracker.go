// Package expire collects the map tiles touched by change layers, so a
// renderer can re-render them.
package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Tracker tracks tiles that need to be expired (re-rendered)
type Tracker struct {
	mu      sync.Mutex
	tiles   map[quadtree.Tile]struct{}
	minZoom int
	maxZoom int
}

// NewTracker creates a tracker for zoom levels minZoom to maxZoom
func NewTracker(minZoom, maxZoom int) *Tracker {
	if minZoom < 0 {
		minZoom = 0
	}
	if maxZoom > quadtree.MaxDepth {
		maxZoom = quadtree.MaxDepth
	}
	return &Tracker{
		tiles:   make(map[quadtree.Tile]struct{}),
		minZoom: minZoom,
		maxZoom: maxZoom,
	}
}

// ExpirePoint marks the tiles containing a point at every zoom
func (t *Tracker) ExpirePoint(lon, lat int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for z := t.minZoom; z <= t.maxZoom; z++ {
		t.tiles[quadtree.LatLonToTile(quadtree.ToFloat(lat), quadtree.ToFloat(lon), z)] = struct{}{}
	}
}

// ExpireQuadtree marks q and its parents. Zooms deeper than q are left to
// ExpirePoint since the tile alone does not say which children changed.
func (t *Tracker) ExpireQuadtree(q quadtree.Quadtree) {
	if q < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for z := t.minZoom; z <= t.maxZoom && z <= q.Depth(); z++ {
		t.tiles[q.Round(z).Tile()] = struct{}{}
	}
}

// ExpireBlock marks the tile of a change block plus the position of every
// node it creates or moves. Ways and relations only expire their tile.
func (t *Tracker) ExpireBlock(blk *elements.Block) {
	t.ExpireQuadtree(blk.Quadtree)
	for i := range blk.Nodes {
		if blk.Nodes[i].ChangeType == elements.Delete {
			continue
		}
		t.ExpirePoint(blk.Nodes[i].Lon, blk.Nodes[i].Lat)
	}
}

// Count returns the number of unique expired tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the count of tiles at each zoom level
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[tile.Z]++
	}
	return counts
}

// Tiles returns the expired tiles ordered by zoom, x then y
func (t *Tracker) Tiles() []quadtree.Tile {
	t.mu.Lock()
	tiles := make([]quadtree.Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		tiles = append(tiles, tile)
	}
	t.mu.Unlock()

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// Clear removes all tracked tiles
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiles = make(map[quadtree.Tile]struct{})
}

// AppendToFile appends the tiles to filename in z/x/y format, one per line
func (t *Tracker) AppendToFile(filename string) error {
	tiles := t.Tiles()
	if len(tiles) == 0 {
		logger.Get().Debug("No tiles to expire")
		return nil
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open expire file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, tile := range tiles {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write expire file: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	counts := t.CountByZoom()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	fields := []zap.Field{zap.String("file", filename)}
	for _, z := range zooms {
		fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	fields = append(fields, zap.Int("total", len(tiles)))
	logger.Get().Info("Wrote expire tiles", fields...)
	return nil
}
