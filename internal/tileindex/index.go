// Package tileindex locates every tile of a dataset across its base file
// and change files, and rebuilds tiles as of the newest included change.
package tileindex

import (
	"cmp"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

var ErrIndexOutOfRange = errors.New("tile index out of range")

// tileBuffer widens tile bounds before the bbox test so records sitting on
// a tile edge are not missed
const tileBuffer = 0.05

// Loc is one stored block of a tile
type Loc struct {
	File     int
	Pos      int64
	Len      int64
	IsChange bool
}

// TileLocations lists the blocks of one tile, oldest file first
type TileLocations struct {
	Quadtree quadtree.Quadtree
	Locs     []Loc
}

// Options selects the part of a dataset to index
type Options struct {
	// Bbox keeps only tiles whose bounds intersect it. Nil keeps all.
	Bbox *quadtree.Bbox
	// Timestamp, when positive, drops change files ending after it
	Timestamp int64
	// Mmap maps files instead of reading through file handles
	Mmap bool
}

// Index is the merged tile list of a dataset
type Index struct {
	files      []FileEntry
	sources    []pbf.Source
	tiles      []TileLocations
	totalBytes int64
}

// OpenPrefix reads <prefix>/filelist.json and opens the listed files
func OpenPrefix(prefix string, opts Options) (*Index, error) {
	entries, err := ReadFileList(prefix)
	if err != nil {
		return nil, err
	}
	return Open(prefix, entries, opts)
}

// Open indexes the given files. Relative file names are resolved against
// dir. The first entry is always included; later entries are skipped when
// their EndDate is after opts.Timestamp.
func Open(dir string, entries []FileEntry, opts Options) (*Index, error) {
	if len(entries) == 0 {
		return nil, errors.New("no files to index")
	}
	log := logger.Get()
	idx := &Index{}
	byTile := map[quadtree.Quadtree][]Loc{}

	for i, e := range entries {
		if i > 0 && opts.Timestamp > 0 && e.EndDate != "" {
			end, err := elements.ParseTimestamp(e.EndDate)
			if err != nil {
				idx.Close()
				return nil, fmt.Errorf("bad end date for %s: %w", e.Filename, err)
			}
			if end > opts.Timestamp {
				log.Debug("skipping change file after cutoff",
					zap.String("file", e.Filename), zap.String("end_date", e.EndDate))
				continue
			}
		}

		path := e.Filename
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		src, err := pbf.Open(path, opts.Mmap)
		if err != nil {
			idx.Close()
			return nil, err
		}
		header, err := pbf.ReadHeader(src)
		if err != nil {
			src.Close()
			idx.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		fileNum := len(idx.sources)
		idx.sources = append(idx.sources, src)
		idx.files = append(idx.files, e)

		kept := 0
		for _, ie := range header.Index {
			if ie.Quadtree == quadtree.Null {
				continue
			}
			if opts.Bbox != nil && !opts.Bbox.Intersects(ie.Quadtree.Bounds(tileBuffer)) {
				continue
			}
			byTile[ie.Quadtree] = append(byTile[ie.Quadtree], Loc{
				File: fileNum, Pos: ie.Pos, Len: ie.Len, IsChange: ie.IsChange,
			})
			idx.totalBytes += ie.Len
			kept++
		}
		log.Debug("indexed file",
			zap.String("file", path),
			zap.Int("entries", len(header.Index)),
			zap.Int("kept", kept))
	}

	idx.tiles = make([]TileLocations, 0, len(byTile))
	for q, locs := range byTile {
		idx.tiles = append(idx.tiles, TileLocations{Quadtree: q, Locs: locs})
	}
	slices.SortFunc(idx.tiles, func(a, b TileLocations) int { return cmp.Compare(a.Quadtree, b.Quadtree) })
	return idx, nil
}

// Len returns the number of tiles
func (idx *Index) Len() int { return len(idx.tiles) }

// NumFiles returns the number of files included
func (idx *Index) NumFiles() int { return len(idx.sources) }

// Files returns the entries of the included files
func (idx *Index) Files() []FileEntry { return idx.files }

// TotalBytes is the stored size of every indexed block
func (idx *Index) TotalBytes() int64 { return idx.totalBytes }

func (idx *Index) resolve(i int) (int, error) {
	if i < 0 {
		i += len(idx.tiles)
	}
	if i < 0 || i >= len(idx.tiles) {
		return 0, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(idx.tiles))
	}
	return i, nil
}

// At returns the locations of tile i. Negative values count from the end.
func (idx *Index) At(i int) (TileLocations, error) {
	i, err := idx.resolve(i)
	if err != nil {
		return TileLocations{}, err
	}
	return idx.tiles[i], nil
}

// RawBlocksAt reads the stored blocks of tile i without decoding them
func (idx *Index) RawBlocksAt(i int) ([]*pbf.RawBlock, error) {
	t, err := idx.readTile(i)
	if err != nil {
		return nil, err
	}
	return t.raws, nil
}

// Reconstruct rebuilds tile i. A non-nil ids prunes records while folding;
// it never changes the records that are kept.
func (idx *Index) Reconstruct(i int, ids idset.IdSet) (*elements.Block, error) {
	t, err := idx.readTile(i)
	if err != nil {
		return nil, err
	}
	return t.reconstruct(ids)
}

// Close releases every file
func (idx *Index) Close() error {
	var errs []error
	for _, s := range idx.sources {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	idx.sources = nil
	return errors.Join(errs...)
}

// tileData is one tile's stored blocks, read by the dispatching goroutine
// and decoded by a worker
type tileData struct {
	index int
	tile  TileLocations
	raws  []*pbf.RawBlock
	size  int64
}

func (idx *Index) readTile(i int) (*tileData, error) {
	i, err := idx.resolve(i)
	if err != nil {
		return nil, err
	}
	tile := idx.tiles[i]
	t := &tileData{index: i, tile: tile, raws: make([]*pbf.RawBlock, len(tile.Locs))}
	for j, loc := range tile.Locs {
		rb, err := idx.sources[loc.File].ReadAt(loc.Pos)
		if err != nil {
			return nil, fmt.Errorf("tile %s: failed to read block at %d of %s: %w",
				tile.Quadtree, loc.Pos, idx.files[loc.File].Filename, err)
		}
		t.raws[j] = rb
		t.size += rb.Len
	}
	return t, nil
}

// reconstruct folds the tile's layers. Non-change blocks are combined into
// the base; change blocks are applied on top in file order.
func (t *tileData) reconstruct(ids idset.IdSet) (*elements.Block, error) {
	var base *elements.Block
	var changes []*elements.Block
	for j, rb := range t.raws {
		loc := t.tile.Locs[j]
		blk, err := pbf.DecodeData(rb, t.index, loc.IsChange)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.tile.Quadtree, err)
		}
		if loc.IsChange {
			changes = append(changes, blk)
		} else {
			base = elements.Combine(base, blk)
		}
	}
	out := elements.Merge(base, changes, ids)
	out.Index = t.index
	out.Quadtree = t.tile.Quadtree
	if len(t.tile.Locs) > 0 {
		out.Location = t.tile.Locs[0].Pos
	}
	return out, nil
}
