package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/wegman-software/osmquadtree-go/internal/config"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/osmxml"
	"github.com/wegman-software/osmquadtree-go/internal/parquet"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/pgsink"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

// Output file names inside the output directory
const (
	ExtractPBF = "extract.pbf"
	ExtractXML = "extract.osm"
)

// Sink consumes batches of reconstructed blocks
type Sink interface {
	WriteBlocks(ctx context.Context, blocks []*elements.Block) error
	Close() error
}

// SinkInfo describes the data being extracted
type SinkInfo struct {
	Bbox    *quadtree.Bbox
	EndDate string
	State   int64
}

// OpenSink opens the sink selected by cfg.Format
func OpenSink(ctx context.Context, cfg *config.Config, info SinkInfo) (Sink, error) {
	switch cfg.Format {
	case config.FormatPBF:
		comp, err := pbf.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return newPBFSink(cfg.OutputDir, comp, info)
	case config.FormatParquet:
		w, err := parquet.NewElementWriter(cfg.OutputDir, cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		return &parquetSink{w: w}, nil
	case config.FormatXML:
		return newXMLSink(filepath.Join(cfg.OutputDir, ExtractXML))
	case config.FormatPG:
		store, err := pgsink.Open(ctx, cfg.ConnectionString(), cfg.DBSchema)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureTables(ctx, false); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown output format %q", cfg.Format)
}

// lockedSink serialises writes from several emitting workers
type lockedSink struct {
	mu   sync.Mutex
	sink Sink
}

func (l *lockedSink) WriteBlocks(ctx context.Context, blocks []*elements.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.WriteBlocks(ctx, blocks)
}

func (l *lockedSink) Close() error { return l.sink.Close() }

// pbfSink writes a single tile-sorted file and a one-entry file list next
// to it, so the output directory is itself a readable prefix
type pbfSink struct {
	dir   string
	info  SinkInfo
	file  *os.File
	buf   *bufio.Writer
	w     *pbf.Writer
	tiles int
}

func newPBFSink(dir string, comp pbf.Compression, info SinkInfo) (*pbfSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, ExtractPBF))
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	header := pbf.DefaultHeader()
	header.Bbox = info.Bbox
	w, err := pbf.NewWriter(buf, comp, header)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &pbfSink{dir: dir, info: info, file: f, buf: buf, w: w}, nil
}

func (s *pbfSink) WriteBlocks(_ context.Context, blocks []*elements.Block) error {
	for _, b := range blocks {
		if err := s.w.WriteBlock(b, false); err != nil {
			return err
		}
		s.tiles++
	}
	return nil
}

func (s *pbfSink) Close() error {
	err := s.w.Close()
	if ferr := s.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return tileindex.WriteFileList(s.dir, []tileindex.FileEntry{{
		State:    s.info.State,
		EndDate:  s.info.EndDate,
		Filename: ExtractPBF,
		NumTiles: s.tiles,
	}})
}

type parquetSink struct {
	w *parquet.ElementWriter
}

func (s *parquetSink) WriteBlocks(_ context.Context, blocks []*elements.Block) error {
	for _, b := range blocks {
		if err := s.w.WriteBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *parquetSink) Close() error { return s.w.Close() }

type xmlSink struct {
	file *os.File
	w    *osmxml.Writer
}

func newXMLSink(path string) (*xmlSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := osmxml.NewWriter(f, false)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &xmlSink{file: f, w: w}, nil
}

func (s *xmlSink) WriteBlocks(_ context.Context, blocks []*elements.Block) error {
	for _, b := range blocks {
		if err := s.w.WriteBlock(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *xmlSink) Close() error {
	err := s.w.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
