// Package pipeline wires sources, the dispatch layer, the filter builder
// and sinks into whole jobs.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/config"
	"github.com/wegman-software/osmquadtree-go/internal/count"
	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/filter"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/metrics"
	"github.com/wegman-software/osmquadtree-go/internal/osmxml"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

// Coordinator runs jobs over one input: a single container file or a
// tile-sorted prefix directory holding a filelist.json
type Coordinator struct {
	cfg  *config.Config
	msgr progress.Messenger
}

// NewCoordinator validates cfg. A nil messenger reports progress through
// the global logger.
func NewCoordinator(cfg *config.Config, msgr progress.Messenger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if msgr == nil {
		msgr = progress.NewLogger(logger.Get())
	}
	return &Coordinator{cfg: cfg, msgr: msgr}, nil
}

// IsPrefix reports whether the input is a prefix directory
func (c *Coordinator) IsPrefix() bool {
	info, err := os.Stat(c.cfg.Input)
	return err == nil && info.IsDir()
}

// startMetrics runs a collector until the returned stop is called. stop
// returns the peak readings, or nil when collection is off. Later calls
// return the first reading, so stop can be both deferred and read.
func (c *Coordinator) startMetrics(ctx context.Context) func() *metrics.Peak {
	if c.cfg.MetricsInterval <= 0 {
		return func() *metrics.Peak { return nil }
	}
	log := logger.Get()
	metricsCtx, cancel := context.WithCancel(ctx)
	collector := metrics.NewCollector(c.cfg.MetricsInterval, log)
	done := make(chan struct{})
	go func() {
		collector.Start(metricsCtx)
		close(done)
	}()
	log.Info("system metrics collection started", zap.Duration("interval", c.cfg.MetricsInterval))
	return sync.OnceValue(func() *metrics.Peak {
		cancel()
		<-done
		p := collector.Peak()
		return &p
	})
}

func (c *Coordinator) openIndex(bbox *quadtree.Bbox) (*tileindex.Index, error) {
	ts, err := c.cfg.TimestampValue()
	if err != nil {
		return nil, err
	}
	return tileindex.OpenPrefix(c.cfg.Input, tileindex.Options{Bbox: bbox, Timestamp: ts, Mmap: c.cfg.Mmap})
}

// filterSpec parses the configured filter, validating it before any file
// is opened
func (c *Coordinator) filterSpec() (filter.Spec, error) {
	spec, err := filter.ParseSpec(c.cfg.Filter)
	if err != nil {
		return filter.Spec{}, err
	}
	return spec, spec.Validate()
}

// tileBounds limits which tiles are read: a saved id set or a whole world
// filter needs every tile
func (c *Coordinator) tileBounds(spec filter.Spec) *quadtree.Bbox {
	if c.cfg.IdsFile != "" || spec.IsWholeWorld() {
		return nil
	}
	b := spec.Bounds()
	return &b
}

// ids returns the id set for the job: a saved set when one is configured,
// otherwise one built from spec over idx
func (c *Coordinator) ids(ctx context.Context, idx *tileindex.Index, spec filter.Spec) (idset.IdSet, error) {
	if c.cfg.IdsFile != "" {
		return LoadIdSet(c.cfg.IdsFile)
	}
	return filter.Prepare(ctx, idx, spec, c.cfg.Workers, c.msgr)
}

// LoadIdSet reads a set saved by RunFilter
func LoadIdSet(path string) (*idset.Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id set: %w", err)
	}
	defer f.Close()
	s := idset.New()
	if _, err := s.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Freeze()
	return s, nil
}

// SaveIdSet writes ids to path
func SaveIdSet(path string, ids *idset.Set) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create id set file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = ids.WriteTo(f)
	return err
}

func countFactory[R any](newAcc func() R, add func(R, *elements.Block)) func(int) dispatch.CallFinish[*elements.Block, R] {
	return func(int) dispatch.CallFinish[*elements.Block, R] {
		acc := newAcc()
		return dispatch.Funcs[*elements.Block, R]{
			CallFn:   func(b *elements.Block) error { add(acc, b); return nil },
			FinishFn: func() (R, error) { return acc, nil },
		}
	}
}

func countFile[R any](ctx context.Context, c *Coordinator, path string, isChange bool, newAcc func() R, add func(R, *elements.Block), merge dispatch.Merger[R]) (R, error) {
	var zero R
	src, err := pbf.Open(path, c.cfg.Mmap)
	if err != nil {
		return zero, err
	}
	defer src.Close()
	return ReadBlocks(ctx, src, isChange, c.cfg.Workers,
		countFactory(newAcc, add), merge, c.msgr)
}

// RunCount counts a file's blocks as stored, or for a prefix, the tiles as
// rebuilt at the configured timestamp and filter
func (c *Coordinator) RunCount(ctx context.Context) (*count.Count, *Stats, error) {
	log := logger.Get()
	start := time.Now()
	stop := c.startMetrics(ctx)
	defer stop()
	stats := &Stats{Input: c.cfg.Input}

	newAcc := func() *count.Count { return &count.Count{} }
	add := func(acc *count.Count, b *elements.Block) { acc.Add(b) }

	var result *count.Count
	if c.IsPrefix() {
		spec, err := c.filterSpec()
		if err != nil {
			return nil, nil, err
		}
		idx, err := c.openIndex(c.tileBounds(spec))
		if err != nil {
			return nil, nil, err
		}
		defer idx.Close()
		var ids idset.IdSet
		if c.cfg.IdsFile != "" || !spec.IsWholeWorld() {
			if ids, err = c.ids(ctx, idx, spec); err != nil {
				return nil, nil, err
			}
		}
		result, err = tileindex.Process(ctx, idx, ids, c.cfg.Workers, countFactory(newAcc, add), count.Merge, dispatch.Options{}, c.msgr)
		if err != nil {
			return nil, nil, err
		}
		stats.Files, stats.Tiles, stats.BytesRead = idx.NumFiles(), idx.Len(), idx.TotalBytes()
	} else {
		var err error
		result, err = countFile(ctx, c, c.cfg.Input, strings.HasSuffix(c.cfg.Input, tileindex.ChangeExt), newAcc, add, count.Merge)
		if err != nil {
			return nil, nil, err
		}
	}
	if result == nil {
		result = &count.Count{}
	}

	stats.Blocks = result.NumBlocks
	stats.Nodes, stats.Ways, stats.Relations = result.Node.Num, result.Way.Num, result.Relation.Num
	stats.Elapsed = time.Since(start)
	stats.Peak = stop()
	log.Info("count complete", stats.Fields()...)
	return result, stats, nil
}

// RunCountChange counts by change type. For a prefix every file up to the
// timestamp cutoff is read as stored, without folding.
func (c *Coordinator) RunCountChange(ctx context.Context) (*count.CountChange, *Stats, error) {
	log := logger.Get()
	start := time.Now()
	stop := c.startMetrics(ctx)
	defer stop()
	stats := &Stats{Input: c.cfg.Input}

	paths := []string{c.cfg.Input}
	changes := []bool{strings.HasSuffix(c.cfg.Input, tileindex.ChangeExt)}
	if c.IsPrefix() {
		idx, err := c.openIndex(nil)
		if err != nil {
			return nil, nil, err
		}
		paths, changes = paths[:0], changes[:0]
		for i, e := range idx.Files() {
			p := e.Filename
			if !filepath.IsAbs(p) {
				p = filepath.Join(c.cfg.Input, p)
			}
			paths = append(paths, p)
			changes = append(changes, i > 0)
		}
		stats.Files, stats.Tiles = idx.NumFiles(), idx.Len()
		idx.Close()
	}

	result := count.NewCountChange()
	for i, p := range paths {
		part, err := countFile(ctx, c, p, changes[i], count.NewCountChange,
			func(acc *count.CountChange, b *elements.Block) { acc.Add(b) }, count.MergeChange)
		if err != nil {
			return nil, nil, err
		}
		result = count.MergeChange(result, part)
	}

	total := result.Total()
	stats.Blocks = total.NumBlocks
	stats.Nodes, stats.Ways, stats.Relations = total.Node.Num, total.Way.Num, total.Relation.Num
	stats.Elapsed = time.Since(start)
	stats.Peak = stop()
	log.Info("change count complete", stats.Fields()...)
	return result, stats, nil
}

// RunFilter builds the id set for the configured filter and, when out is
// set, saves it there. A filter covering the whole world reads nothing and
// saves nothing.
func (c *Coordinator) RunFilter(ctx context.Context, out string) (idset.IdSet, *Stats, error) {
	log := logger.Get()
	start := time.Now()
	spec, err := c.filterSpec()
	if err != nil {
		return nil, nil, err
	}
	stats := &Stats{Input: c.cfg.Input}
	if spec.IsWholeWorld() {
		log.Info("filter covers the whole world, no id set needed", zap.String("filter", spec.String()))
		return idset.All{}, stats, nil
	}

	stop := c.startMetrics(ctx)
	defer stop()
	idx, err := c.openIndex(c.tileBounds(spec))
	if err != nil {
		return nil, nil, err
	}
	defer idx.Close()

	ids, err := filter.Prepare(ctx, idx, spec, c.cfg.Workers, c.msgr)
	if err != nil {
		return nil, nil, err
	}
	set, ok := ids.(*idset.Set)
	if !ok {
		return ids, stats, nil
	}
	if out != "" {
		if err := SaveIdSet(out, set); err != nil {
			return nil, nil, err
		}
	}

	stats.Files, stats.Tiles, stats.BytesRead = idx.NumFiles(), idx.Len(), idx.TotalBytes()
	stats.Nodes = int64(set.Len(elements.NodeType))
	stats.Ways = int64(set.Len(elements.WayType))
	stats.Relations = int64(set.Len(elements.RelationType))
	stats.Elapsed = time.Since(start)
	stats.Peak = stop()
	log.Info("filter complete", append(stats.Fields(),
		zap.Int("boundary_nodes", set.BoundaryLen()),
		zap.String("out", out))...)
	return set, stats, nil
}

// RunExtract rebuilds every selected tile at the configured timestamp,
// keeps the records in the id set, and writes them in batches of GroupBy
// to sink. sink is closed before returning.
func (c *Coordinator) RunExtract(ctx context.Context, sink Sink) (*Stats, error) {
	log := logger.Get()
	start := time.Now()
	spec, err := c.filterSpec()
	if err != nil {
		sink.Close()
		return nil, err
	}

	stop := c.startMetrics(ctx)
	defer stop()
	idx, err := c.openIndex(c.tileBounds(spec))
	if err != nil {
		sink.Close()
		return nil, err
	}
	defer idx.Close()

	ids, err := c.ids(ctx, idx, spec)
	if err != nil {
		sink.Close()
		return nil, err
	}

	stats := &Stats{Input: c.cfg.Input, Files: idx.NumFiles(), Tiles: idx.Len(), BytesRead: idx.TotalBytes()}
	locked := &lockedSink{sink: sink}
	emit := func(blocks []*elements.Block) error {
		if err := locked.WriteBlocks(ctx, blocks); err != nil {
			return err
		}
		locked.mu.Lock()
		for _, b := range blocks {
			stats.addBlock(b)
		}
		locked.mu.Unlock()
		return nil
	}
	n, err := tileindex.ReadAll(ctx, idx, ids, c.cfg.Workers, c.cfg.GroupBy, emit, c.msgr)
	if cerr := sink.Close(); err == nil {
		err = cerr
	}
	stats.Peak = stop()
	if err != nil {
		return nil, err
	}

	stats.Elapsed = time.Since(start)
	log.Info("extract complete", append(stats.Fields(), zap.Int64("emitted", n), zap.String("format", c.cfg.Format))...)
	return stats, nil
}

// ExtractInfo describes the newest data an extract will carry
func (c *Coordinator) ExtractInfo() (SinkInfo, error) {
	spec, err := c.filterSpec()
	if err != nil {
		return SinkInfo{}, err
	}
	var info SinkInfo
	if !spec.IsWholeWorld() {
		b := spec.Bounds()
		info.Bbox = &b
	}
	if !c.IsPrefix() {
		return info, nil
	}
	idx, err := c.openIndex(nil)
	if err != nil {
		return SinkInfo{}, err
	}
	defer idx.Close()
	files := idx.Files()
	last := files[len(files)-1]
	info.EndDate, info.State = last.EndDate, last.State
	return info, nil
}

// RunTile rebuilds tile i, counting from the end when negative. With a
// filter or saved id set configured, only the records in that set are kept.
func (c *Coordinator) RunTile(ctx context.Context, i int) (*elements.Block, error) {
	spec, err := c.filterSpec()
	if err != nil {
		return nil, err
	}
	idx, err := c.openIndex(nil)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	var ids idset.IdSet
	if c.cfg.IdsFile != "" || !spec.IsWholeWorld() {
		if ids, err = c.ids(ctx, idx, spec); err != nil {
			return nil, err
		}
	}
	return idx.Reconstruct(i, ids)
}

// ConvertChange writes an osmChange file as a change layer at out. When the
// input is a dataset the records are placed into its tiles; otherwise they
// all go to the root tile.
func (c *Coordinator) ConvertChange(ctx context.Context, oscPath, out string) (*Stats, error) {
	log := logger.Get()
	start := time.Now()
	comp, err := pbf.ParseCompression(c.cfg.Compression)
	if err != nil {
		return nil, err
	}
	change, xstats, err := osmxml.ReadFile(ctx, oscPath)
	if err != nil {
		return nil, err
	}

	blocks := []*elements.Block{change}
	change.Quadtree = tileindex.Root
	stats := &Stats{Input: oscPath}
	if c.IsPrefix() {
		idx, err := c.openIndex(nil)
		if err != nil {
			return nil, err
		}
		blocks, err = tileindex.Locate(ctx, idx, change, c.cfg.Workers, c.msgr)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}
		stats.Files, stats.Tiles = idx.NumFiles(), idx.Len()
	}
	if err := pbf.WriteFile(out, comp, nil, blocks, true); err != nil {
		return nil, err
	}

	for _, b := range blocks {
		stats.addBlock(b)
	}
	stats.Elapsed = time.Since(start)
	log.Info("change converted", append(stats.Fields(),
		zap.String("out", out),
		zap.Int64("created", xstats.Created.Total()),
		zap.Int64("modified", xstats.Modified.Total()),
		zap.Int64("deleted", xstats.Deleted.Total()))...)
	return stats, nil
}
