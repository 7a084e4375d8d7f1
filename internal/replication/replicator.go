package replication

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/expire"
	"github.com/wegman-software/osmquadtree-go/internal/logger"
	"github.com/wegman-software/osmquadtree-go/internal/osmxml"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/progress"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

// ErrNoState means the dataset's newest file has no replication sequence
var ErrNoState = errors.New("dataset has no replication state: set State of the last file list entry")

// Options configures a Replicator
type Options struct {
	Compression pbf.Compression
	Workers     int
	Mmap        bool
	// CacheDir holds downloaded diffs, default <prefix>/replication
	CacheDir string
	Fetcher  FetcherOptions
	// Expire, when set, collects the tiles touched by every applied diff
	Expire *expire.Tracker
}

// Replicator appends one change layer per published diff to a dataset.
// The State of the newest file list entry is the last applied sequence.
type Replicator struct {
	prefix  string
	fetcher *Fetcher
	opts    Options
	msgr    progress.Messenger
}

// NewReplicator follows source for the dataset at prefix
func NewReplicator(prefix string, source *Source, opts Options, msgr progress.Messenger) *Replicator {
	if opts.CacheDir == "" {
		opts.CacheDir = filepath.Join(prefix, "replication")
	}
	if msgr == nil {
		msgr = progress.Nop()
	}
	return &Replicator{
		prefix:  prefix,
		fetcher: NewFetcher(source, opts.CacheDir, opts.Fetcher),
		opts:    opts,
		msgr:    msgr,
	}
}

func (r *Replicator) fileList() ([]tileindex.FileEntry, error) {
	entries, err := tileindex.ReadFileList(r.prefix)
	if err != nil {
		return nil, err
	}
	if entries[len(entries)-1].State <= 0 {
		return nil, ErrNoState
	}
	return entries, nil
}

// LocalState is the last applied state
func (r *Replicator) LocalState() (*State, error) {
	entries, err := r.fileList()
	if err != nil {
		return nil, err
	}
	last := entries[len(entries)-1]
	s := &State{Sequence: last.State}
	if last.EndDate != "" {
		if s.Timestamp, err = elements.ParseTimestamp(last.EndDate); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Step applies the next diff. It returns nil when the server has not
// published it yet.
func (r *Replicator) Step(ctx context.Context) (*tileindex.FileEntry, error) {
	log := logger.Get()
	entries, err := r.fileList()
	if err != nil {
		return nil, err
	}
	seq := entries[len(entries)-1].State + 1

	state, err := r.fetcher.SequenceState(ctx, seq)
	if errors.Is(err, ErrNotPublished) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	path, err := r.fetcher.Change(ctx, seq)
	if errors.Is(err, ErrNotPublished) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	change, stats, err := osmxml.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	idx, err := tileindex.Open(r.prefix, entries, tileindex.Options{Mmap: r.opts.Mmap})
	if err != nil {
		return nil, err
	}
	blocks, err := tileindex.Locate(ctx, idx, change, r.opts.Workers, r.msgr)
	if cerr := idx.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	if r.opts.Expire != nil {
		for _, blk := range blocks {
			r.opts.Expire.ExpireBlock(blk)
		}
	}

	name := fmt.Sprintf("%d%s", seq, tileindex.ChangeExt)
	header := pbf.DefaultHeader()
	header.ReplicationSequence = seq
	header.ReplicationTimestamp = state.Timestamp
	header.ReplicationBaseURL = r.fetcher.Source().BaseURL
	if err := pbf.WriteFile(filepath.Join(r.prefix, name), r.opts.Compression, header, blocks, true); err != nil {
		return nil, err
	}

	entry := tileindex.FileEntry{State: seq, EndDate: state.EndDate(), Filename: name, NumTiles: len(blocks)}
	if err := tileindex.WriteFileList(r.prefix, append(entries, entry)); err != nil {
		return nil, err
	}
	log.Info("applied replication diff",
		zap.Int64("sequence", seq),
		zap.String("end_date", entry.EndDate),
		zap.Int64("created", stats.Created.Total()),
		zap.Int64("modified", stats.Modified.Total()),
		zap.Int64("deleted", stats.Deleted.Total()),
		zap.Int("tiles", len(blocks)),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return &entry, nil
}

// Run applies diffs until the dataset is current or max diffs have been
// applied; max <= 0 means no limit. It returns the number applied.
func (r *Replicator) Run(ctx context.Context, max int) (int, error) {
	applied := 0
	for max <= 0 || applied < max {
		entry, err := r.Step(ctx)
		if err != nil {
			return applied, err
		}
		if entry == nil {
			break
		}
		applied++
	}
	return applied, nil
}

// Status compares the dataset with the server
func (r *Replicator) Status(ctx context.Context) (*Status, error) {
	local, err := r.LocalState()
	if err != nil {
		return nil, err
	}
	status := &Status{
		Source:    r.fetcher.Source().Name,
		SourceURL: r.fetcher.Source().BaseURL,
		Local:     *local,
	}
	remote, err := r.fetcher.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	status.Remote = *remote
	status.Behind = remote.Sequence - local.Sequence
	status.Lag = time.Duration(remote.Timestamp-local.Timestamp) * time.Second
	return status, nil
}

// Status is how far a dataset trails its source
type Status struct {
	Source    string
	SourceURL string
	Local     State
	Remote    State
	Behind    int64
	Lag       time.Duration
}

func (s *Status) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source: %s (%s)\n", s.Source, s.SourceURL)
	fmt.Fprintf(&sb, "Local:  %s\n", s.Local)
	fmt.Fprintf(&sb, "Remote: %s\n", s.Remote)
	fmt.Fprintf(&sb, "Behind: %d diffs, %s\n", s.Behind, s.Lag)
	return sb.String()
}
