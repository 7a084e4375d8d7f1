package replication

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/expire"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

const diff101 = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6">
  <modify>
    <node id="1" lat="11" lon="-10" version="2" timestamp="2024-01-02T00:00:00Z"/>
  </modify>
  <create>
    <node id="5" lat="-15.5" lon="15.5" version="1" timestamp="2024-01-02T00:00:00Z"/>
  </create>
</osmChange>`

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// replicationServer publishes sequence 101 only and counts diff downloads
func replicationServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	state := "sequenceNumber=101\ntimestamp=2024-01-02T00\\:00\\:00Z\n"
	data := gzipped(t, diff101)
	var downloads atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/state.txt", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(state)) })
	mux.HandleFunc("/000/000/101.state.txt", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(state)) })
	mux.HandleFunc("/000/000/101.osc.gz", func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		w.Write(data)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &downloads
}

func writeBase(t *testing.T, state int64) string {
	t.Helper()
	dir := t.TempDir()
	nw, err := quadtree.FromTuple(0, 0, 1)
	require.NoError(t, err)
	se, err := quadtree.FromTuple(1, 1, 1)
	require.NoError(t, err)
	blocks := []*elements.Block{
		{Quadtree: nw, Nodes: []elements.Node{{ID: 1, Lon: quadtree.ToInt(-10), Lat: quadtree.ToInt(10)}}},
		{Quadtree: se, Nodes: []elements.Node{{ID: 3, Lon: quadtree.ToInt(15), Lat: quadtree.ToInt(-15)}}},
	}
	require.NoError(t, pbf.WriteFile(filepath.Join(dir, "base.pbf"), pbf.Compression{Type: pbf.Zlib}, nil, blocks, false))
	require.NoError(t, tileindex.WriteFileList(dir, []tileindex.FileEntry{
		{State: state, EndDate: "2024-01-01T00:00:00Z", Filename: "base.pbf", NumTiles: 2},
	}))
	return dir
}

func testOptions() Options {
	return Options{
		Compression: pbf.Compression{Type: pbf.Zlib},
		Fetcher:     FetcherOptions{RetryDelay: time.Millisecond, RequestRate: 1000, MaxRetries: 1},
	}
}

func TestReplicatorAppliesDiffs(t *testing.T) {
	srv, downloads := replicationServer(t)
	dir := writeBase(t, 100)
	source, err := ParseSource(srv.URL)
	require.NoError(t, err)
	opts := testOptions()
	opts.Expire = expire.NewTracker(1, 1)
	r := NewReplicator(dir, source, opts, nil)

	status, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Behind)
	assert.Equal(t, 24*time.Hour, status.Lag)

	applied, err := r.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, int32(1), downloads.Load())
	assert.Equal(t, []quadtree.Tile{{Z: 1, X: 0, Y: 0}, {Z: 1, X: 1, Y: 1}}, opts.Expire.Tiles())
	assert.FileExists(t, filepath.Join(dir, "replication", "000", "000", "101.osc.gz"))

	entries, err := tileindex.ReadFileList(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, tileindex.FileEntry{State: 101, EndDate: "2024-01-02T00:00:00Z", Filename: "101.pbfc", NumTiles: 2}, entries[1])

	idx, err := tileindex.OpenPrefix(dir, tileindex.Options{})
	require.NoError(t, err)
	defer idx.Close()
	nw, err := idx.Reconstruct(0, nil)
	require.NoError(t, err)
	require.Len(t, nw.Nodes, 1)
	assert.Equal(t, quadtree.ToInt(11), nw.Nodes[0].Lat)
	se, err := idx.Reconstruct(1, nil)
	require.NoError(t, err)
	require.Len(t, se.Nodes, 2)
	assert.Equal(t, int64(5), se.Nodes[1].ID)

	// caught up: nothing more is published
	applied, err = r.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, applied)

	local, err := r.LocalState()
	require.NoError(t, err)
	assert.Equal(t, int64(101), local.Sequence)
}

func TestReplicatorNeedsState(t *testing.T) {
	srv, _ := replicationServer(t)
	source, err := ParseSource(srv.URL)
	require.NoError(t, err)
	r := NewReplicator(writeBase(t, 0), source, testOptions(), nil)
	_, err = r.Step(context.Background())
	assert.ErrorIs(t, err, ErrNoState)
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("sequenceNumber=7\ntimestamp=2024-01-15T12:00:00Z\n"))
	}))
	defer srv.Close()

	f := NewFetcher(&Source{Name: "test", BaseURL: srv.URL}, t.TempDir(), testOptions().Fetcher)
	state, err := f.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Sequence)
	assert.Equal(t, int32(2), calls.Load())

	_, err = f.SequenceState(context.Background(), 8)
	require.NoError(t, err)

	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	f = NewFetcher(&Source{Name: "empty", BaseURL: notFound.URL}, t.TempDir(), testOptions().Fetcher)
	_, err = f.Change(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotPublished)
}
