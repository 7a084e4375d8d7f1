package pbf

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

func mustQuadtree(t *testing.T, s string) quadtree.Quadtree {
	t.Helper()
	q, err := quadtree.FromString(s)
	require.NoError(t, err)
	return q
}

func sampleBlock(t *testing.T) *elements.Block {
	qt := mustQuadtree(t, "ABCD")
	return &elements.Block{
		Quadtree:  qt,
		StartDate: 1600000000,
		EndDate:   1700000000,
		Nodes: []elements.Node{
			{
				ID: 1, Lon: 74246000, Lat: 437384000, Quadtree: qt,
				Info: &elements.Info{Version: 3, Timestamp: 1705320000, Changeset: 123, UserID: 7, User: "alice"},
				Tags: []elements.Tag{{Key: "name", Val: "Test Node"}, {Key: "amenity", Val: "cafe"}},
			},
			{
				ID: 5, Lon: -1278000, Lat: 515074000, Quadtree: qt,
				Info: &elements.Info{Version: 1, Timestamp: 1705320060, Changeset: 120, UserID: 9, User: "bob"},
			},
		},
		Ways: []elements.Way{
			{
				ID: 100, Refs: []int64{1, 5, 1}, Quadtree: qt,
				Tags: []elements.Tag{{Key: "highway", Val: "primary"}},
				Info: &elements.Info{Version: 2, Timestamp: 1705320000, Changeset: 124, UserID: 7, User: "alice"},
			},
		},
		Relations: []elements.Relation{
			{
				ID: 200, Quadtree: qt,
				Members: []elements.Member{
					{Type: elements.WayType, Ref: 100, Role: "outer"},
					{Type: elements.NodeType, Ref: 5, Role: ""},
					{Type: elements.RelationType, Ref: 201, Role: "sub"},
				},
				Tags: []elements.Tag{{Key: "type", Val: "multipolygon"}},
			},
		},
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{in: "", want: Compression{Type: None}},
		{in: "zlib:6", want: Compression{Type: Zlib, Level: 6}},
		{in: "brotli", want: Compression{Type: Brotli}},
		{in: "LZMA:9", want: Compression{Type: Lzma, Level: 9}},
		{in: "lz4", want: Compression{Type: Lz4}},
		{in: "zstd:3", want: Compression{Type: Zstd, Level: 3}},
		{in: "snappy", wantErr: true},
		{in: "zlib:x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCompression("snappy")
	assert.True(t, errors.Is(err, ErrUnsupportedCompression))
}

func TestBlockRoundTrip(t *testing.T) {
	blk := sampleBlock(t)
	raw := EncodeBlock(blk, false)

	for _, name := range []string{"none", "zlib", "zlib:9", "brotli", "lzma", "lz4", "zstd", "zstd:19"} {
		t.Run(name, func(t *testing.T) {
			c, err := ParseCompression(name)
			require.NoError(t, err)
			framed, err := PackBlock(DataType, raw, c)
			require.NoError(t, err)

			rb, err := ReadBlockAt(bytes.NewReader(framed), 0)
			require.NoError(t, err)
			assert.Equal(t, int64(len(framed)), rb.Len)
			assert.Equal(t, DataType, rb.Type)

			got, err := DecodeData(rb, 4, false)
			require.NoError(t, err)
			assert.Equal(t, 4, got.Index)
			assert.Equal(t, blk.Quadtree, got.Quadtree)
			assert.Equal(t, blk.StartDate, got.StartDate)
			assert.Equal(t, blk.EndDate, got.EndDate)
			assert.Equal(t, blk.Nodes, got.Nodes)
			assert.Equal(t, blk.Ways, got.Ways)
			assert.Equal(t, blk.Relations, got.Relations)
		})
	}
}

func TestChangeBlockRoundTrip(t *testing.T) {
	blk := sampleBlock(t)
	blk.Nodes[0].ChangeType = elements.Modify
	blk.Nodes[1].ChangeType = elements.Delete
	blk.Ways[0].ChangeType = elements.Create
	blk.Relations[0].ChangeType = elements.Remove

	got, err := DecodeBlock(0, 0, EncodeBlock(blk, true), true)
	require.NoError(t, err)
	got.Sort()
	assert.Equal(t, elements.Modify, got.Nodes[0].ChangeType)
	assert.Equal(t, elements.Delete, got.Nodes[1].ChangeType)
	assert.Equal(t, elements.Create, got.Ways[0].ChangeType)
	assert.Equal(t, elements.Remove, got.Relations[0].ChangeType)

	// read as a base snapshot every record is normal
	base, err := DecodeBlock(0, 0, EncodeBlock(blk, true), false)
	require.NoError(t, err)
	for _, n := range base.Nodes {
		assert.Equal(t, elements.Normal, n.ChangeType)
	}
}

func TestPassThrough(t *testing.T) {
	framed, err := PackBlock(DataType, EncodeBlock(sampleBlock(t), false), Compression{Type: Zlib})
	require.NoError(t, err)

	a, err := ReadBlockAt(bytes.NewReader(framed), 0)
	require.NoError(t, err)
	before := bytes.Clone(a.Data)
	_, err = a.Decompress()
	require.NoError(t, err)
	assert.Equal(t, before, a.Data)

	b, err := ParseBlockAt(framed, 0)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	ct, err := b.Compression()
	require.NoError(t, err)
	assert.Equal(t, Zlib, ct)
}

func TestMalformed(t *testing.T) {
	_, err := ReadBlockAt(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)

	_, err = ReadBlockAt(bytes.NewReader([]byte{0, 0}), 0)
	assert.Error(t, err)

	framed, err := PackBlock(DataType, []byte("x"), Compression{})
	require.NoError(t, err)
	_, err = ParseBlockAt(framed[:len(framed)-1], 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = DecodeBlock(0, 0, []byte{0xff}, false)
	assert.ErrorIs(t, err, ErrMalformedBlock)
}

func TestWriteFileAndHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pbf")

	var blocks []*elements.Block
	for i, s := range []string{"A", "AB", "ABC"} {
		b := sampleBlock(t)
		b.Index = i
		b.Quadtree = mustQuadtree(t, s)
		blocks = append(blocks, b)
	}
	box := quadtree.FromDegrees(-1, 43, 8, 52)
	hdr := DefaultHeader()
	hdr.Bbox = &box
	hdr.ReplicationTimestamp = 1705320000
	hdr.ReplicationSequence = 42
	require.NoError(t, WriteFile(path, Compression{Type: Zlib}, hdr, blocks, false))

	for _, useMmap := range []bool{false, true} {
		src, err := Open(path, useMmap)
		require.NoError(t, err)

		h, err := ReadHeader(src)
		require.NoError(t, err)
		require.Len(t, h.Index, 3)
		require.NotNil(t, h.Bbox)
		assert.Equal(t, box, *h.Bbox)
		assert.Equal(t, int64(42), h.ReplicationSequence)
		assert.Equal(t, "osmquadtree-go", h.WritingProgram)

		extents, err := Scan(src, nil)
		require.NoError(t, err)
		require.Len(t, extents, 4)
		assert.Equal(t, HeaderType, extents[0].Type)
		for i, e := range h.Index {
			assert.Equal(t, extents[i+1].Pos, e.Pos)
			assert.Equal(t, extents[i+1].Len, e.Len)
			assert.Equal(t, blocks[i].Quadtree, e.Quadtree)

			rb, err := src.ReadAt(e.Pos)
			require.NoError(t, err)
			got, err := DecodeData(rb, i, e.IsChange)
			require.NoError(t, err)
			assert.Equal(t, blocks[i].Quadtree, got.Quadtree)
			assert.Equal(t, blocks[i].Nodes, got.Nodes)
		}
		require.NoError(t, src.Close())
	}

	// trailing garbage breaks contiguity
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer src.Close()
	_, err = Scan(src, nil)
	assert.Error(t, err)
}
