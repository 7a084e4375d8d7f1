package filter

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/idset"
	"github.com/wegman-software/osmquadtree-go/internal/pbf"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
	"github.com/wegman-software/osmquadtree-go/internal/tileindex"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		box     quadtree.Bbox
		world   bool
		wantErr bool
	}{
		{in: "", kind: None, world: true},
		{in: "planet", kind: None, world: true},
		{in: "0,0,1000,1000", kind: Box, box: quadtree.Bbox{MaxLon: 1000, MaxLat: 1000}},
		{in: " -10, -20 ,30,40", kind: Box, box: quadtree.Bbox{MinLon: -10, MinLat: -20, MaxLon: 30, MaxLat: 40}},
		{in: "deg:-1.5,50,1,52", kind: Box, box: quadtree.Bbox{MinLon: -15000000, MinLat: 500000000, MaxLon: 10000000, MaxLat: 520000000}},
		{in: "-1800000000,-900000000,1800000000,900000000", kind: Box, box: quadtree.WholeWorld, world: true},
		{in: "1,2,3", wantErr: true},
		{in: "a,b,c,d", wantErr: true},
		{in: "10,10,0,0", wantErr: true},
		{in: "0,0,1,1900000000", wantErr: true},
		{in: "missing.poly", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSpec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				if !strings.HasSuffix(tt.in, ".poly") {
					assert.ErrorIs(t, err, ErrBadFilter)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			if tt.kind == Box {
				assert.Equal(t, tt.box, got.Box)
			}
			assert.Equal(t, tt.world, got.IsWholeWorld())
		})
	}
}

const samplePoly = `test area
1
   0.0 0.0
   10.0 0.0
   10.0 10.0
   0.0 10.0
END
!hole
   4.0 4.0
   6.0 4.0
   6.0 6.0
   4.0 6.0
END
END
`

func TestParsePoly(t *testing.T) {
	p, err := ParsePoly(strings.NewReader(samplePoly))
	require.NoError(t, err)
	assert.Equal(t, "test area", p.Name)
	o, h := p.NumRings()
	assert.Equal(t, 1, o)
	assert.Equal(t, 1, h)
	assert.Equal(t, quadtree.FromDegrees(0, 0, 10, 10), p.Bounds())

	pt := func(lon, lat float64) (int32, int32) { return quadtree.ToInt(lon), quadtree.ToInt(lat) }
	assert.True(t, p.Contains(pt(1, 1)))
	assert.True(t, p.Contains(pt(9, 5)))
	assert.False(t, p.Contains(pt(5, 5)), "inside hole")
	assert.False(t, p.Contains(pt(11, 5)))
	assert.False(t, p.Contains(pt(-1, -1)))

	spec := PolyFilter(p)
	require.NoError(t, spec.Validate())
	assert.False(t, spec.IsWholeWorld())
	assert.True(t, spec.IntersectsBox(quadtree.FromDegrees(9, 9, 20, 20)))
	assert.False(t, spec.IntersectsBox(quadtree.FromDegrees(11, 11, 20, 20)))

	path := filepath.Join(t.TempDir(), "area.poly")
	require.NoError(t, os.WriteFile(path, []byte(samplePoly), 0o644))
	fromFile, err := ParseSpec(path)
	require.NoError(t, err)
	assert.Equal(t, Poly, fromFile.Kind)
}

func TestParsePolyErrors(t *testing.T) {
	for _, in := range []string{
		"name\n1\n 1 2 3\nEND\nEND\n",
		"name\n1\n 1 x\nEND\nEND\n",
		"name\n1\n 1 1\n 2 2\nEND\nEND\n",
		"name\n1\n 0 0\n 1 0\n 1 1\n",
		"name\nEND\n",
	} {
		_, err := ParsePoly(strings.NewReader(in))
		assert.ErrorIs(t, err, ErrBadFilter, in)
	}

	_, err := NewPolygon("x", []orb.Ring{{{0, 0}, {1, 0}, {1, 1}}}, []orb.Ring{{{5, 5}, {6, 5}, {6, 6}}})
	assert.ErrorIs(t, err, ErrBadFilter)
}

// The box (0,0,1000,1000) holds A but not B; W joins them; R names W and
// R2 names R but comes first.
func TestSingleBlockScenario(t *testing.T) {
	const a, b, w, r, r2 = 1, 2, 10, 20, 21
	blk := &elements.Block{
		Nodes: []elements.Node{
			{ID: a, Lon: 500, Lat: 500},
			{ID: b, Lon: 2000, Lat: 2000},
		},
		Ways: []elements.Way{{ID: w, Refs: []int64{a, b}}},
		Relations: []elements.Relation{
			{ID: r2, Members: []elements.Member{{Type: elements.RelationType, Ref: r}}},
			{ID: r, Members: []elements.Member{{Type: elements.WayType, Ref: w}}},
		},
	}
	spec, err := ParseSpec("0,0,1000,1000")
	require.NoError(t, err)

	got, err := Build([]*elements.Block{blk}, spec)
	require.NoError(t, err)
	ids := got.(*idset.Set)

	assert.True(t, ids.Selected(elements.NodeType, a))
	assert.False(t, ids.Selected(elements.NodeType, b))
	assert.Equal(t, 1, ids.Len(elements.NodeType))
	assert.True(t, ids.Contains(elements.WayType, w))
	assert.Equal(t, 1, ids.Len(elements.WayType))
	assert.True(t, ids.IsBoundary(b))
	assert.False(t, ids.IsBoundary(a))
	assert.Equal(t, 1, ids.BoundaryLen())
	assert.True(t, ids.Contains(elements.RelationType, r))
	assert.False(t, ids.Contains(elements.RelationType, r2), "single pass leaves out relations naming later relations")
	assert.True(t, ids.Frozen())
}

func TestUnknownMemberTypeNeverMatches(t *testing.T) {
	b := NewBuilder(BoxFilter(quadtree.Bbox{MaxLon: 10, MaxLat: 10}), idset.New())
	blk := &elements.Block{
		Nodes: []elements.Node{{ID: 1, Lon: 5, Lat: 5}},
		Relations: []elements.Relation{
			{ID: 7, Members: []elements.Member{{Type: elements.ElementTypeFromCode(9), Ref: 1}}},
		},
	}
	b.AddBlock(blk)
	assert.True(t, b.Set().Contains(elements.NodeType, 1))
	assert.False(t, b.Set().Contains(elements.RelationType, 7))
}

func TestDeletedRecordsAreSkipped(t *testing.T) {
	b := NewBuilder(BoxFilter(quadtree.Bbox{MaxLon: 10, MaxLat: 10}), idset.New())
	b.AddBlock(&elements.Block{Nodes: []elements.Node{
		{ID: 1, Lon: 5, Lat: 5, ChangeType: elements.Delete},
		{ID: 2, Lon: 5, Lat: 5, ChangeType: elements.Create},
	}})
	assert.False(t, b.Set().Contains(elements.NodeType, 1))
	assert.True(t, b.Set().Contains(elements.NodeType, 2))
}

func randomBlock(rng *rand.Rand, n int) *elements.Block {
	blk := &elements.Block{}
	for i := 0; i < n; i++ {
		blk.Nodes = append(blk.Nodes, elements.Node{
			ID:  int64(i + 1),
			Lon: int32(rng.Intn(4000) - 2000),
			Lat: int32(rng.Intn(4000) - 2000),
		})
	}
	for i := 0; i < n/2; i++ {
		refs := make([]int64, 2+rng.Intn(5))
		for j := range refs {
			refs[j] = int64(rng.Intn(n) + 1)
		}
		blk.Ways = append(blk.Ways, elements.Way{ID: int64(i + 1), Refs: refs})
	}
	return blk
}

func TestNodeSelectionMatchesBox(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	box := quadtree.Bbox{MinLon: -500, MinLat: -700, MaxLon: 900, MaxLat: 300}
	blk := randomBlock(rng, 500)

	got, err := Build([]*elements.Block{blk}, BoxFilter(box))
	require.NoError(t, err)
	ids := got.(*idset.Set)

	for _, n := range blk.Nodes {
		assert.Equal(t, box.Contains(n.Lon, n.Lat), ids.Selected(elements.NodeType, n.ID), "node %d", n.ID)
	}
	for _, w := range blk.Ways {
		if !ids.Contains(elements.WayType, w.ID) {
			continue
		}
		for _, ref := range w.Refs {
			assert.True(t, ids.Contains(elements.NodeType, ref), "way %d has dangling ref %d", w.ID, ref)
		}
	}
}

func TestWholeWorldSkipsReading(t *testing.T) {
	got, err := Prepare(context.Background(), nil, NoFilter(), 4, nil)
	require.NoError(t, err)
	assert.IsType(t, idset.All{}, got)

	got, err = Prepare(context.Background(), nil, BoxFilter(quadtree.Planet()), 4, nil)
	require.NoError(t, err)
	assert.IsType(t, idset.All{}, got)

	_, err = Prepare(context.Background(), nil, BoxFilter(quadtree.Bbox{MinLon: 5, MaxLon: 1}), 4, nil)
	assert.ErrorIs(t, err, ErrBadFilter)
}

// two tiles at zoom 1: NW holds n1 n2 w1[1,2] w4[2,5] r2{n1} r3{w1}
// r4{r1} r6{n5}; SE holds n3 n4 n5 w2[3,4] w3[4] r1{w2} r7{r6}
func writeTiles(t *testing.T) string {
	t.Helper()
	nw, err := quadtree.FromTuple(0, 0, 1)
	require.NoError(t, err)
	se, err := quadtree.FromTuple(1, 1, 1)
	require.NoError(t, err)
	deg := quadtree.ToInt
	mem := func(ty elements.ElementType, ref int64) []elements.Member {
		return []elements.Member{{Type: ty, Ref: ref}}
	}

	blocks := []*elements.Block{
		{Quadtree: nw,
			Nodes: []elements.Node{{ID: 1, Lon: deg(-10), Lat: deg(10)}, {ID: 2, Lon: deg(-20), Lat: deg(20)}},
			Ways:  []elements.Way{{ID: 1, Refs: []int64{1, 2}}, {ID: 4, Refs: []int64{2, 5}}},
			Relations: []elements.Relation{
				{ID: 2, Members: mem(elements.NodeType, 1)},
				{ID: 3, Members: mem(elements.WayType, 1)},
				{ID: 4, Members: mem(elements.RelationType, 1)},
				{ID: 6, Members: mem(elements.NodeType, 5)},
			},
		},
		{Quadtree: se,
			Nodes: []elements.Node{
				{ID: 3, Lon: deg(15), Lat: deg(-15)},
				{ID: 4, Lon: deg(30), Lat: deg(-30)},
				{ID: 5, Lon: deg(12), Lat: deg(-12)},
			},
			Ways:      []elements.Way{{ID: 2, Refs: []int64{3, 4}}, {ID: 3, Refs: []int64{4}}},
			Relations: []elements.Relation{
				{ID: 1, Members: mem(elements.WayType, 2)},
				{ID: 7, Members: mem(elements.RelationType, 6)},
			},
		},
	}
	dir := t.TempDir()
	require.NoError(t, pbf.WriteFile(filepath.Join(dir, "base.pbf"), pbf.Compression{Type: pbf.Zstd}, nil, blocks, false))
	require.NoError(t, tileindex.WriteFileList(dir, []tileindex.FileEntry{{Filename: "base.pbf", NumTiles: 2}}))
	return dir
}

func TestPrepare(t *testing.T) {
	dir := writeTiles(t)
	spec := BoxFilter(quadtree.FromDegrees(10, -20, 20, -10))

	for _, workers := range []int{0, 1, 2, 3, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			idx, err := tileindex.OpenPrefix(dir, tileindex.Options{})
			require.NoError(t, err)
			defer idx.Close()

			got, err := Prepare(context.Background(), idx, spec, workers, nil)
			require.NoError(t, err)
			ids := got.(*idset.Set)
			assert.True(t, ids.Frozen())

			for id, want := range map[int64]bool{1: false, 2: false, 3: true, 4: false, 5: true} {
				assert.Equal(t, want, ids.Selected(elements.NodeType, id), "node %d", id)
			}
			assert.Equal(t, 2, ids.BoundaryLen())
			assert.True(t, ids.IsBoundary(2))
			assert.True(t, ids.IsBoundary(4))

			assert.Equal(t, 2, ids.Len(elements.WayType))
			assert.True(t, ids.Contains(elements.WayType, 2))
			assert.True(t, ids.Contains(elements.WayType, 4))

			// r7 names r6 from the earlier tile and is kept whichever
			// worker handles each tile; r4 names r1 from a later tile
			assert.Equal(t, 3, ids.Len(elements.RelationType))
			assert.True(t, ids.Contains(elements.RelationType, 1))
			assert.True(t, ids.Contains(elements.RelationType, 6))
			assert.True(t, ids.Contains(elements.RelationType, 7))
			assert.False(t, ids.Contains(elements.RelationType, 4))
		})
	}
}

func TestPrepareFull(t *testing.T) {
	dir := writeTiles(t)
	idx, err := tileindex.OpenPrefix(dir, tileindex.Options{})
	require.NoError(t, err)
	defer idx.Close()

	ids, err := PrepareFull(context.Background(), idx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, ids.Len(elements.NodeType))
	assert.Equal(t, 4, ids.Len(elements.WayType))
	assert.Equal(t, 6, ids.Len(elements.RelationType))
	assert.Equal(t, 0, ids.BoundaryLen())
}
