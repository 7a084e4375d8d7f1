package count

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmquadtree-go/internal/dispatch"
	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

func makeBlocks(n int, seed int64) []*elements.Block {
	rng := rand.New(rand.NewSource(seed))
	cts := []elements.ChangeType{elements.Normal, elements.Create, elements.Modify, elements.Delete}
	var out []*elements.Block
	id := int64(1)
	for i := 0; i < n; i++ {
		b := &elements.Block{Index: i}
		for j := 0; j < 1+rng.Intn(5); j++ {
			b.Nodes = append(b.Nodes, elements.Node{
				ID:         id,
				Lon:        int32(rng.Intn(2000) - 1000),
				Lat:        int32(rng.Intn(2000) - 1000),
				Info:       &elements.Info{Timestamp: 1600000000 + rng.Int63n(1000000)},
				ChangeType: cts[rng.Intn(len(cts))],
			})
			id++
		}
		for j := 0; j < rng.Intn(3); j++ {
			refs := make([]int64, rng.Intn(6))
			for k := range refs {
				refs[k] = rng.Int63n(id) + 1
			}
			b.Ways = append(b.Ways, elements.Way{ID: id, Refs: refs, ChangeType: cts[rng.Intn(len(cts))]})
			id++
		}
		if rng.Intn(2) == 0 {
			mems := make([]elements.Member, rng.Intn(3))
			for k := range mems {
				mems[k] = elements.Member{Type: elements.WayType, Ref: rng.Int63n(id) + 1}
			}
			b.Relations = append(b.Relations, elements.Relation{ID: id, Members: mems})
			id++
		}
		out = append(out, b)
	}
	return out
}

func TestCountAdd(t *testing.T) {
	c := &Count{}
	c.Add(&elements.Block{
		Nodes: []elements.Node{
			{ID: 5, Lon: 10, Lat: -20, Info: &elements.Info{Timestamp: 200}},
			{ID: 2, Lon: -30, Lat: 40, Info: &elements.Info{Timestamp: 100}},
			{ID: 9, Lon: 0, Lat: 0},
		},
		Ways: []elements.Way{
			{ID: 1, Refs: []int64{5, 2, 9}},
			{ID: 3, Refs: []int64{7}},
		},
		Relations: []elements.Relation{
			{ID: 1, Members: []elements.Member{{Type: elements.WayType, Ref: 1}}},
			{ID: 2},
		},
	})

	assert.Equal(t, int64(1), c.NumBlocks)
	assert.Equal(t, int64(3), c.Node.Num)
	assert.Equal(t, int64(2), c.Node.MinID)
	assert.Equal(t, int64(9), c.Node.MaxID)
	assert.Equal(t, int64(100), c.Node.MinTS)
	assert.Equal(t, int64(200), c.Node.MaxTS)
	assert.Equal(t, int32(-30), c.Node.MinLon)
	assert.Equal(t, int32(40), c.Node.MaxLat)

	assert.Equal(t, int64(4), c.Way.NumRefs)
	assert.Equal(t, int64(3), c.Way.MaxRefsLen)
	assert.Equal(t, int64(2), c.Way.MinRef)
	assert.Equal(t, int64(9), c.Way.MaxRef)

	assert.Equal(t, int64(2), c.Relation.Num)
	assert.Equal(t, int64(1), c.Relation.NumMems)
	assert.Equal(t, int64(1), c.Relation.NumEmpties)

	assert.True(t, strings.HasPrefix(c.String(), "1 blocks\nnodes: 3 objects"))
}

func runCount(t *testing.T, k int, blocks []*elements.Block) *Count {
	t.Helper()
	cf := dispatch.New(context.Background(), k, func(int) dispatch.CallFinish[*elements.Block, *Count] {
		c := &Count{}
		return dispatch.Funcs[*elements.Block, *Count]{
			CallFn:   func(b *elements.Block) error { c.Add(b); return nil },
			FinishFn: func() (*Count, error) { return c, nil },
		}
	}, Merge, dispatch.Options{Buffer: 2})
	for _, b := range blocks {
		require.NoError(t, cf.Call(b))
	}
	out, err := cf.Finish()
	require.NoError(t, err)
	return out
}

func TestMergeMatchesSingleThreaded(t *testing.T) {
	blocks := makeBlocks(40, 3)
	want := runCount(t, 0, blocks)
	for k := 1; k <= 4; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			assert.Equal(t, want, runCount(t, k, blocks))
		})
	}
}

func TestMergeAssociative(t *testing.T) {
	blocks := makeBlocks(30, 11)
	parts := make([]*Count, 3)
	for i := range parts {
		parts[i] = &Count{}
		for _, b := range blocks[i*10 : (i+1)*10] {
			parts[i].Add(b)
		}
	}
	left := Merge(Merge(parts[0], parts[1]), parts[2])
	right := Merge(parts[0], Merge(parts[1], parts[2]))
	assert.Equal(t, left, right)
	assert.Equal(t, Merge(parts[0], parts[1]), Merge(parts[1], parts[0]))
	assert.Equal(t, parts[0], Merge(parts[0], &Count{}))
}

func TestCountChange(t *testing.T) {
	blocks := makeBlocks(20, 5)
	a, b := NewCountChange(), NewCountChange()
	whole := NewCountChange()
	for i, blk := range blocks {
		if i%2 == 0 {
			a.Add(blk)
		} else {
			b.Add(blk)
		}
		whole.Add(blk)
	}
	assert.Equal(t, whole, MergeChange(a, b))

	plain := &Count{}
	for _, blk := range blocks {
		plain.Add(blk)
	}
	assert.Equal(t, plain, whole.Total())

	s := whole.String()
	assert.Contains(t, s, "create")
	assert.Contains(t, s, "delete")
}
