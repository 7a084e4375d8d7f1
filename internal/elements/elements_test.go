package elements

import (
	"testing"
	"time"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChangeType(t *testing.T) {
	tests := []struct {
		in   string
		want ChangeType
	}{
		{"", Normal},
		{"n", Normal},
		{"normal", Normal},
		{"c", Create},
		{"create", Create},
		{"m", Modify},
		{"Modify", Modify},
		{"d", Delete},
		{"delete", Delete},
		{"r", Remove},
		{"remove", Remove},
		{"u", Unchanged},
		{"unchanged", Unchanged},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChangeType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseChangeType("x")
	assert.Error(t, err)

	// output always uses the full word
	for ct := Normal; ct <= Create; ct++ {
		back, err := ParseChangeType(ct.String())
		require.NoError(t, err)
		assert.Equal(t, ct, back)
		assert.Greater(t, len(ct.String()), 1)
	}
}

func TestParseElementType(t *testing.T) {
	assert.Equal(t, NodeType, ParseElementType("n"))
	assert.Equal(t, WayType, ParseElementType("WAY"))
	assert.Equal(t, RelationType, ParseElementType("relation"))
	assert.Equal(t, Unknown, ParseElementType("area"))
	assert.Equal(t, WayType, ElementTypeFromCode(1))
	assert.Equal(t, Unknown, ElementTypeFromCode(7))
}

type idList map[ElementType]map[int64]bool

func (l idList) Contains(t ElementType, id int64) bool { return l[t][id] }

func TestMergeModify(t *testing.T) {
	base := &Block{
		Index:    3,
		Location: 100,
		Nodes: []Node{
			{ID: 1, Lon: 10, Lat: 10, Tags: []Tag{{"name", "old"}}},
			{ID: 2, Lon: 20, Lat: 20},
		},
		Ways: []Way{{ID: 10, Refs: []int64{1, 2}}},
	}
	change := &Block{
		EndDate: 1700000000,
		Nodes: []Node{
			{ID: 1, Lon: 11, Lat: 11, Tags: []Tag{{"name", "new"}}, ChangeType: Modify},
		},
	}

	got := Merge(base, []*Block{change}, nil)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, int64(1), got.Nodes[0].ID)
	assert.Equal(t, int32(11), got.Nodes[0].Lon)
	assert.Equal(t, "new", got.Nodes[0].Tags[0].Val)
	assert.Equal(t, Normal, got.Nodes[0].ChangeType)
	assert.Len(t, got.Ways, 1)
	assert.Equal(t, 3, got.Index)
	assert.Equal(t, int64(100), got.Location)
	assert.Equal(t, int64(1700000000), got.EndDate)

	// inputs are untouched
	assert.Equal(t, int32(10), base.Nodes[0].Lon)
	assert.Equal(t, Modify, change.Nodes[0].ChangeType)
}

func TestMergeDeleteCreate(t *testing.T) {
	base := &Block{
		Nodes: []Node{{ID: 1}, {ID: 2}, {ID: 3}},
	}
	first := &Block{
		Nodes: []Node{{ID: 2, ChangeType: Delete}, {ID: 4, ChangeType: Create}},
	}
	second := &Block{
		Nodes: []Node{{ID: 3, ChangeType: Remove}, {ID: 4, ChangeType: Modify, Lon: 40}},
	}

	got := Merge(base, []*Block{first, second}, nil)
	ids := make([]int64, len(got.Nodes))
	for i, n := range got.Nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []int64{1, 4}, ids)
	assert.Equal(t, int32(40), got.Nodes[1].Lon)
}

func TestCombineLaterWins(t *testing.T) {
	a := &Block{Ways: []Way{{ID: 5, Refs: []int64{1}, ChangeType: Create}, {ID: 6}}}
	b := &Block{Ways: []Way{{ID: 5, Refs: []int64{1, 2}, ChangeType: Modify}}}

	got := Combine(a, b)
	require.Len(t, got.Ways, 2)
	assert.Equal(t, []int64{1, 2}, got.Ways[0].Refs)
	assert.Equal(t, Modify, got.Ways[0].ChangeType)

	// a later delete survives combine so that apply can drop the record
	c := &Block{Ways: []Way{{ID: 6, ChangeType: Delete}}}
	got = Combine(got, c)
	assert.Equal(t, Delete, got.Ways[1].ChangeType)
}

func TestMergeFilterAgrees(t *testing.T) {
	base := &Block{
		Nodes: []Node{{ID: 1}, {ID: 2}, {ID: 3}},
		Ways:  []Way{{ID: 10, Refs: []int64{1, 2}}},
	}
	change := &Block{
		Nodes: []Node{{ID: 2, ChangeType: Modify, Lat: 7}, {ID: 3, ChangeType: Delete}},
	}
	ids := idList{NodeType: {2: true, 3: true}, WayType: {10: true}}

	full := Merge(base, []*Block{change}, nil)
	filtered := Merge(base, []*Block{change}, ids)

	for _, n := range filtered.Nodes {
		var match *Node
		for i := range full.Nodes {
			if full.Nodes[i].ID == n.ID {
				match = &full.Nodes[i]
			}
		}
		require.NotNil(t, match)
		assert.Equal(t, *match, n)
	}
	assert.Len(t, filtered.Nodes, 1)
	assert.Len(t, filtered.Ways, 1)
}

func TestMergeWithoutBase(t *testing.T) {
	change := &Block{Nodes: []Node{{ID: 9, ChangeType: Create}, {ID: 8, ChangeType: Delete}}}
	got := Merge(nil, []*Block{change}, nil)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, int64(9), got.Nodes[0].ID)
	assert.Equal(t, Normal, got.Nodes[0].ChangeType)
}

func TestMergeChangeOnlyTilePrunedToNothing(t *testing.T) {
	change := &Block{Quadtree: 5, Nodes: []Node{{ID: 9, ChangeType: Create}}}
	got := Merge(nil, []*Block{change}, idList{NodeType: {1: true}})
	require.NotNil(t, got)
	assert.Zero(t, got.Len())
	assert.Equal(t, change.Quadtree, got.Quadtree)

	require.NotNil(t, ApplyChange(nil, &Block{}))
	require.NotNil(t, ApplyChange(nil, nil))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC).Unix()
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{name: "rfc3339", input: "2024-01-15T12:00:00Z", want: want},
		{name: "escaped colons", input: `2024-01-15T12\:00\:00Z`, want: want},
		{name: "no zone", input: "2024-01-15T12:00:00", want: want},
		{name: "date only", input: "2024-01-15", want: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC).Unix()},
		{name: "unix seconds", input: "1705320000", want: want},
		{name: "invalid", input: "invalid", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseTimestamp(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
	assert.Equal(t, "2024-01-15T12:00:00Z", FormatTimestamp(want))
}

func TestOSMConversion(t *testing.T) {
	b := &Block{
		Nodes: []Node{{ID: 1, Lon: 74246000, Lat: 437384000, Info: &Info{Version: 2, Timestamp: 1705320000, User: "u"}, ChangeType: Create}},
		Ways:  []Way{{ID: 100, Refs: []int64{1, 2}, Tags: []Tag{{"highway", "primary"}}, ChangeType: Modify}},
		Relations: []Relation{{ID: 200, Members: []Member{{Type: WayType, Ref: 100, Role: "outer"}}, ChangeType: Delete}},
	}

	c := ToOSMChange(b)
	require.NotNil(t, c.Create)
	require.NotNil(t, c.Modify)
	require.NotNil(t, c.Delete)
	assert.Equal(t, osm.NodeID(1), c.Create.Nodes[0].ID)
	assert.Equal(t, osm.TypeWay, c.Delete.Relations[0].Members[0].Type)

	back := FromOSMChange(c)
	assert.Equal(t, b.Nodes[0].Lon, back.Nodes[0].Lon)
	assert.Equal(t, b.Nodes[0].Info.Timestamp, back.Nodes[0].Info.Timestamp)
	assert.Equal(t, Create, back.Nodes[0].ChangeType)
	assert.Equal(t, []int64{1, 2}, back.Ways[0].Refs)
	assert.Equal(t, Modify, back.Ways[0].ChangeType)
	assert.Equal(t, b.Relations[0].Members, back.Relations[0].Members)

	o := ToOSM(b)
	assert.Len(t, o.Nodes, 1)
	assert.Len(t, o.Ways, 1)
	assert.Len(t, o.Relations, 1)
}
