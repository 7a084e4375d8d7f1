package osmxml

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

const oscData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="testuser" uid="1">
      <tag k="name" v="Test Node"/>
      <tag k="amenity" v="cafe"/>
    </node>
    <way id="100" version="1" changeset="124">
      <nd ref="1"/>
      <nd ref="2"/>
      <nd ref="3"/>
      <tag k="highway" v="primary"/>
    </way>
  </create>
  <modify>
    <node id="2" lat="43.7390" lon="7.4250" version="2">
      <tag k="name" v="Modified Node"/>
    </node>
    <relation id="200" version="2">
      <member type="way" ref="100" role="outer"/>
      <member type="way" ref="101" role="inner"/>
      <tag k="type" v="multipolygon"/>
    </relation>
  </modify>
  <delete>
    <node id="999"/>
    <way id="998"/>
  </delete>
</osmChange>`

func TestReadChange(t *testing.T) {
	blk, stats, err := Read(context.Background(), strings.NewReader(oscData))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Created.Nodes != 1 {
		t.Errorf("expected 1 node created, got %d", stats.Created.Nodes)
	}
	if stats.Modified.Nodes != 1 {
		t.Errorf("expected 1 node modified, got %d", stats.Modified.Nodes)
	}
	if stats.Deleted.Nodes != 1 {
		t.Errorf("expected 1 node deleted, got %d", stats.Deleted.Nodes)
	}
	if stats.Created.Ways != 1 || stats.Deleted.Ways != 1 {
		t.Errorf("expected 1 way created and 1 deleted, got %+v", stats)
	}
	if stats.Modified.Relations != 1 {
		t.Errorf("expected 1 relation modified, got %d", stats.Modified.Relations)
	}
	if stats.Total() != 6 {
		t.Errorf("expected 6 changes, got %d", stats.Total())
	}

	if len(blk.Nodes) != 3 || len(blk.Ways) != 2 || len(blk.Relations) != 1 {
		t.Fatalf("unexpected block contents: %s", blk)
	}

	n := blk.Nodes[0]
	if n.ID != 1 || n.ChangeType != elements.Create {
		t.Errorf("first node = %d %s, want 1 create", n.ID, n.ChangeType)
	}
	if v, _ := elements.TagValue(n.Tags, "name"); v != "Test Node" {
		t.Errorf("expected name 'Test Node', got '%s'", v)
	}
	if n.Lat != 437384000 || n.Lon != 74246000 {
		t.Errorf("coordinates = %d,%d", n.Lon, n.Lat)
	}
	if n.Info == nil || n.Info.Timestamp != 1705320000 || n.Info.User != "testuser" {
		t.Errorf("info = %+v", n.Info)
	}
	if blk.Nodes[2].ID != 999 || blk.Nodes[2].ChangeType != elements.Delete {
		t.Errorf("last node = %d %s, want 999 delete", blk.Nodes[2].ID, blk.Nodes[2].ChangeType)
	}

	w := blk.Ways[0]
	if w.ID != 100 || len(w.Refs) != 3 {
		t.Errorf("way = %d with %d refs, want 100 with 3", w.ID, len(w.Refs))
	}

	r := blk.Relations[0]
	if r.ID != 200 || r.ChangeType != elements.Modify || len(r.Members) != 2 {
		t.Fatalf("relation = %d %s with %d members", r.ID, r.ChangeType, len(r.Members))
	}
	if r.Members[0].Type != elements.WayType || r.Members[0].Role != "outer" {
		t.Errorf("expected way member 'outer', got %s '%s'", r.Members[0].Type, r.Members[0].Role)
	}
}

func TestReadPlainDocument(t *testing.T) {
	data := `<osm version="0.6"><node id="5" lat="1" lon="2"/><way id="6"><nd ref="5"/></way></osm>`
	blk, stats, err := Read(context.Background(), strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Plain.Nodes != 1 || stats.Plain.Ways != 1 {
		t.Errorf("plain stats = %+v", stats.Plain)
	}
	if len(blk.Nodes) != 1 || blk.Nodes[0].ChangeType != elements.Normal {
		t.Errorf("nodes = %+v", blk.Nodes)
	}
}

func TestReadErrors(t *testing.T) {
	if _, _, err := Read(context.Background(), strings.NewReader(`<osm><node id="1"`)); err == nil {
		t.Error("expected error for truncated document")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := Read(ctx, strings.NewReader(oscData)); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestReadFileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.osc.gz")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(oscData)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	_, stats, err := ReadFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total() != 6 {
		t.Errorf("expected 6 changes, got %d", stats.Total())
	}
}

func TestWriterRoundTrip(t *testing.T) {
	orig, _, err := Read(context.Background(), strings.NewReader(oscData))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		change    bool
		wantNodes int
		wantRoot  string
	}{
		{"change", true, 3, "<osmChange"},
		{"plain", false, 2, "<osm "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, tt.change)
			if err != nil {
				t.Fatal(err)
			}
			if err := w.WriteBlock(orig); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(buf.String(), tt.wantRoot) {
				t.Errorf("output lacks %s root", tt.wantRoot)
			}

			back, _, err := Read(context.Background(), &buf)
			if err != nil {
				t.Fatalf("re-read: %v", err)
			}
			if len(back.Nodes) != tt.wantNodes {
				t.Fatalf("got %d nodes, want %d", len(back.Nodes), tt.wantNodes)
			}
			if back.Nodes[0].Lat != orig.Nodes[0].Lat || back.Nodes[0].Info.Timestamp != orig.Nodes[0].Info.Timestamp {
				t.Errorf("node 1 changed: %+v", back.Nodes[0])
			}
			if tt.change && back.Nodes[2].ChangeType != elements.Delete {
				t.Errorf("node 999 change type = %s", back.Nodes[2].ChangeType)
			}
		})
	}
}
