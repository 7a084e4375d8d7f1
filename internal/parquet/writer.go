// Package parquet writes reconstructed blocks as a set of Parquet tables:
// nodes, ways, way_nodes, relations and relation_members.
package parquet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Table file names
const (
	NodesFile           = "nodes.parquet"
	WaysFile            = "ways.parquet"
	WayNodesFile        = "way_nodes.parquet"
	RelationsFile       = "relations.parquet"
	RelationMembersFile = "relation_members.parquet"
)

// TagsToJSON renders tags as a JSON object
func TagsToJSON(tags []elements.Tag) string {
	if len(tags) == 0 {
		return "{}"
	}
	m := make(map[string]string, len(tags))
	for _, tag := range tags {
		m[tag.Key] = tag.Val
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func recordFields() []arrow.Field {
	return []arrow.Field{
		{Name: "quadtree", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "version", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_s, Nullable: true},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	}
}

func withID(name string, extra ...arrow.Field) *arrow.Schema {
	fields := append([]arrow.Field{{Name: name, Type: arrow.PrimitiveTypes.Int64, Nullable: false}}, extra...)
	return arrow.NewSchema(append(fields, recordFields()...), nil)
}

var (
	nodeSchema = withID("id",
		arrow.Field{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		arrow.Field{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	)
	waySchema      = withID("id")
	relationSchema = withID("id")

	wayNodeSchema = arrow.NewSchema([]arrow.Field{
		{Name: "way_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "node_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)

	relationMemberSchema = arrow.NewSchema([]arrow.Field{
		{Name: "relation_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "type", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "ref", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "role", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)
)

// table is one Parquet file fed through a record builder. A row group is
// written every batchSize rows.
type table struct {
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

func newTable(path string, schema *arrow.Schema, batchSize int) (*table, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &table{
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: batchSize,
	}, nil
}

func (t *table) int64s(i int) *array.Int64Builder { return t.builder.Field(i).(*array.Int64Builder) }
func (t *table) strs(i int) *array.StringBuilder  { return t.builder.Field(i).(*array.StringBuilder) }

// appendRecord fills the shared quadtree, version, timestamp and tags
// columns starting at column i
func (t *table) appendRecord(i int, qt quadtree.Quadtree, info *elements.Info, tags []elements.Tag) {
	t.int64s(i).Append(int64(qt))
	if info != nil {
		t.int64s(i + 1).Append(info.Version)
		t.builder.Field(i + 2).(*array.TimestampBuilder).Append(arrow.Timestamp(info.Timestamp))
	} else {
		t.int64s(i + 1).AppendNull()
		t.builder.Field(i + 2).AppendNull()
	}
	t.strs(i + 3).Append(TagsToJSON(tags))
}

func (t *table) row() error {
	t.count++
	if t.count >= t.batchSize {
		return t.flush()
	}
	return nil
}

func (t *table) flush() error {
	if t.count == 0 {
		return nil
	}
	rec := t.builder.NewRecord()
	defer rec.Release()
	err := t.writer.Write(rec)
	t.count = 0
	return err
}

func (t *table) close() error {
	err := t.flush()
	t.builder.Release()
	if cerr := t.writer.Close(); err == nil {
		err = cerr
	}
	// pqarrow closes the sink it was given
	return err
}

// ElementWriter writes blocks into the five tables under one directory.
// It is not safe for concurrent use.
type ElementWriter struct {
	dir             string
	nodes           *table
	ways            *table
	wayNodes        *table
	relations       *table
	relationMembers *table
	rows            int64
}

// NewElementWriter creates dir if needed and opens every table in it
func NewElementWriter(dir string, batchSize int) (*ElementWriter, error) {
	if batchSize < 1 {
		batchSize = 100000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	w := &ElementWriter{dir: dir}
	specs := []struct {
		dst    **table
		name   string
		schema *arrow.Schema
	}{
		{&w.nodes, NodesFile, nodeSchema},
		{&w.ways, WaysFile, waySchema},
		{&w.wayNodes, WayNodesFile, wayNodeSchema},
		{&w.relations, RelationsFile, relationSchema},
		{&w.relationMembers, RelationMembersFile, relationMemberSchema},
	}
	for _, s := range specs {
		t, err := newTable(filepath.Join(dir, s.name), s.schema, batchSize)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to open %s: %w", s.name, err)
		}
		*s.dst = t
	}
	return w, nil
}

// WriteBlock appends every record of blk. Records whose changetype does
// not keep them are skipped.
func (w *ElementWriter) WriteBlock(blk *elements.Block) error {
	for i := range blk.Nodes {
		if err := w.writeNode(&blk.Nodes[i]); err != nil {
			return err
		}
	}
	for i := range blk.Ways {
		if err := w.writeWay(&blk.Ways[i]); err != nil {
			return err
		}
	}
	for i := range blk.Relations {
		if err := w.writeRelation(&blk.Relations[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *ElementWriter) writeNode(n *elements.Node) error {
	if !n.ChangeType.Keeps() {
		return nil
	}
	t := w.nodes
	t.int64s(0).Append(n.ID)
	t.builder.Field(1).(*array.Float64Builder).Append(quadtree.ToFloat(n.Lon))
	t.builder.Field(2).(*array.Float64Builder).Append(quadtree.ToFloat(n.Lat))
	t.appendRecord(3, n.Quadtree, n.Info, n.Tags)
	w.rows++
	return t.row()
}

func (w *ElementWriter) writeWay(way *elements.Way) error {
	if !way.ChangeType.Keeps() {
		return nil
	}
	w.ways.int64s(0).Append(way.ID)
	w.ways.appendRecord(1, way.Quadtree, way.Info, way.Tags)
	w.rows++
	if err := w.ways.row(); err != nil {
		return err
	}
	t := w.wayNodes
	for seq, ref := range way.Refs {
		t.int64s(0).Append(way.ID)
		t.builder.Field(1).(*array.Int32Builder).Append(int32(seq))
		t.int64s(2).Append(ref)
		if err := t.row(); err != nil {
			return err
		}
	}
	return nil
}

func (w *ElementWriter) writeRelation(rel *elements.Relation) error {
	if !rel.ChangeType.Keeps() {
		return nil
	}
	w.relations.int64s(0).Append(rel.ID)
	w.relations.appendRecord(1, rel.Quadtree, rel.Info, rel.Tags)
	w.rows++
	if err := w.relations.row(); err != nil {
		return err
	}
	t := w.relationMembers
	for seq, m := range rel.Members {
		t.int64s(0).Append(rel.ID)
		t.builder.Field(1).(*array.Int32Builder).Append(int32(seq))
		t.strs(2).Append(m.Type.String())
		t.int64s(3).Append(m.Ref)
		t.strs(4).Append(m.Role)
		if err := t.row(); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns the number of node, way and relation rows written
func (w *ElementWriter) Rows() int64 { return w.rows }

// Dir returns the output directory
func (w *ElementWriter) Dir() string { return w.dir }

// Close flushes and closes every table
func (w *ElementWriter) Close() error {
	var errs []error
	for _, t := range []*table{w.nodes, w.ways, w.wayNodes, w.relations, w.relationMembers} {
		if t == nil {
			continue
		}
		if err := t.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
