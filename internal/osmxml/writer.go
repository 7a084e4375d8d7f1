package osmxml

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

const generator = "osmquadtree-go"

// Writer streams blocks as one XML document. In change mode the document
// is an <osmChange> and every block becomes its own create, modify and
// delete sections; otherwise it is an <osm> document holding only records
// whose change type keeps them. Not safe for concurrent use.
type Writer struct {
	buf    *bufio.Writer
	enc    *xml.Encoder
	root   xml.StartElement
	change bool
	count  int64
	closed bool
}

// NewWriter writes the document header to w
func NewWriter(w io.Writer, change bool) (*Writer, error) {
	name := "osm"
	if change {
		name = "osmChange"
	}
	buf := bufio.NewWriterSize(w, 1<<16)
	if _, err := buf.WriteString(xml.Header); err != nil {
		return nil, err
	}
	enc := xml.NewEncoder(buf)
	enc.Indent("", " ")
	root := xml.StartElement{
		Name: xml.Name{Local: name},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "version"}, Value: "0.6"},
			{Name: xml.Name{Local: "generator"}, Value: generator},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, fmt.Errorf("failed to write %s header: %w", name, err)
	}
	return &Writer{buf: buf, enc: enc, root: root, change: change}, nil
}

// WriteBlock encodes the records of blk
func (w *Writer) WriteBlock(blk *elements.Block) error {
	if w.change {
		c := elements.ToOSMChange(blk)
		for _, s := range []struct {
			name string
			o    *osm.OSM
		}{{"create", c.Create}, {"modify", c.Modify}, {"delete", c.Delete}} {
			if s.o == nil {
				continue
			}
			start := xml.StartElement{Name: xml.Name{Local: s.name}}
			if err := w.enc.EncodeToken(start); err != nil {
				return err
			}
			if err := w.encodeAll(s.o); err != nil {
				return err
			}
			if err := w.enc.EncodeToken(start.End()); err != nil {
				return err
			}
		}
		return nil
	}
	return w.encodeAll(elements.ToOSM(kept(blk)))
}

// kept drops records a plain document cannot carry
func kept(blk *elements.Block) *elements.Block {
	out := &elements.Block{Index: blk.Index, Quadtree: blk.Quadtree}
	for _, n := range blk.Nodes {
		if n.ChangeType.Keeps() {
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, way := range blk.Ways {
		if way.ChangeType.Keeps() {
			out.Ways = append(out.Ways, way)
		}
	}
	for _, r := range blk.Relations {
		if r.ChangeType.Keeps() {
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

func (w *Writer) encodeAll(o *osm.OSM) error {
	for _, n := range o.Nodes {
		if err := w.enc.Encode(n); err != nil {
			return fmt.Errorf("node %d: %w", n.ID, err)
		}
	}
	for _, way := range o.Ways {
		if err := w.enc.Encode(way); err != nil {
			return fmt.Errorf("way %d: %w", way.ID, err)
		}
	}
	for _, r := range o.Relations {
		if err := w.enc.Encode(r); err != nil {
			return fmt.Errorf("relation %d: %w", r.ID, err)
		}
	}
	w.count += int64(len(o.Nodes) + len(o.Ways) + len(o.Relations))
	return nil
}

// Count returns the number of records written
func (w *Writer) Count() int64 { return w.count }

// Close ends the document and flushes. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.enc.EncodeToken(w.root.End()); err != nil {
		return err
	}
	if err := w.enc.Flush(); err != nil {
		return err
	}
	if _, err := w.buf.WriteString("\n"); err != nil {
		return err
	}
	return w.buf.Flush()
}
