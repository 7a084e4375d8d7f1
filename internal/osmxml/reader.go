// Package osmxml reads and writes the OSM XML formats: plain <osm>
// documents and <osmChange> documents.
package osmxml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

// Action is an osmChange section
type Action string

const (
	ActionNone   Action = "" // records of a plain <osm> document
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// KindCounts counts records by kind
type KindCounts struct {
	Nodes, Ways, Relations int64
}

func (k KindCounts) Total() int64 { return k.Nodes + k.Ways + k.Relations }

// Stats counts the records read per section
type Stats struct {
	Plain    KindCounts
	Created  KindCounts
	Modified KindCounts
	Deleted  KindCounts
}

// Total returns total number of records
func (s *Stats) Total() int64 {
	return s.Plain.Total() + s.Created.Total() + s.Modified.Total() + s.Deleted.Total()
}

func (s *Stats) section(a Action) *KindCounts {
	switch a {
	case ActionCreate:
		return &s.Created
	case ActionModify:
		return &s.Modified
	case ActionDelete:
		return &s.Deleted
	}
	return &s.Plain
}

// ReadFile reads an .osm or .osc file, gzip compressed when the name ends
// in .gz
func ReadFile(ctx context.Context, path string) (*elements.Block, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return Read(ctx, r)
}

// Read decodes an <osm> or <osmChange> document into one block. Records in
// create, modify and delete sections get the matching change type; records
// outside any section are Normal. The block is sorted and its quadtree is
// Null.
func Read(ctx context.Context, r io.Reader) (*elements.Block, Stats, error) {
	var stats Stats
	change := &osm.Change{}
	plain := &osm.OSM{}
	sections := map[Action]*osm.OSM{ActionNone: plain}

	decoder := xml.NewDecoder(r)
	action := ActionNone
	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("XML parse error: %w", err)
		}

		switch se := token.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "create", "modify", "delete":
				action = Action(se.Name.Local)
				if sections[action] == nil {
					sections[action] = &osm.OSM{}
				}
			case "node":
				n := &osm.Node{}
				if err := decoder.DecodeElement(n, &se); err != nil {
					return nil, stats, fmt.Errorf("node: %w", err)
				}
				sections[action].Nodes = append(sections[action].Nodes, n)
				stats.section(action).Nodes++
			case "way":
				w := &osm.Way{}
				if err := decoder.DecodeElement(w, &se); err != nil {
					return nil, stats, fmt.Errorf("way: %w", err)
				}
				sections[action].Ways = append(sections[action].Ways, w)
				stats.section(action).Ways++
			case "relation":
				rel := &osm.Relation{}
				if err := decoder.DecodeElement(rel, &se); err != nil {
					return nil, stats, fmt.Errorf("relation: %w", err)
				}
				sections[action].Relations = append(sections[action].Relations, rel)
				stats.section(action).Relations++
			}
		case xml.EndElement:
			switch se.Name.Local {
			case "create", "modify", "delete":
				action = ActionNone
			}
		}
	}

	change.Create = sections[ActionCreate]
	change.Modify = sections[ActionModify]
	change.Delete = sections[ActionDelete]
	blk := elements.FromOSMChange(change)
	if stats.Plain.Total() > 0 {
		blk = elements.Combine(elements.FromOSM(plain, elements.Normal), blk)
	}
	return blk, stats, nil
}
