package elements

import (
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// ToOSM converts every record of the block into paulmach/osm objects. The
// change type is dropped; use ToOSMChange to keep it.
func ToOSM(b *Block) *osm.OSM {
	o := &osm.OSM{Version: "0.6", Generator: "osmquadtree-go"}
	if b == nil {
		return o
	}
	for i := range b.Nodes {
		o.Nodes = append(o.Nodes, toOSMNode(&b.Nodes[i]))
	}
	for i := range b.Ways {
		o.Ways = append(o.Ways, toOSMWay(&b.Ways[i]))
	}
	for i := range b.Relations {
		o.Relations = append(o.Relations, toOSMRelation(&b.Relations[i]))
	}
	return o
}

// ToOSMChange sorts the block's records into osmChange sections. Create
// maps to create; delete and remove map to delete; everything else is a
// modify.
func ToOSMChange(b *Block) *osm.Change {
	c := &osm.Change{Version: "0.6", Generator: "osmquadtree-go"}
	if b == nil {
		return c
	}
	section := func(ct ChangeType) *osm.OSM {
		var p **osm.OSM
		switch ct {
		case Create:
			p = &c.Create
		case Delete, Remove:
			p = &c.Delete
		default:
			p = &c.Modify
		}
		if *p == nil {
			*p = &osm.OSM{}
		}
		return *p
	}
	for i := range b.Nodes {
		s := section(b.Nodes[i].ChangeType)
		s.Nodes = append(s.Nodes, toOSMNode(&b.Nodes[i]))
	}
	for i := range b.Ways {
		s := section(b.Ways[i].ChangeType)
		s.Ways = append(s.Ways, toOSMWay(&b.Ways[i]))
	}
	for i := range b.Relations {
		s := section(b.Relations[i].ChangeType)
		s.Relations = append(s.Relations, toOSMRelation(&b.Relations[i]))
	}
	return c
}

// FromOSM converts a paulmach/osm document into a block, tagging every
// record with ct.
func FromOSM(o *osm.OSM, ct ChangeType) *Block {
	b := &Block{Quadtree: quadtree.Null}
	appendOSM(b, o, ct)
	b.Sort()
	return b
}

// FromOSMChange converts an osmChange document into a change block with
// Create, Modify and Delete change types.
func FromOSMChange(c *osm.Change) *Block {
	b := &Block{Quadtree: quadtree.Null}
	if c == nil {
		return b
	}
	appendOSM(b, c.Create, Create)
	appendOSM(b, c.Modify, Modify)
	appendOSM(b, c.Delete, Delete)
	b.Sort()
	return b
}

func appendOSM(b *Block, o *osm.OSM, ct ChangeType) {
	if o == nil {
		return
	}
	for _, n := range o.Nodes {
		b.Nodes = append(b.Nodes, Node{
			ID:         int64(n.ID),
			Info:       fromOSMInfo(n.Version, n.Timestamp, int64(n.ChangesetID), int64(n.UserID), n.User),
			Tags:       fromOSMTags(n.Tags),
			Lon:        quadtree.ToInt(n.Lon),
			Lat:        quadtree.ToInt(n.Lat),
			Quadtree:   quadtree.Null,
			ChangeType: ct,
		})
	}
	for _, w := range o.Ways {
		refs := make([]int64, len(w.Nodes))
		for i, wn := range w.Nodes {
			refs[i] = int64(wn.ID)
		}
		b.Ways = append(b.Ways, Way{
			ID:         int64(w.ID),
			Info:       fromOSMInfo(w.Version, w.Timestamp, int64(w.ChangesetID), int64(w.UserID), w.User),
			Tags:       fromOSMTags(w.Tags),
			Refs:       refs,
			Quadtree:   quadtree.Null,
			ChangeType: ct,
		})
	}
	for _, r := range o.Relations {
		mems := make([]Member, len(r.Members))
		for i, m := range r.Members {
			mems[i] = Member{Type: ParseElementType(string(m.Type)), Ref: m.Ref, Role: m.Role}
		}
		b.Relations = append(b.Relations, Relation{
			ID:         int64(r.ID),
			Info:       fromOSMInfo(r.Version, r.Timestamp, int64(r.ChangesetID), int64(r.UserID), r.User),
			Tags:       fromOSMTags(r.Tags),
			Members:    mems,
			Quadtree:   quadtree.Null,
			ChangeType: ct,
		})
	}
}

func fromOSMInfo(version int, ts time.Time, changeset, uid int64, user string) *Info {
	if version == 0 && ts.IsZero() && changeset == 0 && uid == 0 && user == "" {
		return nil
	}
	info := &Info{Version: int64(version), Changeset: changeset, UserID: uid, User: user}
	if !ts.IsZero() {
		info.Timestamp = ts.Unix()
	}
	return info
}

func fromOSMTags(tags osm.Tags) []Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]Tag, len(tags))
	for i, t := range tags {
		out[i] = Tag{Key: t.Key, Val: t.Value}
	}
	return out
}

func toOSMTags(tags []Tag) osm.Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(osm.Tags, len(tags))
	for i, t := range tags {
		out[i] = osm.Tag{Key: t.Key, Value: t.Val}
	}
	return out
}

func toOSMTime(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func toOSMNode(n *Node) *osm.Node {
	o := &osm.Node{
		ID:      osm.NodeID(n.ID),
		Lat:     quadtree.ToFloat(n.Lat),
		Lon:     quadtree.ToFloat(n.Lon),
		Visible: n.ChangeType.Keeps(),
		Tags:    toOSMTags(n.Tags),
	}
	if n.Info != nil {
		o.Version = int(n.Info.Version)
		o.Timestamp = toOSMTime(n.Info.Timestamp)
		o.ChangesetID = osm.ChangesetID(n.Info.Changeset)
		o.UserID = osm.UserID(n.Info.UserID)
		o.User = n.Info.User
	}
	return o
}

func toOSMWay(w *Way) *osm.Way {
	o := &osm.Way{
		ID:      osm.WayID(w.ID),
		Visible: w.ChangeType.Keeps(),
		Tags:    toOSMTags(w.Tags),
		Nodes:   make(osm.WayNodes, len(w.Refs)),
	}
	for i, r := range w.Refs {
		o.Nodes[i] = osm.WayNode{ID: osm.NodeID(r)}
	}
	if w.Info != nil {
		o.Version = int(w.Info.Version)
		o.Timestamp = toOSMTime(w.Info.Timestamp)
		o.ChangesetID = osm.ChangesetID(w.Info.Changeset)
		o.UserID = osm.UserID(w.Info.UserID)
		o.User = w.Info.User
	}
	return o
}

func toOSMRelation(r *Relation) *osm.Relation {
	o := &osm.Relation{
		ID:      osm.RelationID(r.ID),
		Visible: r.ChangeType.Keeps(),
		Tags:    toOSMTags(r.Tags),
		Members: make(osm.Members, len(r.Members)),
	}
	for i, m := range r.Members {
		o.Members[i] = osm.Member{Type: osm.Type(m.Type.String()), Ref: m.Ref, Role: m.Role}
	}
	if r.Info != nil {
		o.Version = int(r.Info.Version)
		o.Timestamp = toOSMTime(r.Info.Timestamp)
		o.ChangesetID = osm.ChangesetID(r.Info.Changeset)
		o.UserID = osm.UserID(r.Info.UserID)
		o.User = r.Info.User
	}
	return o
}
