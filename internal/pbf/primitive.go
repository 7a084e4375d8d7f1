package pbf

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// PrimitiveBlock field numbers
const (
	blkStringTable = 1
	blkGroup       = 2
	blkGranularity = 17
	blkDateGran    = 18
	blkLatOffset   = 19
	blkLonOffset   = 20
	blkQuadtree    = 31
	blkStartDate   = 33
	blkEndDate     = 34
)

// PrimitiveGroup field numbers
const (
	grpNodes      = 1
	grpDense      = 2
	grpWays       = 3
	grpRelations  = 4
	grpChangeType = 10
)

// element field numbers shared by nodes, ways and relations
const (
	elemID       = 1
	elemKeys     = 2
	elemVals     = 3
	elemInfo     = 4
	elemQuadtree = 20

	nodeLat = 8
	nodeLon = 9

	wayRefs = 8

	relRoles = 8
	relMemID = 9
	relTypes = 10
)

// DenseNodes field numbers
const (
	denseID       = 1
	denseInfo     = 5
	denseLat      = 8
	denseLon      = 9
	denseKeysVals = 10
	denseQuadtree = 20
)

const (
	defaultGranularity = 100
	defaultDateGran    = 1000
)

type blockContext struct {
	strings  [][]byte
	gran     int64
	dateGran int64
	latOff   int64
	lonOff   int64
}

func (c *blockContext) str(i uint64) (string, error) {
	if i >= uint64(len(c.strings)) {
		return "", fmt.Errorf("%w: string index %d out of range", ErrMalformedBlock, i)
	}
	return string(c.strings[i]), nil
}

// coordinates are stored in nanodegrees: (offset + granularity*raw)
func (c *blockContext) lon(raw int64) int32 { return int32((c.lonOff + c.gran*raw) / nanoPerUnit) }
func (c *blockContext) lat(raw int64) int32 { return int32((c.latOff + c.gran*raw) / nanoPerUnit) }

func (c *blockContext) timestamp(raw int64) int64 { return raw * c.dateGran / 1000 }

// DecodeData decompresses and decodes a data block
func DecodeData(rb *RawBlock, index int, isChange bool) (*elements.Block, error) {
	if rb.Type != DataType {
		return nil, fmt.Errorf("%w: block at %d has type %q", ErrMalformedBlock, rb.Pos, rb.Type)
	}
	data, err := rb.Decompress()
	if err != nil {
		return nil, err
	}
	return DecodeBlock(index, rb.Pos, data, isChange)
}

// DecodeBlock decodes an uncompressed primitive block. Change types are
// kept only when isChange is set; base snapshots are always Normal.
func DecodeBlock(index int, pos int64, data []byte, isChange bool) (*elements.Block, error) {
	ctx := &blockContext{gran: defaultGranularity, dateGran: defaultDateGran}
	blk := elements.NewBlock(index, pos, quadtree.Null)

	var groups [][]byte
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case blkStringTable:
			return walkFields(b, func(num protowire.Number, _ protowire.Type, _ uint64, s []byte) error {
				if num == 1 {
					ctx.strings = append(ctx.strings, s)
				}
				return nil
			})
		case blkGroup:
			groups = append(groups, b)
		case blkGranularity:
			ctx.gran = int64(v)
		case blkDateGran:
			ctx.dateGran = int64(v)
		case blkLatOffset:
			ctx.latOff = int64(v)
		case blkLonOffset:
			ctx.lonOff = int64(v)
		case blkQuadtree:
			q, err := decodeQuadtreeMsg(b)
			if err != nil {
				return err
			}
			blk.Quadtree = q
		case blkStartDate:
			blk.StartDate = int64(v)
		case blkEndDate:
			blk.EndDate = int64(v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", pos, err)
	}

	for _, g := range groups {
		if err := ctx.decodeGroup(blk, g, isChange); err != nil {
			return nil, fmt.Errorf("block at %d: %w", pos, err)
		}
	}
	return blk, nil
}

func (c *blockContext) decodeGroup(blk *elements.Block, data []byte, isChange bool) error {
	nn, nw, nr := len(blk.Nodes), len(blk.Ways), len(blk.Relations)
	ct := elements.Normal
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, v uint64, b []byte) error {
		switch num {
		case grpNodes:
			n, err := c.decodeNode(b)
			if err != nil {
				return err
			}
			blk.Nodes = append(blk.Nodes, n)
		case grpDense:
			return c.decodeDense(blk, b)
		case grpWays:
			w, err := c.decodeWay(b)
			if err != nil {
				return err
			}
			blk.Ways = append(blk.Ways, w)
		case grpRelations:
			r, err := c.decodeRelation(b)
			if err != nil {
				return err
			}
			blk.Relations = append(blk.Relations, r)
		case grpChangeType:
			ct = elements.ChangeType(v)
		}
		return nil
	})
	if err != nil || !isChange || ct == elements.Normal {
		return err
	}
	for i := nn; i < len(blk.Nodes); i++ {
		blk.Nodes[i].ChangeType = ct
	}
	for i := nw; i < len(blk.Ways); i++ {
		blk.Ways[i].ChangeType = ct
	}
	for i := nr; i < len(blk.Relations); i++ {
		blk.Relations[i].ChangeType = ct
	}
	return nil
}

// appendPacked collects a repeated varint field whether it was written
// packed or one value per tag.
func appendPacked(dst []uint64, typ protowire.Type, v uint64, data []byte) ([]uint64, error) {
	if typ == protowire.VarintType {
		return append(dst, v), nil
	}
	for len(data) > 0 {
		x, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return dst, fmt.Errorf("%w: packed field: %v", ErrMalformedBlock, protowire.ParseError(n))
		}
		dst = append(dst, x)
		data = data[n:]
	}
	return dst, nil
}

func (c *blockContext) tags(keys, vals []uint64) ([]elements.Tag, error) {
	if len(keys) != len(vals) {
		return nil, fmt.Errorf("%w: %d keys, %d vals", ErrMalformedBlock, len(keys), len(vals))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	tags := make([]elements.Tag, len(keys))
	for i := range keys {
		k, err := c.str(keys[i])
		if err != nil {
			return nil, err
		}
		v, err := c.str(vals[i])
		if err != nil {
			return nil, err
		}
		tags[i] = elements.Tag{Key: k, Val: v}
	}
	return tags, nil
}

func (c *blockContext) decodeInfo(data []byte) (*elements.Info, error) {
	info := &elements.Info{}
	err := walkFields(data, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case 1:
			info.Version = int64(v)
		case 2:
			info.Timestamp = c.timestamp(int64(v))
		case 3:
			info.Changeset = int64(v)
		case 4:
			info.UserID = int64(int32(v))
		case 5:
			u, err := c.str(v)
			if err != nil {
				return err
			}
			info.User = u
		}
		return nil
	})
	return info, err
}

func (c *blockContext) decodeNode(data []byte) (elements.Node, error) {
	n := elements.Node{Quadtree: quadtree.Null}
	var keys, vals []uint64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case elemID:
			n.ID = protowire.DecodeZigZag(v)
		case elemKeys:
			keys, err = appendPacked(keys, typ, v, b)
		case elemVals:
			vals, err = appendPacked(vals, typ, v, b)
		case elemInfo:
			n.Info, err = c.decodeInfo(b)
		case nodeLat:
			n.Lat = c.lat(protowire.DecodeZigZag(v))
		case nodeLon:
			n.Lon = c.lon(protowire.DecodeZigZag(v))
		case elemQuadtree:
			n.Quadtree = quadtree.Quadtree(protowire.DecodeZigZag(v))
		}
		return err
	})
	if err != nil {
		return n, err
	}
	n.Tags, err = c.tags(keys, vals)
	return n, err
}

type denseInfoArrays struct {
	versions, timestamps, changesets, uids, userSids []uint64
}

func (c *blockContext) decodeDense(blk *elements.Block, data []byte) error {
	var ids, lats, lons, kvs, qts []uint64
	var info *denseInfoArrays
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case denseID:
			ids, err = appendPacked(ids, typ, v, b)
		case denseLat:
			lats, err = appendPacked(lats, typ, v, b)
		case denseLon:
			lons, err = appendPacked(lons, typ, v, b)
		case denseKeysVals:
			kvs, err = appendPacked(kvs, typ, v, b)
		case denseQuadtree:
			qts, err = appendPacked(qts, typ, v, b)
		case denseInfo:
			info = &denseInfoArrays{}
			err = walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
				var err error
				switch num {
				case 1:
					info.versions, err = appendPacked(info.versions, typ, v, b)
				case 2:
					info.timestamps, err = appendPacked(info.timestamps, typ, v, b)
				case 3:
					info.changesets, err = appendPacked(info.changesets, typ, v, b)
				case 4:
					info.uids, err = appendPacked(info.uids, typ, v, b)
				case 5:
					info.userSids, err = appendPacked(info.userSids, typ, v, b)
				}
				return err
			})
		}
		return err
	})
	if err != nil {
		return err
	}
	if len(lats) != len(ids) || len(lons) != len(ids) {
		return fmt.Errorf("%w: dense nodes: %d ids, %d lats, %d lons", ErrMalformedBlock, len(ids), len(lats), len(lons))
	}
	if len(qts) != 0 && len(qts) != len(ids) {
		return fmt.Errorf("%w: dense nodes: %d quadtrees for %d ids", ErrMalformedBlock, len(qts), len(ids))
	}
	if info != nil && (len(info.versions) != len(ids) || len(info.timestamps) != len(ids) ||
		len(info.changesets) != len(ids) || len(info.uids) != len(ids) || len(info.userSids) != len(ids)) {
		return fmt.Errorf("%w: dense info length mismatch", ErrMalformedBlock)
	}

	var id, lat, lon, qt, ts, cs, uid, usid int64
	kvPos := 0
	for i := range ids {
		id += protowire.DecodeZigZag(ids[i])
		lat += protowire.DecodeZigZag(lats[i])
		lon += protowire.DecodeZigZag(lons[i])
		n := elements.Node{ID: id, Lat: c.lat(lat), Lon: c.lon(lon), Quadtree: quadtree.Null}
		if len(qts) > 0 {
			qt += protowire.DecodeZigZag(qts[i])
			n.Quadtree = quadtree.Quadtree(qt)
		}
		if info != nil {
			ts += protowire.DecodeZigZag(info.timestamps[i])
			cs += protowire.DecodeZigZag(info.changesets[i])
			uid += protowire.DecodeZigZag(info.uids[i])
			usid += protowire.DecodeZigZag(info.userSids[i])
			user, err := c.str(uint64(usid))
			if err != nil {
				return err
			}
			n.Info = &elements.Info{
				Version:   int64(int32(info.versions[i])),
				Timestamp: c.timestamp(ts),
				Changeset: cs,
				UserID:    uid,
				User:      user,
			}
		}
		for kvPos < len(kvs) {
			k := kvs[kvPos]
			kvPos++
			if k == 0 {
				break
			}
			if kvPos >= len(kvs) {
				return fmt.Errorf("%w: dense keys_vals truncated", ErrMalformedBlock)
			}
			key, err := c.str(k)
			if err != nil {
				return err
			}
			val, err := c.str(kvs[kvPos])
			if err != nil {
				return err
			}
			kvPos++
			n.Tags = append(n.Tags, elements.Tag{Key: key, Val: val})
		}
		blk.Nodes = append(blk.Nodes, n)
	}
	return nil
}

func (c *blockContext) decodeWay(data []byte) (elements.Way, error) {
	w := elements.Way{Quadtree: quadtree.Null}
	var keys, vals, refs []uint64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case elemID:
			w.ID = int64(v)
		case elemKeys:
			keys, err = appendPacked(keys, typ, v, b)
		case elemVals:
			vals, err = appendPacked(vals, typ, v, b)
		case elemInfo:
			w.Info, err = c.decodeInfo(b)
		case wayRefs:
			refs, err = appendPacked(refs, typ, v, b)
		case elemQuadtree:
			w.Quadtree = quadtree.Quadtree(protowire.DecodeZigZag(v))
		}
		return err
	})
	if err != nil {
		return w, err
	}
	if len(refs) > 0 {
		w.Refs = make([]int64, len(refs))
		var ref int64
		for i, r := range refs {
			ref += protowire.DecodeZigZag(r)
			w.Refs[i] = ref
		}
	}
	w.Tags, err = c.tags(keys, vals)
	return w, err
}

func (c *blockContext) decodeRelation(data []byte) (elements.Relation, error) {
	r := elements.Relation{Quadtree: quadtree.Null}
	var keys, vals, roles, memids, types []uint64
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		var err error
		switch num {
		case elemID:
			r.ID = int64(v)
		case elemKeys:
			keys, err = appendPacked(keys, typ, v, b)
		case elemVals:
			vals, err = appendPacked(vals, typ, v, b)
		case elemInfo:
			r.Info, err = c.decodeInfo(b)
		case relRoles:
			roles, err = appendPacked(roles, typ, v, b)
		case relMemID:
			memids, err = appendPacked(memids, typ, v, b)
		case relTypes:
			types, err = appendPacked(types, typ, v, b)
		case elemQuadtree:
			r.Quadtree = quadtree.Quadtree(protowire.DecodeZigZag(v))
		}
		return err
	})
	if err != nil {
		return r, err
	}
	if len(roles) != len(memids) || len(types) != len(memids) {
		return r, fmt.Errorf("%w: relation %d: member field lengths differ", ErrMalformedBlock, r.ID)
	}
	if len(memids) > 0 {
		r.Members = make([]elements.Member, len(memids))
		var ref int64
		for i := range memids {
			ref += protowire.DecodeZigZag(memids[i])
			role, err := c.str(roles[i])
			if err != nil {
				return r, err
			}
			r.Members[i] = elements.Member{Type: elements.ElementTypeFromCode(types[i]), Ref: ref, Role: role}
		}
	}
	r.Tags, err = c.tags(keys, vals)
	return r, err
}

// stringTable assigns indexes to strings in first use order. Index 0 is
// the empty string.
type stringTable struct {
	index map[string]uint64
	list  []string
}

func newStringTable() *stringTable {
	return &stringTable{index: map[string]uint64{"": 0}, list: []string{""}}
}

func (t *stringTable) get(s string) uint64 {
	if i, ok := t.index[s]; ok {
		return i
	}
	i := uint64(len(t.list))
	t.index[s] = i
	t.list = append(t.list, s)
	return i
}

func appendPackedVarints(b []byte, num protowire.Number, vals []uint64) []byte {
	if len(vals) == 0 {
		return b
	}
	var p []byte
	for _, v := range vals {
		p = protowire.AppendVarint(p, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// deltas zigzag encodes the differences between consecutive values
func deltas(vals []int64) []uint64 {
	out := make([]uint64, len(vals))
	var prev int64
	for i, v := range vals {
		out[i] = protowire.EncodeZigZag(v - prev)
		prev = v
	}
	return out
}

// EncodeBlock encodes a block as an uncompressed primitive block using
// granularity 100 and whole second timestamps. With isChange set, records
// are grouped by change type and every group carries its change type.
func EncodeBlock(blk *elements.Block, isChange bool) []byte {
	st := newStringTable()
	var groups [][]byte

	cts := []elements.ChangeType{elements.Normal}
	if isChange {
		cts = []elements.ChangeType{elements.Normal, elements.Delete, elements.Remove,
			elements.Unchanged, elements.Modify, elements.Create}
	}
	for _, ct := range cts {
		var nodes []*elements.Node
		for i := range blk.Nodes {
			if !isChange || blk.Nodes[i].ChangeType == ct {
				nodes = append(nodes, &blk.Nodes[i])
			}
		}
		var ways []*elements.Way
		for i := range blk.Ways {
			if !isChange || blk.Ways[i].ChangeType == ct {
				ways = append(ways, &blk.Ways[i])
			}
		}
		var rels []*elements.Relation
		for i := range blk.Relations {
			if !isChange || blk.Relations[i].ChangeType == ct {
				rels = append(rels, &blk.Relations[i])
			}
		}
		if len(nodes) > 0 {
			g := appendMessage(nil, grpDense, encodeDense(st, nodes))
			groups = append(groups, withChangeType(g, ct, isChange))
		}
		if len(ways) > 0 {
			var g []byte
			for _, w := range ways {
				g = appendMessage(g, grpWays, encodeWay(st, w))
			}
			groups = append(groups, withChangeType(g, ct, isChange))
		}
		if len(rels) > 0 {
			var g []byte
			for _, r := range rels {
				g = appendMessage(g, grpRelations, encodeRelation(st, r))
			}
			groups = append(groups, withChangeType(g, ct, isChange))
		}
	}

	var table []byte
	for _, s := range st.list {
		table = protowire.AppendTag(table, 1, protowire.BytesType)
		table = protowire.AppendString(table, s)
	}

	var b []byte
	b = appendMessage(b, blkStringTable, table)
	for _, g := range groups {
		b = appendMessage(b, blkGroup, g)
	}
	b = appendVarintField(b, blkGranularity, defaultGranularity)
	b = appendVarintField(b, blkDateGran, defaultDateGran)
	if blk.Quadtree >= 0 {
		b = appendQuadtreeMsg(b, blkQuadtree, blk.Quadtree)
	}
	if blk.StartDate != 0 {
		b = appendVarintField(b, blkStartDate, uint64(blk.StartDate))
	}
	if blk.EndDate != 0 {
		b = appendVarintField(b, blkEndDate, uint64(blk.EndDate))
	}
	return b
}

func withChangeType(g []byte, ct elements.ChangeType, isChange bool) []byte {
	if !isChange {
		return g
	}
	return appendVarintField(g, grpChangeType, uint64(ct))
}

func encodeInfo(st *stringTable, info *elements.Info) []byte {
	var m []byte
	m = appendVarintField(m, 1, uint64(info.Version))
	m = appendVarintField(m, 2, uint64(info.Timestamp))
	m = appendVarintField(m, 3, uint64(info.Changeset))
	m = appendVarintField(m, 4, uint64(info.UserID))
	m = appendVarintField(m, 5, st.get(info.User))
	return m
}

func encodeTags(b []byte, st *stringTable, tags []elements.Tag) []byte {
	if len(tags) == 0 {
		return b
	}
	keys := make([]uint64, len(tags))
	vals := make([]uint64, len(tags))
	for i, t := range tags {
		keys[i] = st.get(t.Key)
		vals[i] = st.get(t.Val)
	}
	b = appendPackedVarints(b, elemKeys, keys)
	return appendPackedVarints(b, elemVals, vals)
}

func encodeDense(st *stringTable, nodes []*elements.Node) []byte {
	ids := make([]int64, len(nodes))
	lats := make([]int64, len(nodes))
	lons := make([]int64, len(nodes))
	qts := make([]int64, len(nodes))
	var kvs []uint64
	hasInfo, hasQts, hasTags := false, false, false
	for i, n := range nodes {
		ids[i] = n.ID
		lats[i] = int64(n.Lat)
		lons[i] = int64(n.Lon)
		qts[i] = int64(n.Quadtree)
		hasInfo = hasInfo || n.Info != nil
		hasQts = hasQts || n.Quadtree != quadtree.Null
		hasTags = hasTags || len(n.Tags) > 0
	}
	if hasTags {
		for _, n := range nodes {
			for _, t := range n.Tags {
				kvs = append(kvs, st.get(t.Key), st.get(t.Val))
			}
			kvs = append(kvs, 0)
		}
	}

	var b []byte
	b = appendPackedVarints(b, denseID, deltas(ids))
	if hasInfo {
		vers := make([]uint64, len(nodes))
		ts := make([]int64, len(nodes))
		cs := make([]int64, len(nodes))
		uids := make([]int64, len(nodes))
		usids := make([]int64, len(nodes))
		for i, n := range nodes {
			info := n.Info
			if info == nil {
				info = &elements.Info{}
			}
			vers[i] = uint64(info.Version)
			ts[i] = info.Timestamp
			cs[i] = info.Changeset
			uids[i] = info.UserID
			usids[i] = int64(st.get(info.User))
		}
		var m []byte
		m = appendPackedVarints(m, 1, vers)
		m = appendPackedVarints(m, 2, deltas(ts))
		m = appendPackedVarints(m, 3, deltas(cs))
		m = appendPackedVarints(m, 4, deltas(uids))
		m = appendPackedVarints(m, 5, deltas(usids))
		b = appendMessage(b, denseInfo, m)
	}
	b = appendPackedVarints(b, denseLat, deltas(lats))
	b = appendPackedVarints(b, denseLon, deltas(lons))
	b = appendPackedVarints(b, denseKeysVals, kvs)
	if hasQts {
		b = appendPackedVarints(b, denseQuadtree, deltas(qts))
	}
	return b
}

func encodeWay(st *stringTable, w *elements.Way) []byte {
	var b []byte
	b = appendVarintField(b, elemID, uint64(w.ID))
	b = encodeTags(b, st, w.Tags)
	if w.Info != nil {
		b = appendMessage(b, elemInfo, encodeInfo(st, w.Info))
	}
	b = appendPackedVarints(b, wayRefs, deltas(w.Refs))
	if w.Quadtree != quadtree.Null {
		b = appendVarintField(b, elemQuadtree, protowire.EncodeZigZag(int64(w.Quadtree)))
	}
	return b
}

func encodeRelation(st *stringTable, r *elements.Relation) []byte {
	var b []byte
	b = appendVarintField(b, elemID, uint64(r.ID))
	b = encodeTags(b, st, r.Tags)
	if r.Info != nil {
		b = appendMessage(b, elemInfo, encodeInfo(st, r.Info))
	}
	if len(r.Members) > 0 {
		roles := make([]uint64, len(r.Members))
		refs := make([]int64, len(r.Members))
		types := make([]uint64, len(r.Members))
		for i, m := range r.Members {
			roles[i] = st.get(m.Role)
			refs[i] = m.Ref
			types[i] = uint64(m.Type)
		}
		b = appendPackedVarints(b, relRoles, roles)
		b = appendPackedVarints(b, relMemID, deltas(refs))
		b = appendPackedVarints(b, relTypes, types)
	}
	if r.Quadtree != quadtree.Null {
		b = appendVarintField(b, elemQuadtree, protowire.EncodeZigZag(int64(r.Quadtree)))
	}
	return b
}
