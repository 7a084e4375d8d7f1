package pbf

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// HeaderBlock field numbers
const (
	hdrBbox           = 1
	hdrRequired       = 4
	hdrOptional       = 5
	hdrWritingProgram = 16
	hdrSource         = 17
	hdrIndex          = 22
	hdrReplTimestamp  = 32
	hdrReplSequence   = 33
	hdrReplBaseURL    = 34
)

// IndexEntry locates one data block of a tile-sorted file. Pos is not
// stored; it is derived from the cumulative block lengths.
type IndexEntry struct {
	Quadtree quadtree.Quadtree
	IsChange bool
	Len      int64
	Pos      int64
}

// HeaderBlock is the leading block of a container file
type HeaderBlock struct {
	Bbox                 *quadtree.Bbox
	RequiredFeatures     []string
	OptionalFeatures     []string
	WritingProgram       string
	Source               string
	Index                []IndexEntry
	ReplicationTimestamp int64
	ReplicationSequence  int64
	ReplicationBaseURL   string
}

// DefaultHeader returns the header written by this tool
func DefaultHeader() *HeaderBlock {
	return &HeaderBlock{
		RequiredFeatures: []string{"OsmSchema-V0.6", "DenseNodes"},
		WritingProgram:   "osmquadtree-go",
	}
}

// ReadHeader reads and decodes the header block at the start of src and
// resolves the index positions.
func ReadHeader(src Source) (*HeaderBlock, error) {
	rb, err := src.ReadAt(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read header block: %w", err)
	}
	if rb.Type != HeaderType {
		return nil, fmt.Errorf("%w: first block has type %q", ErrMalformedBlock, rb.Type)
	}
	data, err := rb.Decompress()
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	h.setPositions(rb.End())
	return h, nil
}

func (h *HeaderBlock) setPositions(start int64) {
	pos := start
	for i := range h.Index {
		h.Index[i].Pos = pos
		pos += h.Index[i].Len
	}
}

// DecodeHeader decodes an uncompressed header block payload. Index
// positions are left at zero.
func DecodeHeader(b []byte) (*HeaderBlock, error) {
	h := &HeaderBlock{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error {
		switch num {
		case hdrBbox:
			box, err := decodeHeaderBbox(data)
			if err != nil {
				return err
			}
			h.Bbox = &box
		case hdrRequired:
			h.RequiredFeatures = append(h.RequiredFeatures, string(data))
		case hdrOptional:
			h.OptionalFeatures = append(h.OptionalFeatures, string(data))
		case hdrWritingProgram:
			h.WritingProgram = string(data)
		case hdrSource:
			h.Source = string(data)
		case hdrIndex:
			e, err := decodeIndexEntry(data)
			if err != nil {
				return err
			}
			h.Index = append(h.Index, e)
		case hdrReplTimestamp:
			h.ReplicationTimestamp = int64(v)
		case hdrReplSequence:
			h.ReplicationSequence = int64(v)
		case hdrReplBaseURL:
			h.ReplicationBaseURL = string(data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("header block: %w", err)
	}
	return h, nil
}

// header boxes are stored in nanodegrees
const nanoPerUnit = 100

func decodeHeaderBbox(b []byte) (quadtree.Bbox, error) {
	var box quadtree.Bbox
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		x := int32(protowire.DecodeZigZag(v) / nanoPerUnit)
		switch num {
		case 1:
			box.MinLon = x
		case 2:
			box.MaxLon = x
		case 3:
			box.MaxLat = x
		case 4:
			box.MinLat = x
		}
		return nil
	})
	return box, err
}

func decodeIndexEntry(b []byte) (IndexEntry, error) {
	e := IndexEntry{Quadtree: quadtree.Null}
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, data []byte) error {
		switch num {
		case 1:
			q, err := decodeQuadtreeMsg(data)
			if err != nil {
				return err
			}
			e.Quadtree = q
		case 2:
			e.IsChange = v != 0
		case 3:
			e.Len = protowire.DecodeZigZag(v)
		}
		return nil
	})
	return e, err
}

func decodeQuadtreeMsg(b []byte) (quadtree.Quadtree, error) {
	var x, y uint32
	var z int
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case 1:
			x = uint32(v)
		case 2:
			y = uint32(v)
		case 3:
			z = int(v)
		}
		return nil
	})
	if err != nil {
		return quadtree.Null, err
	}
	q, err := quadtree.FromTuple(x, y, z)
	if err != nil {
		return quadtree.Null, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	return q, nil
}

func appendQuadtreeMsg(b []byte, num protowire.Number, q quadtree.Quadtree) []byte {
	x, y, z := q.Tuple()
	var m []byte
	m = protowire.AppendTag(m, 1, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(x))
	m = protowire.AppendTag(m, 2, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(y))
	m = protowire.AppendTag(m, 3, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(z))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// EncodeHeader encodes the header block payload
func EncodeHeader(h *HeaderBlock) []byte {
	var b []byte
	if h.Bbox != nil {
		var m []byte
		for i, v := range []int32{h.Bbox.MinLon, h.Bbox.MaxLon, h.Bbox.MaxLat, h.Bbox.MinLat} {
			m = protowire.AppendTag(m, protowire.Number(i+1), protowire.VarintType)
			m = protowire.AppendVarint(m, protowire.EncodeZigZag(int64(v)*nanoPerUnit))
		}
		b = protowire.AppendTag(b, hdrBbox, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, s := range h.RequiredFeatures {
		b = protowire.AppendTag(b, hdrRequired, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range h.OptionalFeatures {
		b = protowire.AppendTag(b, hdrOptional, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	if h.WritingProgram != "" {
		b = protowire.AppendTag(b, hdrWritingProgram, protowire.BytesType)
		b = protowire.AppendString(b, h.WritingProgram)
	}
	if h.Source != "" {
		b = protowire.AppendTag(b, hdrSource, protowire.BytesType)
		b = protowire.AppendString(b, h.Source)
	}
	for _, e := range h.Index {
		var m []byte
		if e.Quadtree >= 0 {
			m = appendQuadtreeMsg(m, 1, e.Quadtree)
		}
		if e.IsChange {
			m = protowire.AppendTag(m, 2, protowire.VarintType)
			m = protowire.AppendVarint(m, 1)
		}
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(e.Len))
		b = protowire.AppendTag(b, hdrIndex, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if h.ReplicationTimestamp != 0 {
		b = protowire.AppendTag(b, hdrReplTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ReplicationTimestamp))
	}
	if h.ReplicationSequence != 0 {
		b = protowire.AppendTag(b, hdrReplSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(h.ReplicationSequence))
	}
	if h.ReplicationBaseURL != "" {
		b = protowire.AppendTag(b, hdrReplBaseURL, protowire.BytesType)
		b = protowire.AppendString(b, h.ReplicationBaseURL)
	}
	return b
}

// walkFields visits every field of a message. Varint and fixed values are
// passed in v, length delimited ones in data.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v    uint64
			data []byte
			m    int
		)
		switch typ {
		case protowire.VarintType:
			v, m = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			data, m = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			var x uint32
			x, m = protowire.ConsumeFixed32(b)
			v = uint64(x)
		case protowire.Fixed64Type:
			v, m = protowire.ConsumeFixed64(b)
		default:
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedBlock, num, protowire.ParseError(m))
		}
		b = b[m:]
		if err := fn(num, typ, v, data); err != nil {
			return err
		}
	}
	return nil
}
