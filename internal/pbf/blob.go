package pbf

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Block type tags
const (
	HeaderType = "OSMHeader"
	DataType   = "OSMData"
)

const (
	maxHeaderSize = 64 * 1024
	maxBlobSize   = 32 * 1024 * 1024
)

// Blob field numbers
const (
	blobRaw     = 1
	blobRawSize = 2
	blobZlib    = 3
	blobLzma    = 4
	blobLz4     = 6
	blobZstd    = 7
	blobBrotli  = 8
)

// RawBlock is one framed block as stored in a file. Data holds the Blob
// message exactly as read; it is never modified.
type RawBlock struct {
	Pos  int64  // offset of the length prefix
	Len  int64  // total framed length
	Type string // HeaderType or DataType
	Data []byte
}

// End returns the offset just past the block
func (rb *RawBlock) End() int64 { return rb.Pos + rb.Len }

// Compression reports the codec the blob was stored with
func (rb *RawBlock) Compression() (CompressionType, error) {
	t, _, _, err := parseBlob(rb.Data)
	return t, err
}

// Decompress returns the uncompressed block payload. The raw Data is left
// untouched.
func (rb *RawBlock) Decompress() ([]byte, error) {
	t, payload, rawSize, err := parseBlob(rb.Data)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", rb.Pos, err)
	}
	out, err := Decompress(t, payload, rawSize)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", rb.Pos, err)
	}
	return out, nil
}

// RawSize returns the uncompressed payload size recorded in the blob
func (rb *RawBlock) RawSize() (int, error) {
	_, payload, rawSize, err := parseBlob(rb.Data)
	if rawSize == 0 {
		rawSize = len(payload)
	}
	return rawSize, err
}

func parseBlob(b []byte) (CompressionType, []byte, int, error) {
	var (
		ct      = CompressionType(255)
		payload []byte
		rawSize int
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ct, nil, 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == blobRawSize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return ct, nil, 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			rawSize = int(v)
			b = b[m:]
		case typ == protowire.BytesType && isPayloadField(num):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return ct, nil, 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			ct, payload = payloadCompression(num), v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ct, nil, 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if ct == 255 {
		return ct, nil, 0, fmt.Errorf("%w: blob has no supported payload", ErrUnsupportedCompression)
	}
	return ct, payload, rawSize, nil
}

func isPayloadField(num protowire.Number) bool {
	switch num {
	case blobRaw, blobZlib, blobLzma, blobLz4, blobZstd, blobBrotli:
		return true
	}
	return false
}

func payloadCompression(num protowire.Number) CompressionType {
	switch num {
	case blobZlib:
		return Zlib
	case blobLzma:
		return Lzma
	case blobLz4:
		return Lz4
	case blobZstd:
		return Zstd
	case blobBrotli:
		return Brotli
	}
	return None
}

func payloadField(t CompressionType) protowire.Number {
	switch t {
	case Zlib:
		return blobZlib
	case Lzma:
		return blobLzma
	case Lz4:
		return blobLz4
	case Zstd:
		return blobZstd
	case Brotli:
		return blobBrotli
	}
	return blobRaw
}

// EncodeBlob compresses raw into a Blob message. Data that does not
// compress is stored raw.
func EncodeBlob(raw []byte, c Compression) ([]byte, error) {
	packed, err := c.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.Type, err)
	}
	var b []byte
	if packed == nil {
		b = protowire.AppendTag(b, blobRaw, protowire.BytesType)
		return protowire.AppendBytes(b, raw), nil
	}
	b = protowire.AppendTag(b, blobRawSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(raw)))
	b = protowire.AppendTag(b, payloadField(c.Type), protowire.BytesType)
	return protowire.AppendBytes(b, packed), nil
}

// FrameBlock prefixes a blob with its BlobHeader and length
func FrameBlock(typ string, blob []byte) []byte {
	var hdr []byte
	hdr = protowire.AppendTag(hdr, 1, protowire.BytesType)
	hdr = protowire.AppendString(hdr, typ)
	hdr = protowire.AppendTag(hdr, 3, protowire.VarintType)
	hdr = protowire.AppendVarint(hdr, uint64(len(blob)))

	out := make([]byte, 4, 4+len(hdr)+len(blob))
	binary.BigEndian.PutUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	return append(out, blob...)
}

// PackBlock compresses and frames a raw payload in one step
func PackBlock(typ string, raw []byte, c Compression) ([]byte, error) {
	blob, err := EncodeBlob(raw, c)
	if err != nil {
		return nil, err
	}
	return FrameBlock(typ, blob), nil
}

func parseBlobHeader(b []byte) (string, int, error) {
	var typ string
	size := -1
	for len(b) > 0 {
		num, wt, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && wt == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			typ = string(v)
			b = b[m:]
		case num == 3 && wt == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			size = int(v)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, wt, b)
			if m < 0 {
				return "", 0, fmt.Errorf("%w: %v", ErrMalformedBlock, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if size < 0 || size > maxBlobSize {
		return "", 0, fmt.Errorf("%w: bad blob size %d", ErrMalformedBlock, size)
	}
	return typ, size, nil
}

// ReadBlockAt reads the framed block starting at pos. It returns io.EOF
// when pos is exactly at the end of the input.
func ReadBlockAt(r io.ReaderAt, pos int64) (*RawBlock, error) {
	var lenBuf [4]byte
	n, err := r.ReadAt(lenBuf[:], pos)
	if n == 0 && err == io.EOF {
		return nil, io.EOF
	}
	if n < 4 {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("block at %d: %w", pos, err)
	}
	hlen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if hlen > maxHeaderSize {
		return nil, fmt.Errorf("%w: block at %d: header size %d", ErrMalformedBlock, pos, hlen)
	}
	hdr := make([]byte, hlen)
	if _, err := r.ReadAt(hdr, pos+4); err != nil {
		return nil, fmt.Errorf("block header at %d: %w", pos, unexpected(err))
	}
	typ, size, err := parseBlobHeader(hdr)
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", pos, err)
	}
	data := make([]byte, size)
	if _, err := r.ReadAt(data, pos+4+int64(hlen)); err != nil {
		return nil, fmt.Errorf("block data at %d: %w", pos, unexpected(err))
	}
	return &RawBlock{Pos: pos, Len: int64(4 + hlen + size), Type: typ, Data: data}, nil
}

// ParseBlockAt frames the block starting at pos within buf without copying.
func ParseBlockAt(buf []byte, pos int64) (*RawBlock, error) {
	if pos == int64(len(buf)) {
		return nil, io.EOF
	}
	if pos < 0 || pos+4 > int64(len(buf)) {
		return nil, fmt.Errorf("block at %d: %w", pos, io.ErrUnexpectedEOF)
	}
	hlen := int64(binary.BigEndian.Uint32(buf[pos:]))
	if hlen > maxHeaderSize || pos+4+hlen > int64(len(buf)) {
		return nil, fmt.Errorf("%w: block at %d: header size %d", ErrMalformedBlock, pos, hlen)
	}
	typ, size, err := parseBlobHeader(buf[pos+4 : pos+4+hlen])
	if err != nil {
		return nil, fmt.Errorf("block at %d: %w", pos, err)
	}
	start := pos + 4 + hlen
	end := start + int64(size)
	if end > int64(len(buf)) {
		return nil, fmt.Errorf("block data at %d: %w", pos, io.ErrUnexpectedEOF)
	}
	return &RawBlock{Pos: pos, Len: end - pos, Type: typ, Data: buf[start:end:end]}, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
