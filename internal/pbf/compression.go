package pbf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz/lzma"
)

// CompressionType is the codec of a stored blob
type CompressionType uint8

const (
	None CompressionType = iota
	Zlib
	Brotli
	Lzma
	Lz4
	Zstd
)

var compressionNames = [...]string{"none", "zlib", "brotli", "lzma", "lz4", "zstd"}

func (c CompressionType) String() string {
	if int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("compression(%d)", int(c))
}

var (
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrMalformedBlock         = errors.New("malformed block")
)

// Compression is a codec plus its level. Level 0 selects the codec default.
type Compression struct {
	Type  CompressionType
	Level int
}

func (c Compression) String() string {
	if c.Level == 0 || c.Type == None || c.Type == Lz4 {
		return c.Type.String()
	}
	return fmt.Sprintf("%s:%d", c.Type, c.Level)
}

// ParseCompression parses "name" or "name:level", e.g. "zlib:6"
func ParseCompression(s string) (Compression, error) {
	name, lvl, hasLevel := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	var c Compression
	switch name {
	case "", "none", "raw":
		c.Type = None
	case "zlib":
		c.Type = Zlib
	case "brotli":
		c.Type = Brotli
	case "lzma":
		c.Type = Lzma
	case "lz4":
		c.Type = Lz4
	case "zstd":
		c.Type = Zstd
	default:
		return c, fmt.Errorf("%w: %q", ErrUnsupportedCompression, s)
	}
	if hasLevel {
		n, err := strconv.Atoi(lvl)
		if err != nil || n < 0 {
			return c, fmt.Errorf("invalid compression level %q", lvl)
		}
		c.Level = n
	}
	return c, nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil)
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Compress returns the compressed payload. A nil result with a nil error
// means the data did not compress and should be stored raw.
func (c Compression) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch c.Type {
	case None:
		return nil, nil

	case Zlib:
		level := c.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case Brotli:
		level := c.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case Lzma:
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case Lz4:
		out := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, out, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil // incompressible
		}
		return out[:n], nil

	case Zstd:
		if c.Level == 0 {
			enc, err := getZstdEncoder()
			if err != nil {
				return nil, err
			}
			defer zstdEncoderPool.Put(enc)
			return enc.EncodeAll(raw, nil), nil
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.Level)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c.Type)
}

// Decompress expands data stored with codec t. rawSize is the expected
// decompressed length.
func Decompress(t CompressionType, data []byte, rawSize int) ([]byte, error) {
	var r io.Reader
	switch t {
	case None:
		return data, nil

	case Zlib:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer zr.Close()
		r = zr

	case Brotli:
		r = brotli.NewReader(bytes.NewReader(data))

	case Lzma:
		lr, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create lzma reader: %w", err)
		}
		r = lr

	case Lz4:
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return checkSize(out[:n], rawSize)

	case Zstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return checkSize(out, rawSize)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, t)
	}

	out := make([]byte, 0, rawSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	return checkSize(buf.Bytes(), rawSize)
}

func checkSize(b []byte, rawSize int) ([]byte, error) {
	if rawSize > 0 && len(b) != rawSize {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", ErrMalformedBlock, len(b), rawSize)
	}
	return b, nil
}
