package pbf

import (
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Source yields the framed blocks of one container file. A Source keeps its
// own cursor and must not be shared between goroutines; callers that fan
// out hand the RawBlocks on, not the Source.
type Source interface {
	// Next reads the block at the cursor and advances it. It returns io.EOF
	// at the end of the file.
	Next() (*RawBlock, error)
	// ReadAt reads the block at pos without moving the cursor
	ReadAt(pos int64) (*RawBlock, error)
	// Seek moves the cursor
	Seek(pos int64)
	Position() int64
	Size() int64
	Close() error
}

// FileSource reads blocks through an exclusively owned file handle
type FileSource struct {
	f    *os.File
	pos  int64
	size int64
}

// OpenFile opens a container file for block reads
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &FileSource{f: f, size: info.Size()}, nil
}

func (s *FileSource) Next() (*RawBlock, error) {
	rb, err := ReadBlockAt(s.f, s.pos)
	if err != nil {
		return nil, err
	}
	s.pos = rb.End()
	return rb, nil
}

func (s *FileSource) ReadAt(pos int64) (*RawBlock, error) {
	return ReadBlockAt(s.f, pos)
}

func (s *FileSource) Seek(pos int64)  { s.pos = pos }
func (s *FileSource) Position() int64 { return s.pos }
func (s *FileSource) Size() int64     { return s.size }
func (s *FileSource) Close() error    { return s.f.Close() }

// MmapSource maps the whole file read-only. Blocks returned share the
// mapping, so their Data must not be used after Close.
type MmapSource struct {
	f   *os.File
	m   mmap.MMap
	pos int64
}

// OpenMmap maps a container file
func OpenMmap(path string) (*MmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		// zero length files cannot be mapped
		return &MmapSource{f: f}, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	return &MmapSource{f: f, m: m}, nil
}

func (s *MmapSource) Next() (*RawBlock, error) {
	rb, err := ParseBlockAt(s.m, s.pos)
	if err != nil {
		return nil, err
	}
	s.pos = rb.End()
	return rb, nil
}

func (s *MmapSource) ReadAt(pos int64) (*RawBlock, error) {
	return ParseBlockAt(s.m, pos)
}

func (s *MmapSource) Seek(pos int64)  { s.pos = pos }
func (s *MmapSource) Position() int64 { return s.pos }
func (s *MmapSource) Size() int64     { return int64(len(s.m)) }

func (s *MmapSource) Close() error {
	var err error
	if s.m != nil {
		err = s.m.Unmap()
		s.m = nil
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open opens path with a FileSource, or an MmapSource when useMmap is set
func Open(path string, useMmap bool) (Source, error) {
	if useMmap {
		return OpenMmap(path)
	}
	return OpenFile(path)
}

// Extent is the location of one block without its payload
type Extent struct {
	Pos  int64
	Len  int64
	Type string
}

// Scan walks every block from the start of src, checking that the blocks
// tile the file contiguously, and calls fn for each. fn may be nil.
func Scan(src Source, fn func(*RawBlock) error) ([]Extent, error) {
	src.Seek(0)
	var extents []Extent
	var expect int64
	for {
		rb, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extents, err
		}
		if rb.Pos != expect {
			return extents, fmt.Errorf("%w: block at %d, expected %d", ErrMalformedBlock, rb.Pos, expect)
		}
		expect = rb.End()
		extents = append(extents, Extent{Pos: rb.Pos, Len: rb.Len, Type: rb.Type})
		if fn != nil {
			if err := fn(rb); err != nil {
				return extents, err
			}
		}
	}
	if expect != src.Size() {
		return extents, fmt.Errorf("%w: blocks end at %d, file size %d", ErrMalformedBlock, expect, src.Size())
	}
	return extents, nil
}
