package pbf

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Writer writes a tile-sorted container file. Data blocks are spooled to a
// temporary file so that the header, which carries the block index, can be
// written first on Close.
type Writer struct {
	out    io.Writer
	comp   Compression
	header *HeaderBlock
	spool  *os.File
	buf    *bufio.Writer
	closed bool
}

// NewWriter returns a writer using header as the template for the leading
// block. The header's Index is replaced on Close.
func NewWriter(out io.Writer, comp Compression, header *HeaderBlock) (*Writer, error) {
	if header == nil {
		header = DefaultHeader()
	}
	spool, err := os.CreateTemp("", "osmquadtree-*.blocks")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	h := *header
	h.Index = nil
	return &Writer{
		out:    out,
		comp:   comp,
		header: &h,
		spool:  spool,
		buf:    bufio.NewWriterSize(spool, 1<<20),
	}, nil
}

// WriteBlock encodes, compresses and spools one data block
func (w *Writer) WriteBlock(blk *elements.Block, isChange bool) error {
	framed, err := PackBlock(DataType, EncodeBlock(blk, isChange), w.comp)
	if err != nil {
		return fmt.Errorf("block %d: %w", blk.Index, err)
	}
	return w.WriteRaw(framed, blk.Quadtree, isChange)
}

// WriteRaw spools an already framed block unchanged
func (w *Writer) WriteRaw(framed []byte, qt quadtree.Quadtree, isChange bool) error {
	if _, err := w.buf.Write(framed); err != nil {
		return fmt.Errorf("failed to spool block: %w", err)
	}
	w.header.Index = append(w.header.Index, IndexEntry{Quadtree: qt, IsChange: isChange, Len: int64(len(framed))})
	return nil
}

// Header returns the header as it will be written
func (w *Writer) Header() *HeaderBlock { return w.header }

// Abort discards the spooled blocks without writing anything
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.spool.Close()
	os.Remove(w.spool.Name())
}

// Close writes the header followed by every spooled block and removes the
// spool file. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		w.spool.Close()
		os.Remove(w.spool.Name())
	}()

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool: %w", err)
	}
	hdr, err := PackBlock(HeaderType, EncodeHeader(w.header), w.comp)
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if _, err := w.out.Write(hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(w.out, w.spool); err != nil {
		return fmt.Errorf("failed to copy blocks: %w", err)
	}
	w.header.setPositions(int64(len(hdr)))
	return nil
}

// WriteFile writes blocks to path as a complete container file
func WriteFile(path string, comp Compression, header *HeaderBlock, blocks []*elements.Block, isChange bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(f)
	w, err := NewWriter(bw, comp, header)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := w.WriteBlock(b, isChange); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return bw.Flush()
}
