package car

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// A Writer writes a CARv1 archive.
type Writer struct {
	w io.Writer
}

// NewWriter writes a CARv1 header declaring roots to w.
func NewWriter(w io.Writer, roots []cid.Cid) (*Writer, error) {
	h := header{
		Roots:   make([]cbor.Tag, 0, len(roots)), // must encode as an empty array, not null
		Version: 1,
	}
	for _, root := range roots {
		h.Roots = append(h.Roots, cbor.Tag{
			Number:  cidLinkTag,
			Content: append([]byte{0}, root.Bytes()...),
		})
	}
	buf, err := cbor.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}

	if _, err := w.Write(varint.ToUvarint(uint64(len(buf)))); err != nil {
		return nil, fmt.Errorf("failed to write header length: %w", err)
	} else if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &Writer{w: w}, nil
}

// Put writes a block section.
func (w *Writer) Put(c cid.Cid, data []byte) error {
	cb := c.Bytes()
	n := uint64(len(cb) + len(data))
	if n > MaxSectionSize {
		return fmt.Errorf("section for %s exceeds maximum size: %d > %d", c, n, MaxSectionSize)
	}

	if _, err := w.w.Write(varint.ToUvarint(n)); err != nil {
		return fmt.Errorf("failed to write section length: %w", err)
	} else if _, err := w.w.Write(cb); err != nil {
		return fmt.Errorf("failed to write cid: %w", err)
	} else if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write block: %w", err)
	}
	return nil
}
