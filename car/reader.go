// Package car reads and writes content-addressed archives. Archives are read
// strictly forward, one section at a time, without buffering block data.
package car

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

const (
	// MaxSectionSize is the largest section the reader will accept.
	MaxSectionSize = 32 << 20
	// MaxHeaderSize is the largest header the reader will accept.
	MaxHeaderSize = 32 << 20

	cidLinkTag = 42

	v2HeaderSize = 40
)

// ErrMalformed is returned when an archive cannot be decoded.
var ErrMalformed = errors.New("malformed archive")

// v2Pragma is the fixed prefix of every CARv2 file, a CARv1 style header
// containing only {version: 2}.
var v2Pragma = []byte{0x0a, 0xa1, 0x67, 0x76, 0x65, 0x72, 0x73, 0x69, 0x6f, 0x6e, 0x02}

type (
	header struct {
		Roots   []cbor.Tag `cbor:"roots"`
		Version uint64     `cbor:"version"`
	}

	// A Section is a single block record. Offset is the position of the
	// section's length prefix relative to the start of the CARv1 payload and
	// Length is the size of the block data.
	Section struct {
		Cid    cid.Cid
		Offset uint64
		Length uint64
	}

	// A Reader decodes the sections of an archive.
	Reader struct {
		br     *bufio.Reader
		offset uint64
		err    error

		// Version is the version of the outer container, 1 or 2.
		Version uint64
		// Roots are the root CIDs declared by the CARv1 header.
		Roots []cid.Cid
	}
)

func malformed(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrMalformed, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrMalformed, msg, err)
}

func readHeader(br *bufio.Reader) ([]byte, int, error) {
	n, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, 0, malformed("failed to read header length", err)
	} else if n == 0 || n > MaxHeaderSize {
		return nil, 0, malformed(fmt.Sprintf("invalid header length %d", n), nil)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, 0, malformed("failed to read header", err)
	}
	return buf, varint.UvarintSize(n) + len(buf), nil
}

func decodeRoots(tags []cbor.Tag) ([]cid.Cid, error) {
	roots := make([]cid.Cid, 0, len(tags))
	for _, tag := range tags {
		if tag.Number != cidLinkTag {
			return nil, malformed(fmt.Sprintf("unexpected tag %d in roots", tag.Number), nil)
		}
		buf, ok := tag.Content.([]byte)
		if !ok || len(buf) < 2 || buf[0] != 0 {
			return nil, malformed("invalid root link", nil)
		}
		c, err := cid.Cast(buf[1:])
		if err != nil {
			return nil, malformed("invalid root cid", err)
		}
		roots = append(roots, c)
	}
	return roots, nil
}

// skipV2 consumes the fixed CARv2 header and any padding before the data
// payload, returning a reader limited to the payload.
func skipV2(r io.Reader) (io.Reader, error) {
	var buf [v2HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, malformed("failed to read v2 header", err)
	}
	dataOffset := binary.LittleEndian.Uint64(buf[16:24])
	dataSize := binary.LittleEndian.Uint64(buf[24:32])

	consumed := uint64(len(v2Pragma) + v2HeaderSize)
	if dataOffset < consumed {
		return nil, malformed(fmt.Sprintf("invalid data offset %d", dataOffset), nil)
	} else if _, err := io.CopyN(io.Discard, r, int64(dataOffset-consumed)); err != nil {
		return nil, malformed("failed to skip to data payload", err)
	}
	return io.LimitReader(r, int64(dataSize)), nil
}

// NewReader reads the archive header from r. Both CARv1 and CARv2 archives
// are supported; CARv2 archives are read up to the end of their inner CARv1
// payload and any trailing index is ignored.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	buf, n, err := readHeader(br)
	if err != nil {
		return nil, err
	}

	version := uint64(1)
	if bytes.Equal(buf, v2Pragma[1:]) {
		version = 2
		payload, err := skipV2(br)
		if err != nil {
			return nil, err
		}
		br = bufio.NewReader(payload)
		if buf, n, err = readHeader(br); err != nil {
			return nil, err
		}
	}

	var h header
	if err := cbor.Unmarshal(buf, &h); err != nil {
		return nil, malformed("failed to decode header", err)
	} else if h.Version != 1 {
		return nil, malformed(fmt.Sprintf("unsupported version %d", h.Version), nil)
	}
	roots, err := decodeRoots(h.Roots)
	if err != nil {
		return nil, err
	}

	return &Reader{
		br:      br,
		offset:  uint64(n),
		Version: version,
		Roots:   roots,
	}, nil
}

// Next returns the next section in the archive. The block data is skipped.
// Next returns io.EOF once the archive ends on a section boundary; any other
// error wraps ErrMalformed. Once Next returns an error, all subsequent calls
// return the same error.
func (r *Reader) Next() (Section, error) {
	if r.err != nil {
		return Section{}, r.err
	}
	s, err := r.next()
	if err != nil {
		r.err = err
	}
	return s, err
}

func (r *Reader) next() (Section, error) {
	start := r.offset
	n, err := varint.ReadUvarint(r.br)
	if errors.Is(err, io.EOF) {
		return Section{}, io.EOF
	} else if err != nil {
		return Section{}, malformed(fmt.Sprintf("failed to read section length at offset %d", start), err)
	} else if n == 0 || n > MaxSectionSize {
		return Section{}, malformed(fmt.Sprintf("invalid section length %d at offset %d", n, start), nil)
	}

	read, c, err := cid.CidFromReader(io.LimitReader(r.br, int64(n)))
	if err != nil {
		return Section{}, malformed(fmt.Sprintf("failed to read cid at offset %d", start), err)
	} else if uint64(read) > n {
		return Section{}, malformed(fmt.Sprintf("cid overruns section at offset %d", start), nil)
	}

	length := n - uint64(read)
	if _, err := io.CopyN(io.Discard, r.br, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Section{}, malformed(fmt.Sprintf("failed to read block %s at offset %d", c, start), err)
	}

	r.offset += uint64(varint.UvarintSize(n)) + n
	return Section{
		Cid:    c,
		Offset: start,
		Length: length,
	}, nil
}
