// Package carindex builds sorted multihash side indexes for archives.
package carindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-car/v2/index"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/carpark/car"
)

// handoffSize is the capacity of the channel between the decoder and the
// accumulator.
const handoffSize = 64

// Codec is the multicodec of serialized indexes.
const Codec = multicodec.CarMultihashIndexSorted

// ErrDecodeFailure is returned when an archive cannot be indexed.
var ErrDecodeFailure = errors.New("failed to decode archive")

// An Entry locates a block within an archive. Offset is the position of the
// block's section relative to the start of the CARv1 payload and Length is
// the size of the block data.
type Entry struct {
	Multihash multihash.Multihash
	Offset    uint64
	Length    uint64
}

// decode reads sections from r and sends an entry for each one. The entries
// channel is always closed exactly once and the terminal error, nil on a
// clean end of archive, is always sent on done.
func decode(ctx context.Context, r io.Reader, entries chan<- Entry, done chan<- error) {
	var err error
	defer func() {
		close(entries)
		done <- err
	}()

	var cr *car.Reader
	cr, err = car.NewReader(r)
	if err != nil {
		return
	}

	for {
		var s car.Section
		s, err = cr.Next()
		if errors.Is(err, io.EOF) {
			err = nil
			return
		} else if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case entries <- Entry{Multihash: s.Cid.Hash(), Offset: s.Offset, Length: s.Length}:
		}
	}
}

// Entries decodes r and returns an entry for every block it contains, sorted
// by multihash. Decoding runs concurrently with accumulation; r is read
// incrementally and block data is never buffered.
func Entries(ctx context.Context, r io.Reader) ([]Entry, error) {
	ch := make(chan Entry, handoffSize)
	done := make(chan error, 1)
	go decode(ctx, r, ch, done)

	var entries []Entry
	for e := range ch {
		entries = append(entries, e)
	}

	// the channel closing only means the decoder stopped, not that it
	// reached the end of the archive
	if err := <-done; errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Multihash, entries[j].Multihash) < 0
	})
	return entries, nil
}

// Encode serializes entries as a sorted multihash index.
func Encode(entries []Entry) ([]byte, error) {
	records := make([]index.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, index.Record{
			Cid:    cid.NewCidV1(cid.Raw, e.Multihash),
			Offset: e.Offset,
		})
	}

	idx := index.NewMultihashSorted()
	if err := idx.Load(records); err != nil {
		return nil, fmt.Errorf("failed to load index records: %w", err)
	}

	var buf bytes.Buffer
	if _, err := index.WriteTo(idx, &buf); err != nil {
		return nil, fmt.Errorf("failed to serialize index: %w", err)
	}
	return buf.Bytes(), nil
}

// Build decodes the archive read from r and returns its serialized side
// index. On error no partial index is returned.
func Build(ctx context.Context, r io.Reader) ([]byte, error) {
	entries, err := Entries(ctx, r)
	if err != nil {
		return nil, err
	}
	return Encode(entries)
}

// Decode parses a serialized side index, returning its entries sorted by
// multihash. Lengths are not stored in the index and are left zero.
func Decode(buf []byte) ([]Entry, error) {
	idx, err := index.ReadFrom(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	} else if idx.Codec() != Codec {
		return nil, fmt.Errorf("unexpected index codec %v", idx.Codec())
	}

	it, ok := idx.(index.IterableIndex)
	if !ok {
		return nil, fmt.Errorf("index %v is not iterable", idx.Codec())
	}
	var entries []Entry
	err = it.ForEach(func(mh multihash.Multihash, offset uint64) error {
		entries = append(entries, Entry{Multihash: append(multihash.Multihash(nil), mh...), Offset: offset})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate index: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Multihash, entries[j].Multihash) < 0
	})
	return entries, nil
}
