package backfill

import (
	"context"
	"fmt"
	"io"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.sia.tech/carpark/carkey"
	"go.sia.tech/carpark/store"
	"go.uber.org/zap"
)

const archiveSuffix = ".car"

type (
	// ListingOptions configures a Listing.
	ListingOptions struct {
		Prefix   string
		PageSize int
		// Cursor is the position to start listing from.
		Cursor Cursor
		// DedupeCacheSize is the number of destination keys remembered
		// across pages. If zero, duplicates are only removed within a page.
		DedupeCacheSize int
		// OnPage, if set, is called with the cursor of every page before
		// its references are returned.
		OnPage func(Cursor)
	}

	// A Listing is a Source that pages through an origin bucket. The ordinal
	// of a reference is its position in the raw listing, so ordinals are
	// stable regardless of which keys are filtered out.
	Listing struct {
		name   string
		bucket store.Bucket
		opts   ListingOptions
		log    *zap.Logger

		seen *lru.Cache[string, struct{}]

		buf   []ObjectRef
		token string
		next  uint64
		done  bool
	}
)

// Name implements Source.
func (l *Listing) Name() string { return l.name }

// refs converts a page of listed objects into references. Keys without the
// archive suffix or that cannot be canonicalized are dropped, as are keys
// whose destination was already produced by an earlier key.
func (l *Listing) refs(objects []store.ObjectInfo, start uint64) []ObjectRef {
	seen := make(map[string]struct{}, len(objects))
	refs := make([]ObjectRef, 0, len(objects))
	for i, obj := range objects {
		if !strings.HasSuffix(obj.Key, archiveSuffix) {
			continue
		}
		dest, err := carkey.DestinationKey(obj.Key)
		if err != nil {
			l.log.Debug("skipping key", zap.String("key", obj.Key), zap.Error(err))
			continue
		}

		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		if l.seen != nil {
			if ok, _ := l.seen.ContainsOrAdd(dest, struct{}{}); ok {
				continue
			}
		}

		refs = append(refs, ObjectRef{
			OriginKey:      obj.Key,
			DestinationKey: dest,
			Size:           uint64(obj.Size),
			Source:         l.name,
			Ordinal:        start + uint64(i),
		})
	}
	return refs
}

func (l *Listing) fetch(ctx context.Context) error {
	cursor := Cursor{Token: l.token, Start: l.next}
	page, err := l.bucket.List(ctx, l.opts.Prefix, l.opts.PageSize, cursor.Token)
	if err != nil {
		return fmt.Errorf("failed to list %q: %w", l.opts.Prefix, err)
	}

	l.log.Debug("listed page", zap.String("token", cursor.Token), zap.Uint64("start", cursor.Start), zap.Int("objects", len(page.Objects)))
	if l.opts.OnPage != nil {
		l.opts.OnPage(cursor)
	}
	l.buf = l.refs(page.Objects, cursor.Start)
	l.next += uint64(len(page.Objects))
	l.token = page.NextToken
	l.done = page.NextToken == ""
	return nil
}

// Next implements Source. Pages are fetched one at a time as the previous
// page is consumed.
func (l *Listing) Next(ctx context.Context) (ObjectRef, error) {
	for len(l.buf) == 0 {
		if l.done {
			return ObjectRef{}, io.EOF
		} else if err := l.fetch(ctx); err != nil {
			return ObjectRef{}, err
		}
	}
	ref := l.buf[0]
	l.buf = l.buf[1:]
	return ref, nil
}

// NewListing returns a Source listing bucket from opts.Cursor.
func NewListing(name string, bucket store.Bucket, opts ListingOptions, log *zap.Logger) (*Listing, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	l := &Listing{
		name:   name,
		bucket: bucket,
		opts:   opts,
		log:    log,

		token: opts.Cursor.Token,
		next:  opts.Cursor.Start,
	}
	if opts.DedupeCacheSize > 0 {
		cache, err := lru.New[string, struct{}](opts.DedupeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
		}
		l.seen = cache
	}
	return l, nil
}
