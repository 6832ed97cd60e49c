package backfill

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.sia.tech/carpark/carindex"
	"go.sia.tech/carpark/carkey"
	"go.sia.tech/carpark/store"
	"go.uber.org/zap"
)

// CopyAndIndex migrates a single reference. The archive is fetched from the
// origin and written to the destination, its side index and, if the root
// CID can be recovered from the origin key, a root mapping marker. The
// three writes run concurrently and the outcome is only SUCCESS if all of
// them succeed.
func CopyAndIndex(ctx context.Context, buckets Buckets, ref ObjectRef, log *zap.Logger) Outcome {
	start := time.Now()
	log = log.Named("copy").With(zap.String("key", ref.OriginKey), zap.String("destination", ref.DestinationKey))

	fail := func(err error) Outcome {
		return Outcome{Ref: ref, Status: StatusFail, Err: err, Duration: time.Since(start)}
	}

	obj, ok, err := buckets.Origin.Get(ctx, ref.OriginKey)
	if err != nil {
		return fail(fmt.Errorf("failed to get archive: %w", err))
	} else if !ok {
		return fail(fmt.Errorf("failed to get archive %q: %w", ref.OriginKey, ErrNotFound))
	}
	size := uint64(len(obj.Data))
	if ref.Size != 0 && ref.Size != size {
		log.Warn("archive size differs from listing", zap.Uint64("listed", ref.Size), zap.Uint64("fetched", size))
	}

	sum := md5.Sum(obj.Data)
	putOpts := store.PutOptions{
		ContentMD5:    base64.StdEncoding.EncodeToString(sum[:]),
		ContentLength: int64(size),
	}

	root, err := carkey.RootCID(ref.OriginKey)
	if err != nil {
		log.Debug("no root mapping", zap.Error(err))
	}

	errCh := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()

		if err := buckets.Destination.Put(ctx, ref.DestinationKey, obj.Data, putOpts); err != nil {
			errCh <- fmt.Errorf("failed to put archive: %w", err)
		}
	}()

	go func() {
		defer wg.Done()

		idx, err := carindex.Build(ctx, bytes.NewReader(obj.Data))
		if err != nil {
			errCh <- fmt.Errorf("failed to index archive: %w", err)
			return
		}
		idxKey := carkey.SideIndexKey(ref.DestinationKey)
		if err := buckets.SideIndex.Put(ctx, idxKey, idx, store.PutOptions{ContentLength: int64(len(idx))}); err != nil {
			errCh <- fmt.Errorf("failed to put side index: %w", err)
		}
	}()

	if root.Defined() {
		wg.Add(1)
		go func() {
			defer wg.Done()

			key := carkey.RootMappingKey(root, ref.DestinationKey)
			if err := buckets.RootIndex.Put(ctx, key, nil, store.PutOptions{}); err != nil {
				errCh <- fmt.Errorf("failed to put root mapping: %w", err)
			}
		}()
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fail(err)
	}

	log.Debug("migrated archive", zap.Uint64("size", size), zap.Duration("elapsed", time.Since(start)))
	return Outcome{
		Ref:      ref,
		Status:   StatusSuccess,
		Bytes:    size,
		Duration: time.Since(start),
	}
}
