package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.sia.tech/carpark/carkey"
	"go.uber.org/zap"
)

// fetchAttempts is the number of times a remote list is requested before
// giving up.
const fetchAttempts = 10

// A ListFile is a Source reading newline delimited JSON references, one
// {"in", "out", "size"} object per line. The ordinal of a reference is its
// line number, starting at zero.
type ListFile struct {
	name string
	f    *os.File
	temp bool
	dec  *json.Decoder
	log  *zap.Logger

	next uint64
}

// Name implements Source.
func (lf *ListFile) Name() string { return lf.name }

// Next implements Source. Lines without a destination key are
// canonicalized from their origin key; lines that cannot be are skipped.
func (lf *ListFile) Next(context.Context) (ObjectRef, error) {
	for {
		var ref ObjectRef
		if err := lf.dec.Decode(&ref); errors.Is(err, io.EOF) {
			return ObjectRef{}, io.EOF
		} else if err != nil {
			return ObjectRef{}, fmt.Errorf("failed to decode entry %d: %w", lf.next, err)
		}
		ref.Source, ref.Ordinal = lf.name, lf.next
		lf.next++

		if ref.DestinationKey != "" {
			return ref, nil
		}
		dest, err := carkey.DestinationKey(ref.OriginKey)
		if err != nil {
			lf.log.Debug("skipping entry", zap.Uint64("ordinal", ref.Ordinal), zap.String("key", ref.OriginKey), zap.Error(err))
			continue
		}
		ref.DestinationKey = dest
		return ref, nil
	}
}

// Close closes the list, removing it if it was downloaded.
func (lf *ListFile) Close() error {
	err := lf.f.Close()
	if lf.temp {
		os.Remove(lf.f.Name())
	}
	return err
}

func download(ctx context.Context, url string, log *zap.Logger) (*os.File, error) {
	f, err := os.CreateTemp("", "carpark-list-*.ndjson")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	attempt := func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		} else if err := f.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}
		_, err = io.Copy(f, resp.Body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 0
	err = backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, fetchAttempts-1), ctx), func(err error, d time.Duration) {
		log.Warn("failed to fetch list", zap.String("url", url), zap.Duration("retry", d), zap.Error(err))
	})
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to fetch %q: %w", url, err)
	}
	return f, nil
}

// OpenListFile opens a list from a local path or an http(s) URL. Remote
// lists are downloaded to a temporary file first. The source is named after
// the list's base name so checkpoints survive moving the list.
func OpenListFile(ctx context.Context, location string, log *zap.Logger) (*ListFile, error) {
	lf := &ListFile{
		name: path.Base(location),
		log:  log,
	}

	var err error
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		lf.f, err = download(ctx, location, log)
		lf.temp = true
	} else {
		lf.f, err = os.Open(location)
	}
	if err != nil {
		return nil, err
	}
	lf.dec = json.NewDecoder(lf.f)
	return lf, nil
}

// WriteList drains src, writing each reference to w as a line of JSON.
func WriteList(ctx context.Context, src Source, w io.Writer) (n int, err error) {
	enc := json.NewEncoder(w)
	for {
		ref, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, err
		} else if err := enc.Encode(ref); err != nil {
			return n, fmt.Errorf("failed to write entry: %w", err)
		}
		n++
	}
}
