// Package s3 implements store.Bucket for S3 compatible object stores.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.sia.tech/carpark/config"
	"go.sia.tech/carpark/store"
	"go.uber.org/zap"
)

// A Bucket is a single bucket on an S3 compatible object store.
type Bucket struct {
	core   *minio.Core
	bucket string
	log    *zap.Logger
}

var _ store.Bucket = (*Bucket)(nil)

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Has implements store.Bucket.
func (b *Bucket) Has(ctx context.Context, key string) (bool, error) {
	_, err := b.core.Client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if isNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to stat object: %w", err)
	}
	return true, nil
}

// Get implements store.Bucket.
func (b *Bucket) Get(ctx context.Context, key string) (store.Object, bool, error) {
	rc, info, _, err := b.core.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if isNotFound(err) {
		return store.Object{}, false, nil
	} else if err != nil {
		return store.Object{}, false, fmt.Errorf("failed to get object: %w", err)
	}
	defer rc.Close()

	// size is -1 if the endpoint omitted Content-Length
	buf := bytes.NewBuffer(make([]byte, 0, max(info.Size, 0)))
	if _, err := io.Copy(buf, rc); err != nil {
		return store.Object{}, false, fmt.Errorf("failed to read object: %w", err)
	} else if info.Size >= 0 && int64(buf.Len()) != info.Size {
		return store.Object{}, false, fmt.Errorf("short read: expected %d bytes, got %d", info.Size, buf.Len())
	}
	return store.Object{
		Data:          buf.Bytes(),
		ETag:          info.ETag,
		ContentLength: int64(buf.Len()),
	}, true, nil
}

// Put implements store.Bucket.
func (b *Bucket) Put(ctx context.Context, key string, data []byte, opts store.PutOptions) error {
	if opts.ContentLength != int64(len(data)) {
		return fmt.Errorf("content length mismatch: expected %d, got %d", opts.ContentLength, len(data))
	}
	_, err := b.core.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), opts.ContentMD5, "", minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// List implements store.Bucket.
func (b *Bucket) List(ctx context.Context, prefix string, maxKeys int, token string) (store.Page, error) {
	type listResult struct {
		res minio.ListBucketV2Result
		err error
	}

	// the core listing call does not take a context
	ch := make(chan listResult, 1)
	go func() {
		res, err := b.core.ListObjectsV2(b.bucket, prefix, "", token, "", maxKeys)
		ch <- listResult{res, err}
	}()

	var lr listResult
	select {
	case <-ctx.Done():
		return store.Page{}, ctx.Err()
	case lr = <-ch:
	}
	if lr.err != nil {
		return store.Page{}, fmt.Errorf("failed to list objects: %w", lr.err)
	}

	page := store.Page{
		Objects: make([]store.ObjectInfo, 0, len(lr.res.Contents)),
	}
	if lr.res.IsTruncated {
		page.NextToken = lr.res.NextContinuationToken
	}
	for _, obj := range lr.res.Contents {
		page.Objects = append(page.Objects, store.ObjectInfo{
			Key:  obj.Key,
			ETag: obj.ETag,
			Size: obj.Size,
		})
	}
	return page, nil
}

func newBucket(cfg config.Bucket, opts *minio.Options, log *zap.Logger) (*Bucket, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("missing endpoint")
	} else if cfg.Name == "" {
		return nil, errors.New("missing bucket name")
	}

	core, err := minio.NewCore(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	log.Debug("connected to bucket", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Name))
	return &Bucket{
		core:   core,
		bucket: cfg.Name,
		log:    log,
	}, nil
}

// New connects to the bucket described by cfg.
func New(cfg config.Bucket, log *zap.Logger) (*Bucket, error) {
	return newBucket(cfg, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	}, log)
}
