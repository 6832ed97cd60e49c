// Package store defines the object store gateway used to read archives from
// the origin and write archives, side indexes and root mappings to the
// destination.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a store operation still fails after its
// retries are exhausted.
var ErrUnavailable = errors.New("store unavailable")

type (
	// An Object is the content and metadata of a stored object.
	Object struct {
		Data          []byte
		ETag          string
		ContentLength int64
	}

	// PutOptions carries write-time integrity metadata. ContentMD5 is the
	// base64 encoded MD5 digest of the data and is optional. ContentLength
	// must match the length of the data.
	PutOptions struct {
		ContentMD5    string
		ContentLength int64
	}

	// ObjectInfo describes a listed object.
	ObjectInfo struct {
		Key  string
		ETag string
		Size int64
	}

	// A Page is a single page of listing results. NextToken is empty once
	// the listing is exhausted.
	Page struct {
		Objects   []ObjectInfo
		NextToken string
	}

	// A Bucket is an object store bucket. A missing object is reported by
	// Has and Get as a normal result, never as an error.
	Bucket interface {
		Has(ctx context.Context, key string) (bool, error)
		Get(ctx context.Context, key string) (Object, bool, error)
		Put(ctx context.Context, key string, data []byte, opts PutOptions) error
		List(ctx context.Context, prefix string, maxKeys int, token string) (Page, error)
	}
)
