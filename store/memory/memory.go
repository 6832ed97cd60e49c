// Package memory implements an in-memory object store. It is used for local
// runs and tests.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.sia.tech/carpark/store"
)

// Operations counted by a Bucket.
const (
	OpHas  = "has"
	OpGet  = "get"
	OpPut  = "put"
	OpList = "list"
)

type object struct {
	data []byte
	etag string
}

// A Bucket is a thread-safe in-memory store.Bucket. Listing tokens are the
// last key of the previous page.
type Bucket struct {
	mu      sync.Mutex
	objects map[string]object
	calls   map[string]int
	fault   func(op, key string) error
}

var _ store.Bucket = (*Bucket)(nil)

func (b *Bucket) record(op, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	if b.fault != nil {
		return b.fault(op, key)
	}
	return nil
}

// SetFault installs a function that is called before every operation. A
// non-nil error fails the operation.
func (b *Bucket) SetFault(fn func(op, key string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

// Calls returns the number of times op has been called.
func (b *Bucket) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// TotalCalls returns the number of operations performed on the bucket.
func (b *Bucket) TotalCalls() (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		n += c
	}
	return
}

// Keys returns the sorted keys of all objects in the bucket.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Seed adds an object without counting it as an operation.
func (b *Bucket) Seed(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sum := md5.Sum(data)
	b.objects[key] = object{data: append([]byte(nil), data...), etag: hex.EncodeToString(sum[:])}
}

// Has implements store.Bucket.
func (b *Bucket) Has(_ context.Context, key string) (bool, error) {
	if err := b.record(OpHas, key); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

// Get implements store.Bucket.
func (b *Bucket) Get(_ context.Context, key string) (store.Object, bool, error) {
	if err := b.record(OpGet, key); err != nil {
		return store.Object{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[key]
	if !ok {
		return store.Object{}, false, nil
	}
	return store.Object{
		Data:          append([]byte(nil), obj.data...),
		ETag:          obj.etag,
		ContentLength: int64(len(obj.data)),
	}, true, nil
}

// Put implements store.Bucket. Like S3, a mismatched Content-MD5 rejects the
// write.
func (b *Bucket) Put(_ context.Context, key string, data []byte, opts store.PutOptions) error {
	if err := b.record(OpPut, key); err != nil {
		return err
	}

	sum := md5.Sum(data)
	if opts.ContentMD5 != "" && opts.ContentMD5 != base64.StdEncoding.EncodeToString(sum[:]) {
		return fmt.Errorf("content md5 mismatch for %q", key)
	} else if opts.ContentLength != int64(len(data)) {
		return fmt.Errorf("content length mismatch for %q: expected %d, got %d", key, opts.ContentLength, len(data))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = object{data: append([]byte(nil), data...), etag: hex.EncodeToString(sum[:])}
	return nil
}

// List implements store.Bucket.
func (b *Bucket) List(_ context.Context, prefix string, maxKeys int, token string) (store.Page, error) {
	if err := b.record(OpList, prefix); err != nil {
		return store.Page{}, err
	} else if maxKeys <= 0 {
		maxKeys = 1000
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var page store.Page
	for i, k := range keys {
		if i == maxKeys {
			page.NextToken = keys[i-1]
			break
		}
		obj := b.objects[k]
		page.Objects = append(page.Objects, store.ObjectInfo{
			Key:  k,
			ETag: obj.etag,
			Size: int64(len(obj.data)),
		})
	}
	return page, nil
}

// New returns an empty bucket.
func New() *Bucket {
	return &Bucket{
		objects: make(map[string]object),
		calls:   make(map[string]int),
	}
}
