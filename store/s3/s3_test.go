package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.sia.tech/carpark/config"
	"go.sia.tech/carpark/store"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

const testBucket = "carpark"

type (
	listContents struct {
		Key          string
		LastModified string
		ETag         string
		Size         int64
		StorageClass string
	}

	listResult struct {
		XMLName               xml.Name `xml:"ListBucketResult"`
		Name                  string
		Prefix                string
		KeyCount              int
		MaxKeys               int
		IsTruncated           bool
		ContinuationToken     string `xml:",omitempty"`
		NextContinuationToken string `xml:",omitempty"`
		Contents              []listContents
	}

	// fakeS3 serves the subset of the S3 API used by Bucket.
	fakeS3 struct {
		mu      sync.Mutex
		objects map[string][]byte
		// omitLength streams GET responses without a Content-Length
		omitLength bool
	}
)

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, token := q.Get("prefix"), q.Get("continuation-token")
	maxKeys, err := strconv.Atoi(q.Get("max-keys"))
	if err != nil || maxKeys <= 0 {
		maxKeys = 1000
	}

	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > token {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := listResult{Name: testBucket, Prefix: prefix, MaxKeys: maxKeys, ContinuationToken: token}
	for i, k := range keys {
		if i == maxKeys {
			res.IsTruncated = true
			res.NextContinuationToken = keys[i-1]
			break
		}
		res.Contents = append(res.Contents, listContents{
			Key:          k,
			LastModified: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			ETag:         etag(f.objects[k]),
			Size:         int64(len(f.objects[k])),
			StorageClass: "STANDARD",
		})
	}
	res.KeyCount = len(res.Contents)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/xml")
	xml.NewEncoder(w).Encode(res)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != testBucket {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}

	switch {
	case key == "" && r.Method == http.MethodGet:
		f.list(w, r)
	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		sum := md5.Sum(data)
		if want := r.Header.Get("Content-Md5"); want != "" && want != base64.StdEncoding.EncodeToString(sum[:]) {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `<Error><Code>BadDigest</Code><Message>bad digest</Message></Error>`)
			return
		}
		f.mu.Lock()
		f.objects[key] = data
		f.mu.Unlock()
		w.Header().Set("ETag", etag(data))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		f.mu.Lock()
		data, ok := f.objects[key]
		f.mu.Unlock()
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>`+key+`</Key></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if !f.omitLength || r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}
		w.Header().Set("ETag", etag(data))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			if f.omitLength {
				w.(http.Flusher).Flush()
			}
			w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestBucket(t *testing.T) *Bucket {
	t.Helper()
	return newFakeBucket(t, &fakeS3{objects: make(map[string][]byte)})
}

func newFakeBucket(t *testing.T, f *fakeS3) *Bucket {
	t.Helper()

	srv := httptest.NewTLSServer(f)
	t.Cleanup(srv.Close)

	cfg := config.Bucket{
		Endpoint: srv.Listener.Addr().String(),
		Region:   "us-east-1",
		Name:     testBucket,
		Secure:   true,
	}
	b, err := newBucket(cfg, &minio.Options{
		Creds:     credentials.NewStaticV4("access", "secret", ""),
		Secure:    true,
		Region:    cfg.Region,
		Transport: srv.Client().Transport,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestBucketObjects(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	if ok, err := b.Has(ctx, "missing"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected missing object")
	} else if _, ok, err := b.Get(ctx, "missing"); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected missing object")
	}

	data := frand.Bytes(4096)
	sum := md5.Sum(data)
	opts := store.PutOptions{
		ContentMD5:    base64.StdEncoding.EncodeToString(sum[:]),
		ContentLength: int64(len(data)),
	}
	if err := b.Put(ctx, "foo/bar.car", data, opts); err != nil {
		t.Fatal(err)
	} else if err := b.Put(ctx, "root/marker", nil, store.PutOptions{}); err != nil {
		t.Fatal(err)
	}

	if ok, err := b.Has(ctx, "foo/bar.car"); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected object to exist")
	}

	obj, ok, err := b.Get(ctx, "foo/bar.car")
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected object to exist")
	} else if string(obj.Data) != string(data) {
		t.Fatal("data mismatch")
	} else if obj.ContentLength != int64(len(data)) {
		t.Fatalf("expected length %d, got %d", len(data), obj.ContentLength)
	}

	if err := b.Put(ctx, "foo/bad.car", data, store.PutOptions{ContentLength: 1}); err == nil {
		t.Fatal("expected length mismatch to fail")
	}
}

func TestBucketList(t *testing.T) {
	b := newTestBucket(t)
	ctx := context.Background()

	var expected []string
	for i := 0; i < 7; i++ {
		key := "raw/" + strconv.Itoa(i) + ".car"
		expected = append(expected, key)
		if err := b.Put(ctx, key, []byte{byte(i)}, store.PutOptions{ContentLength: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Put(ctx, "other/key", []byte{1}, store.PutOptions{ContentLength: 1}); err != nil {
		t.Fatal(err)
	}

	var keys []string
	var token string
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("listing did not terminate")
		}
		page, err := b.List(ctx, "raw/", 3, token)
		if err != nil {
			t.Fatal(err)
		}
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
			if obj.Size != 1 {
				t.Fatalf("expected size 1, got %d", obj.Size)
			}
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}

	if strings.Join(keys, ",") != strings.Join(expected, ",") {
		t.Fatalf("expected %v, got %v", expected, keys)
	}
}

func TestBucketGetUnknownLength(t *testing.T) {
	data := frand.Bytes(8192)
	b := newFakeBucket(t, &fakeS3{
		objects:    map[string][]byte{"foo/bar.car": data},
		omitLength: true,
	})

	obj, ok, err := b.Get(context.Background(), "foo/bar.car")
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected object")
	} else if !bytes.Equal(obj.Data, data) {
		t.Fatal("data mismatch")
	} else if obj.ContentLength != int64(len(data)) {
		t.Fatalf("expected content length %d, got %d", len(data), obj.ContentLength)
	}
}
