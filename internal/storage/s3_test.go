package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/schemaflow/schemaflow/internal/schema"
)

// fakeS3 serves the path-style object API used by S3Storage.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func quotedETag(data []byte) string {
	return `"` + etagOf(data) + `"`
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch {
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>", f.bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, b.String())

	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		current, exists := f.objects[key]
		if r.Header.Get("If-None-Match") == "*" && exists {
			writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && (!exists || m != quotedETag(current)) {
			writeS3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		f.objects[key] = data
		w.Header().Set("ETag", quotedETag(data))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", quotedETag(data))
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.Write(data)

	case r.Method == http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", quotedETag(data))
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func newFakeS3Storage(t *testing.T, prefix string) (*S3Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "schemas", objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3StorageWithClient(client, fake.bucket, S3Config{Prefix: prefix, MaxRetries: 1}), fake
}

func TestS3Storage_PutGet(t *testing.T) {
	s, fake := newFakeS3Storage(t, "/tenant-a/")
	ctx := context.Background()

	etag, err := s.Put(ctx, "schemas/shop.schema.json", []byte(`{"name":"shop"}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag == "" {
		t.Error("expected non-empty etag")
	}
	if _, ok := fake.objects["tenant-a/schemas/shop.schema.json"]; !ok {
		t.Fatalf("expected object under key prefix, got %v", fake.objects)
	}

	got, gotTag, err := s.Get(ctx, "schemas/shop.schema.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"name":"shop"}` {
		t.Errorf("unexpected content %q", got)
	}
	if gotTag != etag {
		t.Errorf("etag mismatch: put %q, get %q", etag, gotTag)
	}

	exists, err := s.Exists(ctx, "schemas/shop.schema.json")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true", exists, err)
	}

	if err := s.Delete(ctx, "schemas/shop.schema.json"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = s.Exists(ctx, "schemas/shop.schema.json")
	if err != nil || exists {
		t.Errorf("Exists after delete = %v, %v; want false", exists, err)
	}
}

func TestS3Storage_GetNotFound(t *testing.T) {
	s, _ := newFakeS3Storage(t, "")
	_, _, err := s.Get(context.Background(), "schemas/missing.schema.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestS3Storage_PutIfMatch(t *testing.T) {
	s, _ := newFakeS3Storage(t, "")
	ctx := context.Background()
	key := "schemas/shop.schema.json"

	first, err := s.PutIfMatch(ctx, key, []byte("v1"), "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.PutIfMatch(ctx, key, []byte("v1-again"), ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on second create, got %v", err)
	}

	second, err := s.PutIfMatch(ctx, key, []byte("v2"), first)
	if err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}
	if _, err := s.PutIfMatch(ctx, key, []byte("v3"), first); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on stale etag, got %v", err)
	}

	got, tag, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v2" || tag != second {
		t.Errorf("got %q (%s), want v2 (%s)", got, tag, second)
	}
}

func TestS3Storage_List(t *testing.T) {
	s, _ := newFakeS3Storage(t, "tenant-a")
	ctx := context.Background()

	for _, k := range []string{"schemas/b.schema.json", "schemas/a.schema.json", "loads/1/orders.jsonl"} {
		if _, err := s.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	keys, err := s.List(ctx, "schemas/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"schemas/a.schema.json", "schemas/b.schema.json"}
	if len(keys) != len(want) {
		t.Fatalf("List = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestS3Storage_BackedSchemaStore(t *testing.T) {
	s, _ := newFakeS3Storage(t, "")
	store := NewSchemaStore(s, schema.FormatJSON)
	sc := finalized(t, "shop")

	if err := store.Save(context.Background(), sc); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.Load(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.VersionHash != sc.VersionHash {
		t.Errorf("hash mismatch: %s != %s", loaded.VersionHash, sc.VersionHash)
	}
}
