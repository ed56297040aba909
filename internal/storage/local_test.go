package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	key := "schemas/shop.schema.json"
	content := []byte(`{"name":"shop"}`)
	etag, err := storage.Put(ctx, key, content)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if etag == "" {
		t.Error("expected non-empty etag")
	}

	exists, err := storage.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, gotTag, err := storage.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}
	if gotTag != etag {
		t.Errorf("etag mismatch: got %q, want %q", gotTag, etag)
	}

	// No temp files may be left next to the object.
	entries, err := os.ReadDir(filepath.Join(baseDir, "schemas"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file, got %d", len(entries))
	}

	if err := storage.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = storage.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Delete is idempotent
	if err := storage.Delete(ctx, key); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestLocalStorage_PutIfMatch(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	key := "manifest.json"

	// Empty etag: create only
	etag, err := storage.PutIfMatch(ctx, key, []byte("v1"), "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := storage.PutIfMatch(ctx, key, []byte("v1b"), ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on second create, got %v", err)
	}

	etag2, err := storage.PutIfMatch(ctx, key, []byte("v2"), etag)
	if err != nil {
		t.Fatalf("matching put failed: %v", err)
	}
	if etag2 == etag {
		t.Error("expected etag to change with content")
	}

	if _, err := storage.PutIfMatch(ctx, key, []byte("v3"), etag); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on stale etag, got %v", err)
	}
	if _, err := storage.PutIfMatch(ctx, "missing.json", []byte("x"), etag); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed on missing object, got %v", err)
	}

	data, _, err := storage.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("got %q, want v2", data)
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, _, err = storage.Get(context.Background(), "nonexistent/object.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	for _, key := range []string{"../x", "a/../../x", ""} {
		if _, err := storage.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestLocalStorage_List(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"schemas/b.json", "schemas/a.json", "schemas/a/v1.json", "other/c.json"} {
		if _, err := storage.Put(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	keys, err := storage.List(ctx, "schemas/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"schemas/a.json", "schemas/a/v1.json", "schemas/b.json"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestLocalStorage_Clear(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"obj1.txt", "dir/obj2.txt"} {
		if _, err := storage.Put(ctx, key, []byte("test")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if err := storage.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	keys, err := storage.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no objects after clear, got %v", keys)
	}
}
