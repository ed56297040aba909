package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Batch runs object transfers in parallel with bounded concurrency.
type Batch struct {
	storage     ObjectStorage
	concurrency int
}

// BatchResult contains the outcome of a batch operation.
type BatchResult struct {
	Objects map[string][]byte
	Keys    []string
	Errors  map[string]error
}

// NewBatch creates a batch runner. concurrency below 1 means 1.
func NewBatch(storage ObjectStorage, concurrency int) *Batch {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Batch{storage: storage, concurrency: concurrency}
}

// GetAll downloads keys in parallel. Per-key failures are collected in
// Errors; the returned error is set only when ctx ends.
func (b *Batch) GetAll(ctx context.Context, keys []string) (*BatchResult, error) {
	result := &BatchResult{
		Objects: make(map[string][]byte, len(keys)),
		Errors:  make(map[string]error),
	}
	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			data, _, err := b.storage.Get(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.Objects[key] = data
		}()
	}
	wg.Wait()
	return result, ctx.Err()
}

// UploadDir stores every file below dir under prefix, keeping relative
// paths. It returns the uploaded keys, or the first failure.
func (b *Batch) UploadDir(ctx context.Context, dir, prefix string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to walk %s: %w", dir, err)
	}

	result := &BatchResult{Errors: make(map[string]error)}
	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, file := range files {
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return nil, err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func() {
			defer sem.Release(1)
			defer wg.Done()

			data, err := os.ReadFile(file)
			if err == nil {
				_, err = b.storage.Put(ctx, key, data)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.Keys = append(result.Keys, key)
		}()
	}
	wg.Wait()

	for key, err := range result.Errors {
		return nil, fmt.Errorf("storage: failed to upload %s: %w", key, err)
	}
	return result.Keys, nil
}
