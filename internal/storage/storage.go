// Package storage provides the object storage used to persist schemas and
// mirror committed load packages.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrDownloadFailed     = errors.New("download failed")
	ErrDeleteFailed       = errors.New("delete failed")
)

// ObjectStorage stores opaque objects under slash-separated keys.
// Implementations are the local filesystem and S3.
type ObjectStorage interface {
	// Put stores data under key and returns the ETag of the new object.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// PutIfMatch stores data only if the current object has the given
	// ETag. An empty etag requires that no object exists yet. A failed
	// precondition returns ErrPreconditionFailed.
	PutIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error)

	// Get returns the object and its ETag, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
