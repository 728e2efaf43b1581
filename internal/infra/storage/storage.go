// Package storage holds bundle archives and snapshot payloads. Keys are
// caller-chosen paths; content addressing happens a layer up, where keys
// embed payload hashes.
package storage

import (
	"context"
	"time"
)

// PutResult describes a stored blob.
type PutResult struct {
	Key  string
	URL  string
	Hash string
	Size int64
}

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (PutResult, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a time-limited download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
