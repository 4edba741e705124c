package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStore is the narrow blob contract the snapshot engine runs against.
// Implementations carry no snapshot semantics; keys are opaque.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string, w io.Writer) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a presigned URL for the given method ("GET" or
	// "PUT") so remote workers can stream blobs without holding
	// credentials.
	SignedURL(ctx context.Context, key string, method string, ttl time.Duration) (string, error)
}
