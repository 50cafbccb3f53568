// Package objectstore abstracts the blob storage holding uploaded source
// documents, chunk source slices and translated chunk artifacts. Keys are
// opaque strings; callers use "/"-delimited prefixes like documents/{job_id}
// and translated/{job_id}/{index} to organize them.
package objectstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get and GetReader lookups that miss. Exists
// reports a miss as false with a nil error.
var ErrNotFound = errors.New("objectstore: object not found")

// Store is implemented by every object storage backend. Put is last-write-wins:
// writing the same key twice overwrites the prior value, which is what makes
// chunk and translation writes safely retryable after a crash.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)

	// GetReader opens key for streaming, incremental reads. Callers that
	// don't need the whole object in memory at once (the chunker reading a
	// source document, in particular) must use this instead of Get. The
	// caller is responsible for closing it.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
