// Package blob stores study volumes and inference artifacts in object
// storage. Keys are deterministic so that any component can derive the
// location of a job's artifacts from the job id alone.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob: object not found")

// Store is the object-storage interface.
type Store interface {
	// Put writes an object, overwriting any previous content at key.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens an object for reading. The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// Presign returns a time-limited GET URL for the object.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}
