// Package backend defines the physical blob capability the gateway writes
// part bytes to, and an in-process implementation of it.
package backend

import (
	"context"
	"io"

	"github.com/abduss/blobgate/internal/apperr"
)

var (
	// ErrNotFound signals that no bytes are stored under the key.
	ErrNotFound = apperr.New(apperr.NotFound, "backend object not found")
	// ErrUnavailable signals a transient failure; the call may be retried.
	ErrUnavailable = apperr.New(apperr.BackendUnavailable, "backend unavailable")
	// ErrSizeMismatch signals a payload that disagrees with its declared size.
	ErrSizeMismatch = apperr.New(apperr.Invalid, "payload size mismatch")
)

// Store is the capability offered by a physical backend. Put with an existing
// key replaces its bytes. Get and Delete are idempotent; Delete of a missing
// key returns ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores that can report their reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
