package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/meta"
)

// Reader streams a blob's parts in index order. Each part is checked against
// its recorded size and md5 when it is exhausted; a mismatch ends the stream
// with ErrCorrupt instead of io.EOF.
type Reader struct {
	ctx   context.Context
	store backend.Store
	parts []meta.BlobPart

	cur    io.ReadCloser
	hasher *Hasher
	err    error
}

// Open returns a verifying reader over b. Nothing is fetched until the first
// Read.
func Open(ctx context.Context, store backend.Store, b meta.Blob) *Reader {
	return &Reader{ctx: ctx, store: store, parts: b.Parts}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, r.errIfDone()
	}
	for r.err == nil {
		if r.cur == nil {
			if len(r.parts) == 0 {
				r.err = io.EOF
				break
			}
			if err := r.next(); err != nil {
				r.err = err
				break
			}
		}

		n, err := r.hasher.Read(p)
		if errors.Is(err, io.EOF) {
			if verr := r.finishPart(); verr != nil {
				r.err = verr
				return n, verr
			}
			err = nil
		}
		if err != nil {
			r.err = fmt.Errorf("read part %d: %w", r.parts[0].Index, err)
			return n, r.err
		}
		if n > 0 {
			return n, nil
		}
	}
	return 0, r.err
}

func (r *Reader) next() error {
	part := r.parts[0]
	rc, err := r.store.Get(r.ctx, part.Key)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("part %d missing: %w", part.Index, ErrCorrupt)
		}
		return fmt.Errorf("open part %d: %w", part.Index, err)
	}
	r.cur = rc
	r.hasher = NewHasher(rc)
	return nil
}

func (r *Reader) finishPart() error {
	part := r.parts[0]
	_ = r.cur.Close()
	r.cur = nil

	if r.hasher.Size() != part.Size || r.hasher.ETag() != part.ETag {
		return fmt.Errorf("part %d: %w", part.Index, ErrCorrupt)
	}
	r.parts = r.parts[1:]
	return nil
}

// Close releases the part currently open, if any.
func (r *Reader) Close() error {
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

func (r *Reader) errIfDone() error {
	if r.err != nil && !errors.Is(r.err, io.EOF) {
		return r.err
	}
	return nil
}
