package blob

import "github.com/abduss/blobgate/internal/apperr"

var (
	// ErrCorrupt signals that stored bytes do not match the recorded layout.
	ErrCorrupt = apperr.New(apperr.BackendCorrupt, "blob bytes do not match recorded checksum")
	// ErrInvalidETag signals a part tag that is not an md5 hex digest.
	ErrInvalidETag = apperr.New(apperr.Invalid, "invalid part etag")
)
