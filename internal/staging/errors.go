package staging

import "github.com/abduss/blobgate/internal/apperr"

var (
	// ErrInvalidBucket signals that the target bucket does not exist.
	ErrInvalidBucket = apperr.New(apperr.InvalidBucket, "invalid bucket")
	// ErrUploadUnbound signals a commit of an upload with no target key.
	ErrUploadUnbound = apperr.New(apperr.Invalid, "upload has no target key")
	// ErrNoParts signals a commit of an upload with nothing written.
	ErrNoParts = apperr.New(apperr.Invalid, "upload has no parts")
	// ErrInvalidPart signals a part index outside 0..10000.
	ErrInvalidPart = apperr.New(apperr.Invalid, "invalid part index")
	// ErrBodySize signals a part body that disagrees with its declared size.
	ErrBodySize = apperr.New(apperr.Invalid, "part body does not match declared size")
)
