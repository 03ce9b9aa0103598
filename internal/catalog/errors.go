package catalog

import "github.com/abduss/blobgate/internal/apperr"

var (
	// ErrInvalidBucketName signals a name that is not a DNS-style label.
	ErrInvalidBucketName = apperr.New(apperr.Invalid, "invalid bucket name")
	// ErrInvalidToken signals a continuation token this service did not issue.
	ErrInvalidToken = apperr.New(apperr.Invalid, "invalid continuation token")
	// ErrDeleteMarker signals that the addressed version is a tombstone.
	ErrDeleteMarker = apperr.New(apperr.NotFound, "object deleted")
)
