package meta

import "github.com/abduss/blobgate/internal/apperr"

var (
	// ErrBucketNotFound signals that the bucket does not exist.
	ErrBucketNotFound = apperr.New(apperr.NotFound, "bucket not found")
	// ErrBucketExists signals a bucket name collision.
	ErrBucketExists = apperr.New(apperr.Conflict, "bucket already exists")
	// ErrBucketNotEmpty signals that versions still live in the bucket.
	ErrBucketNotEmpty = apperr.New(apperr.Conflict, "bucket not empty")
	// ErrInvalidKey signals an empty or oversized object key.
	ErrInvalidKey = apperr.New(apperr.Invalid, "invalid object key")
	// ErrObjectNotFound signals that no version exists for the key.
	ErrObjectNotFound = apperr.New(apperr.NotFound, "object not found")
	// ErrVersionNotFound signals that the requested version does not exist.
	ErrVersionNotFound = apperr.New(apperr.NotFound, "version not found")
	// ErrVersionConflict signals two writers producing the same version.
	ErrVersionConflict = apperr.New(apperr.Conflict, "version conflict")
	// ErrBlobNotFound signals that no blob row exists for the id.
	ErrBlobNotFound = apperr.New(apperr.NotFound, "blob not found")
	// ErrBlobExists signals a duplicate blob id.
	ErrBlobExists = apperr.New(apperr.Conflict, "blob already exists")
	// ErrBlobCondemned signals that the blob is queued for deletion and may
	// not gain new references.
	ErrBlobCondemned = apperr.New(apperr.Conflict, "blob is queued for garbage collection")
	// ErrUploadNotFound signals that the staged upload is gone.
	ErrUploadNotFound = apperr.New(apperr.NotFound, "upload not found")
	// ErrUploadSealed signals that the upload is being committed.
	ErrUploadSealed = apperr.New(apperr.Conflict, "upload sealed for commit")
	// ErrCandidateNotFound signals that the gc candidate is gone.
	ErrCandidateNotFound = apperr.New(apperr.NotFound, "gc candidate not found")
	// ErrStillReferenced signals an attempt to retire a referenced blob.
	ErrStillReferenced = apperr.New(apperr.InvariantViolation, "blob still referenced")
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = apperr.New(apperr.NotFound, "user not found")
	// ErrAccessKeyNotFound signals that the access key does not exist.
	ErrAccessKeyNotFound = apperr.New(apperr.NotFound, "access key not found")
	// ErrAccessKeyExists signals an access key id collision.
	ErrAccessKeyExists = apperr.New(apperr.Conflict, "access key already exists")
)
