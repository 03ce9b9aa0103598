// Package meta holds the catalog records shared by the staging area, the
// version catalog and the garbage collector, and the store contracts that the
// postgres and memory drivers implement.
package meta

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/location"
)

// Bucket is the owning namespace of object versions.
type Bucket struct {
	Name       string            `json:"name"`
	OwnerID    uuid.UUID         `json:"owner_id"`
	Location   location.Location `json:"location"`
	Versioning bool              `json:"versioning"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Multipart describes how a blob was striped across parts.
type Multipart struct {
	PartCount int   `json:"part_count"`
	PartSize  int64 `json:"part_size"`
}

// BlobPart is one stored stripe of a blob.
type BlobPart struct {
	Index int    `json:"index"`
	Size  int64  `json:"size"`
	ETag  string `json:"etag"`
	Key   string `json:"key"`
}

// Blob is an immutable unit of stored bytes. IDs are never reused.
type Blob struct {
	ID        uuid.UUID         `json:"id"`
	Size      int64             `json:"size"`
	ETag      string            `json:"etag"`
	Multipart *Multipart        `json:"multipart,omitempty"`
	Location  location.Location `json:"location"`
	CreatedAt time.Time         `json:"created_at"`
	Parts     []BlobPart        `json:"parts"`
}

// PartKeys lists the backend keys holding the blob's bytes.
func (b Blob) PartKeys() []string {
	keys := make([]string, 0, len(b.Parts))
	for _, p := range b.Parts {
		keys = append(keys, p.Key)
	}
	return keys
}

// StagedPart is a part written to the backend but not yet committed.
type StagedPart struct {
	Index     int       `json:"index"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StagedUpload tracks an upload between begin and commit or abort. An empty
// Bucket means the upload is not yet bound to a target key. A sealed upload
// accepts no further parts.
type StagedUpload struct {
	ID               uuid.UUID         `json:"id"`
	Bucket           string            `json:"bucket,omitempty"`
	Key              string            `json:"key,omitempty"`
	BlobID           uuid.UUID         `json:"blob_id"`
	Location         location.Location `json:"location"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Sealed           bool              `json:"sealed"`
	CommittedVersion *int64            `json:"committed_version,omitempty"`
	Parts            []StagedPart      `json:"parts"`
}

// Bound reports whether the upload has a target key.
func (u StagedUpload) Bound() bool {
	return u.Bucket != ""
}

// PartKeys lists the backend keys recorded for the upload.
func (u StagedUpload) PartKeys() []string {
	keys := make([]string, 0, len(u.Parts))
	for _, p := range u.Parts {
		keys = append(keys, p.Key)
	}
	return keys
}

// Version is one entry in a key's history. A nil BlobID marks a tombstone.
type Version struct {
	Bucket       string     `json:"bucket"`
	Key          string     `json:"key"`
	Version      int64      `json:"version"`
	BlobID       *uuid.UUID `json:"blob_id,omitempty"`
	LastModified time.Time  `json:"last_modified"`
	Size         int64      `json:"size"`
	ETag         string     `json:"etag,omitempty"`
}

// Tombstone reports whether the version is a delete marker.
func (v Version) Tombstone() bool {
	return v.BlobID == nil
}

// MaxKeyLength bounds object keys in bytes.
const MaxKeyLength = 1024

// ValidateKey rejects keys S3 would refuse.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength || strings.ContainsRune(key, 0) {
		return fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return nil
}

// PutVersionInput describes a new version. StagingID ties the write to a
// staged upload so a retried commit returns the version it already created.
type PutVersionInput struct {
	Bucket    string
	Key       string
	BlobID    *uuid.UUID
	StagingID *uuid.UUID
}

// ListQuery pages through the latest versions of a bucket.
type ListQuery struct {
	Prefix string
	After  string
	Limit  int
}

// CandidateKind tells the sweeper how to verify a candidate.
type CandidateKind string

const (
	// CandidateBlob is a blob row no version or upload references.
	CandidateBlob CandidateKind = "blob"
	// CandidateOrphan is backend bytes with no committed blob row.
	CandidateOrphan CandidateKind = "orphan"
)

// Candidate is a set of backend keys queued for physical deletion.
type Candidate struct {
	ID            uuid.UUID         `json:"id"`
	Kind          CandidateKind     `json:"kind"`
	BlobID        uuid.UUID         `json:"blob_id"`
	Location      location.Location `json:"location"`
	PartKeys      []string          `json:"part_keys"`
	MarkedAt      time.Time         `json:"marked_at"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	Stuck         bool              `json:"stuck"`
}

// VerdictAction is the outcome of re-checking a candidate before deletion.
type VerdictAction int

const (
	// VerdictProceed means the keys are unreachable and may be deleted.
	VerdictProceed VerdictAction = iota
	// VerdictReferenced means a live version or upload still points at the blob.
	VerdictReferenced
	// VerdictDefer means an upload owning the bytes is still open.
	VerdictDefer
	// VerdictDrop means nothing remains to delete.
	VerdictDrop
)

// Verdict carries the keys to delete when Action is VerdictProceed.
type Verdict struct {
	Action VerdictAction
	Keys   []string
}

// Failure records an unsuccessful sweep attempt.
type Failure struct {
	Err           string
	NextAttemptAt time.Time
	MaxAttempts   int
}

// User owns buckets and access keys.
type User struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// AccessKey is an S3 credential. The secret is stored sealed because request
// signatures are verified against the plaintext.
type AccessKey struct {
	ID           string     `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	SealedSecret []byte     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}
