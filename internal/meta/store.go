package meta

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BucketStore persists buckets and their object partitions.
type BucketStore interface {
	CreateBucket(ctx context.Context, b Bucket) (Bucket, error)
	GetBucket(ctx context.Context, name string) (Bucket, error)
	// ListBuckets returns buckets of ownerID, or all buckets for uuid.Nil.
	ListBuckets(ctx context.Context, ownerID uuid.UUID) ([]Bucket, error)
	SetVersioning(ctx context.Context, name string, enabled bool) error
	DeleteBucket(ctx context.Context, name string) error
}

// BlobStore is the blob record ledger. Rows are only removed through
// GCStore.RetireCandidate.
type BlobStore interface {
	InsertBlob(ctx context.Context, b Blob) (Blob, error)
	GetBlob(ctx context.Context, id uuid.UUID) (Blob, error)
}

// ObjectStore persists object versions.
type ObjectStore interface {
	PutVersion(ctx context.Context, in PutVersionInput) (Version, error)
	// GetVersion returns the latest version when version is nil. Tombstones
	// are returned as-is.
	GetVersion(ctx context.Context, bucket, key string, version *int64) (Version, error)
	DeleteVersion(ctx context.Context, bucket, key string, version int64) error
	ListLatest(ctx context.Context, bucket string, q ListQuery) ([]Version, error)
	ListVersions(ctx context.Context, bucket, key string) ([]Version, error)
}

// StagingStore persists staged uploads and their parts.
type StagingStore interface {
	CreateStaged(ctx context.Context, u StagedUpload) (StagedUpload, error)
	GetStaged(ctx context.Context, id uuid.UUID) (StagedUpload, error)
	BindStaged(ctx context.Context, id uuid.UUID, bucket, key string) error
	// RecordPart upserts a part and returns the part it replaced, if any.
	RecordPart(ctx context.Context, id uuid.UUID, p StagedPart) (replaced *StagedPart, err error)
	// SealStaged freezes the part list for commit and returns the upload.
	SealStaged(ctx context.Context, id uuid.UUID) (StagedUpload, error)
	DeleteStaged(ctx context.Context, id uuid.UUID) error
	// AbortStaged deletes the upload and queues its recorded part keys as an
	// orphan candidate unless a blob row already holds them.
	AbortStaged(ctx context.Context, id uuid.UUID, now time.Time) (StagedUpload, error)
	// ReapStaged aborts uploads inactive since before.
	ReapStaged(ctx context.Context, before time.Time, limit int, now time.Time) ([]StagedUpload, error)
}

// GCStore persists garbage-collection candidates.
type GCStore interface {
	MarkUnreferenced(ctx context.Context, limit int, now time.Time) (int, error)
	EnqueueOrphan(ctx context.Context, c Candidate) (Candidate, error)
	// ClaimCandidates leases due, non-stuck candidates until now+lease.
	ClaimCandidates(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Candidate, error)
	VerifyCandidate(ctx context.Context, id uuid.UUID) (Verdict, error)
	// RetireCandidate removes the candidate and, for blob candidates, the
	// blob row with its parts.
	RetireCandidate(ctx context.Context, id uuid.UUID) error
	DropCandidate(ctx context.Context, id uuid.UUID) error
	DeferCandidate(ctx context.Context, id uuid.UUID, next time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, f Failure) (Candidate, error)
	ListCandidates(ctx context.Context, stuckOnly bool, limit int) ([]Candidate, error)
	RequeueCandidate(ctx context.Context, id uuid.UUID, now time.Time) error
}

// IdentityStore persists users and access keys.
type IdentityStore interface {
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	CreateAccessKey(ctx context.Context, k AccessKey) (AccessKey, error)
	GetAccessKey(ctx context.Context, id string) (AccessKey, error)
	RevokeAccessKey(ctx context.Context, id string, at time.Time) error
}

// Store is a complete metadata driver.
type Store interface {
	BucketStore
	BlobStore
	ObjectStore
	StagingStore
	GCStore
	IdentityStore
	Ping(ctx context.Context) error
	Close()
}
