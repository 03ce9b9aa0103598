// Package staging holds uploads between begin and commit. Part bytes go to
// the backend first and are recorded afterwards; nothing becomes visible to
// readers until Commit has written a version.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/blob"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/metrics"
)

const cleanupTimeout = 30 * time.Second

type metaStore interface {
	GetBucket(ctx context.Context, name string) (meta.Bucket, error)
	InsertBlob(ctx context.Context, b meta.Blob) (meta.Blob, error)
	PutVersion(ctx context.Context, in meta.PutVersionInput) (meta.Version, error)
	EnqueueOrphan(ctx context.Context, c meta.Candidate) (meta.Candidate, error)
	meta.StagingStore
}

type backendResolver interface {
	Resolve(loc location.Location) (backend.Store, error)
	Default() location.Location
}

// RetryPolicy bounds in-call retries of transient backend writes.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Options tunes a Service. Zero values pick defaults.
type Options struct {
	Logger *zap.Logger
	Retry  RetryPolicy
	Now    func() time.Time
}

// Service implements begin, write_part, commit and abort.
type Service struct {
	store    metaStore
	resolver backendResolver
	log      *zap.Logger
	retry    RetryPolicy
	now      func() time.Time
}

// CommitResult describes the version a commit produced.
type CommitResult struct {
	BlobID  uuid.UUID `json:"blob_id"`
	ETag    string    `json:"etag"`
	Size    int64     `json:"size"`
	Version int64     `json:"version"`
}

// NewService constructs a staging service.
func NewService(store metaStore, resolver backendResolver, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 3
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry.Initial = 100 * time.Millisecond
	}
	if opts.Retry.Max <= 0 {
		opts.Retry.Max = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		resolver: resolver,
		log:      opts.Logger.Named("staging"),
		retry:    opts.Retry,
		now:      opts.Now,
	}
}

// Begin opens an upload targeting bucket/key. The bytes land in the bucket's
// location.
func (s *Service) Begin(ctx context.Context, bucket, key string) (meta.StagedUpload, error) {
	if err := meta.ValidateKey(key); err != nil {
		return meta.StagedUpload{}, err
	}
	b, err := s.store.GetBucket(ctx, bucket)
	if err != nil {
		return meta.StagedUpload{}, translateBucketError(err)
	}
	return s.create(ctx, meta.StagedUpload{Bucket: b.Name, Key: key, Location: b.Location})
}

// BeginUnbound opens an upload with no target yet. A zero loc selects the
// resolver's default location.
func (s *Service) BeginUnbound(ctx context.Context, loc location.Location) (meta.StagedUpload, error) {
	if loc.IsZero() {
		loc = s.resolver.Default()
	}
	return s.create(ctx, meta.StagedUpload{Location: loc})
}

func (s *Service) create(ctx context.Context, u meta.StagedUpload) (meta.StagedUpload, error) {
	if _, err := s.resolver.Resolve(u.Location); err != nil {
		return meta.StagedUpload{}, err
	}
	u.ID = uuid.New()
	u.BlobID = uuid.New()
	created, err := s.store.CreateStaged(ctx, u)
	if err != nil {
		return meta.StagedUpload{}, fmt.Errorf("begin upload: %w", err)
	}
	s.log.Debug("upload started",
		zap.Stringer("upload_id", created.ID),
		zap.Stringer("blob_id", created.BlobID),
		zap.Stringer("location", created.Location))
	return created, nil
}

// Bind sets the target of an unbound upload, or retargets a bound one.
func (s *Service) Bind(ctx context.Context, id uuid.UUID, bucket, key string) error {
	if err := meta.ValidateKey(key); err != nil {
		return err
	}
	if err := s.store.BindStaged(ctx, id, bucket, key); err != nil {
		return translateBucketError(err)
	}
	return nil
}

// Get returns the upload and the parts recorded so far.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (meta.StagedUpload, error) {
	return s.store.GetStaged(ctx, id)
}

// WritePart stores one part. Writing the same index again replaces the
// recorded part and removes the bytes it superseded. size < 0 means unknown.
func (s *Service) WritePart(ctx context.Context, id uuid.UUID, index int, r io.Reader, size int64) (meta.StagedPart, error) {
	if index < 0 || index > blob.MaxPartIndex {
		return meta.StagedPart{}, fmt.Errorf("part %d: %w", index, ErrInvalidPart)
	}

	u, err := s.store.GetStaged(ctx, id)
	if err != nil {
		return meta.StagedPart{}, err
	}
	if u.Sealed {
		return meta.StagedPart{}, meta.ErrUploadSealed
	}
	store, err := s.resolver.Resolve(u.Location)
	if err != nil {
		return meta.StagedPart{}, err
	}

	key := blob.PartKey(u.BlobID, index, blob.NewNonce())
	hasher, err := s.put(ctx, store, key, r, size)
	if err != nil {
		metrics.PartsWritten.WithLabelValues("failed").Inc()
		s.discard(ctx, u, store, key)
		return meta.StagedPart{}, err
	}

	part := meta.StagedPart{Index: index, Size: hasher.Size(), ETag: hasher.ETag(), Key: key}
	replaced, err := s.store.RecordPart(ctx, id, part)
	if err != nil {
		metrics.PartsWritten.WithLabelValues("unrecorded").Inc()
		s.discard(ctx, u, store, key)
		return meta.StagedPart{}, fmt.Errorf("record part %d: %w", index, err)
	}
	if replaced != nil && replaced.Key != key {
		s.discard(ctx, u, store, replaced.Key)
	}

	metrics.PartsWritten.WithLabelValues("ok").Inc()
	return part, nil
}

// put streams r to key through an md5 tee. Transient failures are retried
// only when r can be rewound.
func (s *Service) put(ctx context.Context, store backend.Store, key string, r io.Reader, size int64) (*blob.Hasher, error) {
	seeker, rewindable := r.(io.Seeker)
	var start int64
	if rewindable {
		pos, err := seeker.Seek(0, io.SeekCurrent)
		if err != nil {
			rewindable = false
		}
		start = pos
	}

	var hasher *blob.Hasher
	attempt := func() error {
		if hasher != nil {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("rewind part body: %w", err))
			}
		}
		hasher = blob.NewHasher(r)

		err := store.Put(ctx, key, hasher, size)
		metrics.BackendOps.WithLabelValues("put", metrics.BackendResult(err)).Inc()
		switch {
		case err == nil:
			if size >= 0 && hasher.Size() != size {
				return backoff.Permanent(fmt.Errorf("put %s: %w", key, ErrBodySize))
			}
			return nil
		case errors.Is(err, backend.ErrSizeMismatch):
			return backoff.Permanent(fmt.Errorf("put %s: %w", key, ErrBodySize))
		case rewindable && errors.Is(err, backend.ErrUnavailable):
			s.log.Warn("retrying part write", zap.String("key", key), zap.Error(err))
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.Initial
	policy.MaxInterval = s.retry.Max
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retry.Attempts-1)), ctx)

	if err := backoff.Retry(attempt, b); err != nil {
		return nil, err
	}
	return hasher, nil
}

// discard removes bytes nothing will reference. When the delete fails the
// key is queued for the collector so it is never leaked.
func (s *Service) discard(ctx context.Context, u meta.StagedUpload, store backend.Store, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := store.Delete(ctx, key)
	metrics.BackendOps.WithLabelValues("delete", metrics.BackendResult(err)).Inc()
	if err == nil || errors.Is(err, backend.ErrNotFound) {
		return
	}

	now := s.now().UTC()
	_, qerr := s.store.EnqueueOrphan(ctx, meta.Candidate{
		BlobID:   u.BlobID,
		Location: u.Location,
		PartKeys: []string{key},
		MarkedAt: now,
	})
	if qerr != nil {
		s.log.Error("part bytes leaked",
			zap.String("key", key),
			zap.Stringer("location", u.Location),
			zap.NamedError("delete_error", err),
			zap.NamedError("queue_error", qerr))
		return
	}
	s.log.Warn("queued part bytes for collection", zap.String("key", key), zap.Error(err))
}

// Commit promotes the upload to a new version. The steps run in separate
// transactions and each is safe to repeat: seal, record the blob, write the
// version, drop the staging row.
func (s *Service) Commit(ctx context.Context, id uuid.UUID) (CommitResult, error) {
	u, err := s.store.GetStaged(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}
	if !u.Bound() {
		return CommitResult{}, ErrUploadUnbound
	}
	if len(u.Parts) == 0 {
		return CommitResult{}, ErrNoParts
	}

	u, err = s.store.SealStaged(ctx, id)
	if err != nil {
		return CommitResult{}, fmt.Errorf("seal upload: %w", err)
	}

	b, err := assemble(u)
	if err != nil {
		return CommitResult{}, err
	}
	if _, err := s.store.InsertBlob(ctx, b); err != nil && !errors.Is(err, meta.ErrBlobExists) {
		return CommitResult{}, fmt.Errorf("record blob: %w", err)
	}

	v, err := s.store.PutVersion(ctx, meta.PutVersionInput{
		Bucket:    u.Bucket,
		Key:       u.Key,
		BlobID:    &b.ID,
		StagingID: &u.ID,
	})
	if err != nil {
		if errors.Is(err, meta.ErrBucketNotFound) {
			return CommitResult{}, fmt.Errorf("commit %s: %w", u.Bucket, ErrInvalidBucket)
		}
		return CommitResult{}, fmt.Errorf("write version: %w", err)
	}

	if err := s.store.DeleteStaged(ctx, id); err != nil && !errors.Is(err, meta.ErrUploadNotFound) {
		// The reaper removes committed rows without queueing their parts.
		s.log.Warn("leaving committed upload for the reaper", zap.Stringer("upload_id", id), zap.Error(err))
	}

	metrics.UploadsCommitted.Inc()
	s.log.Info("upload committed",
		zap.Stringer("upload_id", id),
		zap.String("bucket", u.Bucket),
		zap.String("key", u.Key),
		zap.Int64("version", v.Version),
		zap.Int("parts", len(b.Parts)))

	return CommitResult{BlobID: b.ID, ETag: b.ETag, Size: b.Size, Version: v.Version}, nil
}

// assemble derives the blob record from a sealed upload's parts.
func assemble(u meta.StagedUpload) (meta.Blob, error) {
	b := meta.Blob{ID: u.BlobID, Location: u.Location, Parts: make([]meta.BlobPart, 0, len(u.Parts))}
	tags := make([]string, 0, len(u.Parts))
	for _, p := range u.Parts {
		b.Parts = append(b.Parts, meta.BlobPart{Index: p.Index, Size: p.Size, ETag: p.ETag, Key: p.Key})
		b.Size += p.Size
		tags = append(tags, p.ETag)
	}

	etag, err := blob.ComputeETag(tags)
	if err != nil {
		return meta.Blob{}, fmt.Errorf("compute etag: %w", err)
	}
	b.ETag = etag
	if len(u.Parts) > 1 {
		b.Multipart = &meta.Multipart{PartCount: len(u.Parts), PartSize: u.Parts[0].Size}
	}
	return b, nil
}

// Abort drops the upload. Its part bytes are handed to the collector.
func (s *Service) Abort(ctx context.Context, id uuid.UUID) error {
	u, err := s.store.AbortStaged(ctx, id, s.now().UTC())
	if err != nil {
		return err
	}
	metrics.UploadsAborted.WithLabelValues("client").Inc()
	s.log.Info("upload aborted", zap.Stringer("upload_id", id), zap.Int("parts", len(u.Parts)))
	return nil
}

// ReapExpired aborts uploads with no activity since before.
func (s *Service) ReapExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	reaped, err := s.store.ReapStaged(ctx, before, limit, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reap uploads: %w", err)
	}
	for _, u := range reaped {
		reason := "expired"
		if u.CommittedVersion != nil {
			reason = "committed"
		}
		metrics.UploadsAborted.WithLabelValues(reason).Inc()
		s.log.Info("reaped upload", zap.Stringer("upload_id", u.ID), zap.String("reason", reason))
	}
	return len(reaped), nil
}

func translateBucketError(err error) error {
	if errors.Is(err, meta.ErrBucketNotFound) {
		return fmt.Errorf("%w: %w", ErrInvalidBucket, err)
	}
	return err
}
