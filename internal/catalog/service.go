// Package catalog maps (bucket, key, version) to blobs. It owns bucket
// lifecycle and every object-level read and write of the version history.
package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
)

const (
	defaultListLimit = 1000
	maxListLimit     = 1000
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]{0,61}[a-z0-9])?$`)

type metaStore interface {
	meta.BucketStore
	meta.ObjectStore
}

type backendResolver interface {
	Resolve(loc location.Location) (backend.Store, error)
	Default() location.Location
}

// Service implements put, get, delete and list plus bucket management.
type Service struct {
	store    metaStore
	resolver backendResolver
	log      *zap.Logger
}

// NewService constructs a catalog service. A nil logger discards output.
func NewService(store metaStore, resolver backendResolver, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, resolver: resolver, log: log.Named("catalog")}
}

// CreateBucketInput describes a new bucket. A zero Location selects the
// resolver's default.
type CreateBucketInput struct {
	Name       string            `json:"name"`
	OwnerID    uuid.UUID         `json:"owner_id"`
	Location   location.Location `json:"location"`
	Versioning bool              `json:"versioning"`
}

// ValidateBucketName applies S3's DNS-compatible naming rules.
func ValidateBucketName(name string) error {
	if !bucketNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%q: %w", name, ErrInvalidBucketName)
	}
	return nil
}

// CreateBucket validates and creates a bucket.
func (s *Service) CreateBucket(ctx context.Context, in CreateBucketInput) (meta.Bucket, error) {
	if err := ValidateBucketName(in.Name); err != nil {
		return meta.Bucket{}, err
	}
	loc := in.Location
	if loc.IsZero() {
		loc = s.resolver.Default()
	}
	if _, err := s.resolver.Resolve(loc); err != nil {
		return meta.Bucket{}, err
	}

	b, err := s.store.CreateBucket(ctx, meta.Bucket{
		Name:       in.Name,
		OwnerID:    in.OwnerID,
		Location:   loc,
		Versioning: in.Versioning,
	})
	if err != nil {
		return meta.Bucket{}, err
	}
	s.log.Info("bucket created", zap.String("bucket", b.Name), zap.Stringer("location", b.Location))
	return b, nil
}

// GetBucket returns a bucket by name.
func (s *Service) GetBucket(ctx context.Context, name string) (meta.Bucket, error) {
	return s.store.GetBucket(ctx, name)
}

// ListBuckets returns the owner's buckets, or every bucket for uuid.Nil.
func (s *Service) ListBuckets(ctx context.Context, ownerID uuid.UUID) ([]meta.Bucket, error) {
	return s.store.ListBuckets(ctx, ownerID)
}

// SetVersioning toggles version retention. Existing history is kept.
func (s *Service) SetVersioning(ctx context.Context, name string, enabled bool) error {
	return s.store.SetVersioning(ctx, name, enabled)
}

// DeleteBucket removes an empty bucket.
func (s *Service) DeleteBucket(ctx context.Context, name string) error {
	if err := s.store.DeleteBucket(ctx, name); err != nil {
		return err
	}
	s.log.Info("bucket deleted", zap.String("bucket", name))
	return nil
}

// Put makes blobID the latest version of bucket/key.
func (s *Service) Put(ctx context.Context, bucket, key string, blobID uuid.UUID) (meta.Version, error) {
	if err := meta.ValidateKey(key); err != nil {
		return meta.Version{}, err
	}
	return s.store.PutVersion(ctx, meta.PutVersionInput{Bucket: bucket, Key: key, BlobID: &blobID})
}

// Get returns the latest version, or the exact version when one is given.
// A tombstone is reported as not found in both cases.
func (s *Service) Get(ctx context.Context, bucket, key string, version *int64) (meta.Version, error) {
	v, err := s.store.GetVersion(ctx, bucket, key, version)
	if err != nil {
		return meta.Version{}, err
	}
	if v.Tombstone() {
		return meta.Version{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrDeleteMarker)
	}
	return v, nil
}

// Delete writes a tombstone as the key's latest version.
func (s *Service) Delete(ctx context.Context, bucket, key string) (meta.Version, error) {
	if err := meta.ValidateKey(key); err != nil {
		return meta.Version{}, err
	}
	return s.store.PutVersion(ctx, meta.PutVersionInput{Bucket: bucket, Key: key})
}

// DeleteVersion removes one entry from a key's history.
func (s *Service) DeleteVersion(ctx context.Context, bucket, key string, version int64) error {
	return s.store.DeleteVersion(ctx, bucket, key, version)
}

// ListVersions returns a key's history newest first, tombstones included.
func (s *Service) ListVersions(ctx context.Context, bucket, key string) ([]meta.Version, error) {
	return s.store.ListVersions(ctx, bucket, key)
}

// ListOptions selects a page of latest versions.
type ListOptions struct {
	Prefix            string
	ContinuationToken string
	Limit             int
}

// Page is one page of a listing.
type Page struct {
	Objects               []meta.Version `json:"objects"`
	IsTruncated           bool           `json:"is_truncated"`
	NextContinuationToken string         `json:"next_continuation_token,omitempty"`
}

// List returns the latest live version of each key under the prefix, in key
// order. Each page is an independent query.
func (s *Service) List(ctx context.Context, bucket string, opts ListOptions) (Page, error) {
	after, err := decodeToken(opts.ContinuationToken)
	if err != nil {
		return Page{}, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	versions, err := s.store.ListLatest(ctx, bucket, meta.ListQuery{Prefix: opts.Prefix, After: after, Limit: limit + 1})
	if err != nil {
		return Page{}, err
	}

	page := Page{Objects: versions}
	if len(versions) > limit {
		page.Objects = versions[:limit]
		page.IsTruncated = true
		page.NextContinuationToken = encodeToken(page.Objects[limit-1].Key)
	}
	return page, nil
}

// All walks every live key under prefix, one page at a time. Iteration stops
// at the first error, which is yielded once.
func (s *Service) All(ctx context.Context, bucket, prefix string) iter.Seq2[meta.Version, error] {
	return func(yield func(meta.Version, error) bool) {
		opts := ListOptions{Prefix: prefix}
		for {
			page, err := s.List(ctx, bucket, opts)
			if err != nil {
				yield(meta.Version{}, err)
				return
			}
			for _, v := range page.Objects {
				if !yield(v, nil) {
					return
				}
			}
			if !page.IsTruncated {
				return
			}
			opts.ContinuationToken = page.NextContinuationToken
		}
	}
}

func encodeToken(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return string(raw), nil
}
