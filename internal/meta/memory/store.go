// Package memory is an in-process metadata driver. It enforces the same
// constraints as the postgres driver and backs tests and single-process
// development setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/meta"
)

// Store keeps all metadata behind one mutex.
type Store struct {
	mu         sync.RWMutex
	buckets    map[string]meta.Bucket
	objects    map[string]map[string][]meta.Version
	blobs      map[uuid.UUID]meta.Blob
	staged     map[uuid.UUID]meta.StagedUpload
	candidates map[uuid.UUID]meta.Candidate
	users      map[uuid.UUID]meta.User
	keys       map[string]meta.AccessKey
	seq        int64
}

var _ meta.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		buckets:    make(map[string]meta.Bucket),
		objects:    make(map[string]map[string][]meta.Version),
		blobs:      make(map[uuid.UUID]meta.Blob),
		staged:     make(map[uuid.UUID]meta.StagedUpload),
		candidates: make(map[uuid.UUID]meta.Candidate),
		users:      make(map[uuid.UUID]meta.User),
		keys:       make(map[string]meta.AccessKey),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// --- buckets ---

func (s *Store) CreateBucket(ctx context.Context, b meta.Bucket) (meta.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[b.Name]; ok {
		return meta.Bucket{}, meta.ErrBucketExists
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.buckets[b.Name] = b
	s.objects[b.Name] = make(map[string][]meta.Version)
	return b, nil
}

func (s *Store) GetBucket(ctx context.Context, name string) (meta.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return meta.Bucket{}, meta.ErrBucketNotFound
	}
	return b, nil
}

func (s *Store) ListBuckets(ctx context.Context, ownerID uuid.UUID) ([]meta.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]meta.Bucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		if ownerID != uuid.Nil && b.OwnerID != ownerID {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetVersioning(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return meta.ErrBucketNotFound
	}
	b.Versioning = enabled
	s.buckets[name] = b
	return nil
}

func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return meta.ErrBucketNotFound
	}
	for _, versions := range s.objects[name] {
		for _, v := range versions {
			if b.Versioning || !v.Tombstone() {
				return meta.ErrBucketNotEmpty
			}
		}
	}
	delete(s.buckets, name)
	delete(s.objects, name)
	return nil
}

// --- blobs ---

func (s *Store) InsertBlob(ctx context.Context, b meta.Blob) (meta.Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[b.ID]; ok {
		return meta.Blob{}, meta.ErrBlobExists
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	b.Parts = append([]meta.BlobPart(nil), b.Parts...)
	s.blobs[b.ID] = b
	return copyBlob(b), nil
}

func (s *Store) GetBlob(ctx context.Context, id uuid.UUID) (meta.Blob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return meta.Blob{}, meta.ErrBlobNotFound
	}
	return copyBlob(b), nil
}

// --- objects ---

func (s *Store) PutVersion(ctx context.Context, in meta.PutVersionInput) (meta.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var upload meta.StagedUpload
	if in.StagingID != nil {
		u, ok := s.staged[*in.StagingID]
		if !ok {
			return meta.Version{}, meta.ErrUploadNotFound
		}
		if u.CommittedVersion != nil {
			return s.committedVersion(in, *u.CommittedVersion), nil
		}
		upload = u
	}

	b, ok := s.buckets[in.Bucket]
	if !ok {
		return meta.Version{}, meta.ErrBucketNotFound
	}

	v := meta.Version{Bucket: in.Bucket, Key: in.Key, LastModified: time.Now().UTC()}
	if in.BlobID != nil {
		blob, ok := s.blobs[*in.BlobID]
		if !ok {
			return meta.Version{}, meta.ErrBlobNotFound
		}
		if s.hasBlobCandidate(blob.ID) {
			return meta.Version{}, meta.ErrBlobCondemned
		}
		id := blob.ID
		v.BlobID = &id
		v.Size = blob.Size
		v.ETag = blob.ETag
	}

	s.seq++
	v.Version = s.seq
	if b.Versioning {
		s.objects[in.Bucket][in.Key] = append(s.objects[in.Bucket][in.Key], v)
	} else {
		s.objects[in.Bucket][in.Key] = []meta.Version{v}
	}

	if in.StagingID != nil {
		n := v.Version
		upload.CommittedVersion = &n
		s.staged[upload.ID] = upload
	}
	return copyVersion(v), nil
}

func (s *Store) committedVersion(in meta.PutVersionInput, n int64) meta.Version {
	for _, v := range s.objects[in.Bucket][in.Key] {
		if v.Version == n {
			return copyVersion(v)
		}
	}
	// pruned since; report what was committed
	return copyVersion(meta.Version{Bucket: in.Bucket, Key: in.Key, Version: n, BlobID: in.BlobID})
}

func (s *Store) GetVersion(ctx context.Context, bucket, key string, version *int64) (meta.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.objects[bucket]
	if !ok {
		return meta.Version{}, meta.ErrBucketNotFound
	}
	versions := keys[key]
	if len(versions) == 0 {
		return meta.Version{}, meta.ErrObjectNotFound
	}
	if version == nil {
		return copyVersion(versions[len(versions)-1]), nil
	}
	for _, v := range versions {
		if v.Version == *version {
			return copyVersion(v), nil
		}
	}
	return meta.Version{}, meta.ErrVersionNotFound
}

func (s *Store) DeleteVersion(ctx context.Context, bucket, key string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.objects[bucket]
	if !ok {
		return meta.ErrBucketNotFound
	}
	versions := keys[key]
	for i, v := range versions {
		if v.Version != version {
			continue
		}
		versions = append(versions[:i:i], versions[i+1:]...)
		if len(versions) == 0 {
			delete(keys, key)
		} else {
			keys[key] = versions
		}
		return nil
	}
	return meta.ErrVersionNotFound
}

func (s *Store) ListLatest(ctx context.Context, bucket string, q meta.ListQuery) ([]meta.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.objects[bucket]
	if !ok {
		return nil, meta.ErrBucketNotFound
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		if strings.HasPrefix(k, q.Prefix) && k > q.After {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	out := []meta.Version{}
	for _, k := range names {
		versions := keys[k]
		latest := versions[len(versions)-1]
		if latest.Tombstone() {
			continue
		}
		out = append(out, copyVersion(latest))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListVersions(ctx context.Context, bucket, key string) ([]meta.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.objects[bucket]
	if !ok {
		return nil, meta.ErrBucketNotFound
	}
	versions := keys[key]
	out := make([]meta.Version, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, copyVersion(versions[i]))
	}
	return out, nil
}

// --- staged uploads ---

func (s *Store) CreateStaged(ctx context.Context, u meta.StagedUpload) (meta.StagedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	u.Parts = nil
	u.Sealed = false
	u.CommittedVersion = nil
	s.staged[u.ID] = u
	return copyStaged(u), nil
}

func (s *Store) GetStaged(ctx context.Context, id uuid.UUID) (meta.StagedUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.staged[id]
	if !ok {
		return meta.StagedUpload{}, meta.ErrUploadNotFound
	}
	return copyStaged(u), nil
}

func (s *Store) BindStaged(ctx context.Context, id uuid.UUID, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.staged[id]
	if !ok {
		return meta.ErrUploadNotFound
	}
	if _, ok := s.buckets[bucket]; !ok {
		return meta.ErrBucketNotFound
	}
	u.Bucket, u.Key = bucket, key
	s.staged[id] = u
	return nil
}

func (s *Store) RecordPart(ctx context.Context, id uuid.UUID, p meta.StagedPart) (*meta.StagedPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.staged[id]
	if !ok {
		return nil, meta.ErrUploadNotFound
	}
	if u.Sealed {
		return nil, meta.ErrUploadSealed
	}
	now := time.Now().UTC()
	p.UpdatedAt = now
	u.UpdatedAt = now

	var replaced *meta.StagedPart
	parts := append([]meta.StagedPart(nil), u.Parts...)
	for i := range parts {
		if parts[i].Index == p.Index {
			prev := parts[i]
			replaced = &prev
			parts[i] = p
			break
		}
	}
	if replaced == nil {
		parts = append(parts, p)
		sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	}
	u.Parts = parts
	s.staged[id] = u
	return replaced, nil
}

func (s *Store) SealStaged(ctx context.Context, id uuid.UUID) (meta.StagedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.staged[id]
	if !ok {
		return meta.StagedUpload{}, meta.ErrUploadNotFound
	}
	u.Sealed = true
	s.staged[id] = u
	return copyStaged(u), nil
}

func (s *Store) DeleteStaged(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.staged[id]; !ok {
		return meta.ErrUploadNotFound
	}
	delete(s.staged, id)
	return nil
}

func (s *Store) AbortStaged(ctx context.Context, id uuid.UUID, now time.Time) (meta.StagedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.staged[id]
	if !ok {
		return meta.StagedUpload{}, meta.ErrUploadNotFound
	}
	s.abortLocked(u, now)
	return copyStaged(u), nil
}

func (s *Store) ReapStaged(ctx context.Context, before time.Time, limit int, now time.Time) ([]meta.StagedUpload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []meta.StagedUpload
	for _, u := range s.staged {
		if u.UpdatedAt.Before(before) {
			expired = append(expired, u)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].UpdatedAt.Before(expired[j].UpdatedAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	out := make([]meta.StagedUpload, 0, len(expired))
	for _, u := range expired {
		s.abortLocked(u, now)
		out = append(out, copyStaged(u))
	}
	return out, nil
}

func (s *Store) abortLocked(u meta.StagedUpload, now time.Time) {
	delete(s.staged, u.ID)
	if _, committed := s.blobs[u.BlobID]; committed || len(u.Parts) == 0 {
		return
	}
	c := meta.Candidate{
		ID:            uuid.New(),
		Kind:          meta.CandidateOrphan,
		BlobID:        u.BlobID,
		Location:      u.Location,
		PartKeys:      u.PartKeys(),
		MarkedAt:      now,
		NextAttemptAt: now,
	}
	s.candidates[c.ID] = c
}

// --- gc candidates ---

func (s *Store) MarkUnreferenced(ctx context.Context, limit int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unreferenced []meta.Blob
	for _, b := range s.blobs {
		if s.referencedLocked(b.ID) || s.hasBlobCandidate(b.ID) {
			continue
		}
		unreferenced = append(unreferenced, b)
	}
	sort.Slice(unreferenced, func(i, j int) bool { return unreferenced[i].CreatedAt.Before(unreferenced[j].CreatedAt) })
	if limit > 0 && len(unreferenced) > limit {
		unreferenced = unreferenced[:limit]
	}
	for _, b := range unreferenced {
		c := meta.Candidate{
			ID:            uuid.New(),
			Kind:          meta.CandidateBlob,
			BlobID:        b.ID,
			Location:      b.Location,
			PartKeys:      b.PartKeys(),
			MarkedAt:      now,
			NextAttemptAt: now,
		}
		s.candidates[c.ID] = c
	}
	return len(unreferenced), nil
}

func (s *Store) EnqueueOrphan(ctx context.Context, c meta.Candidate) (meta.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Kind = meta.CandidateOrphan
	c.PartKeys = append([]string(nil), c.PartKeys...)
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = c.MarkedAt
	}
	s.candidates[c.ID] = c
	return copyCandidate(c), nil
}

func (s *Store) ClaimCandidates(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]meta.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []meta.Candidate
	for _, c := range s.candidates {
		if !c.Stuck && !c.NextAttemptAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].MarkedAt.Before(due[j].MarkedAt)
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]meta.Candidate, 0, len(due))
	for _, c := range due {
		c.NextAttemptAt = now.Add(lease)
		s.candidates[c.ID] = c
		out = append(out, copyCandidate(c))
	}
	return out, nil
}

func (s *Store) VerifyCandidate(ctx context.Context, id uuid.UUID) (meta.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.candidates[id]
	if !ok {
		return meta.Verdict{}, meta.ErrCandidateNotFound
	}

	blob, hasBlob := s.blobs[c.BlobID]
	switch c.Kind {
	case meta.CandidateBlob:
		if !hasBlob {
			return meta.Verdict{Action: meta.VerdictProceed, Keys: append([]string(nil), c.PartKeys...)}, nil
		}
		if s.referencedLocked(c.BlobID) {
			return meta.Verdict{Action: meta.VerdictReferenced}, nil
		}
		return meta.Verdict{Action: meta.VerdictProceed, Keys: unionKeys(blob.PartKeys(), c.PartKeys)}, nil
	default:
		for _, u := range s.staged {
			if u.BlobID == c.BlobID {
				return meta.Verdict{Action: meta.VerdictDefer}, nil
			}
		}
		keys := append([]string(nil), c.PartKeys...)
		if hasBlob {
			keys = subtractKeys(keys, blob.PartKeys())
		}
		if len(keys) == 0 {
			return meta.Verdict{Action: meta.VerdictDrop}, nil
		}
		return meta.Verdict{Action: meta.VerdictProceed, Keys: keys}, nil
	}
}

func (s *Store) RetireCandidate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return meta.ErrCandidateNotFound
	}
	if c.Kind == meta.CandidateBlob {
		if s.referencedLocked(c.BlobID) {
			return meta.ErrStillReferenced
		}
		delete(s.blobs, c.BlobID)
	}
	delete(s.candidates, id)
	return nil
}

func (s *Store) DropCandidate(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.candidates[id]; !ok {
		return meta.ErrCandidateNotFound
	}
	delete(s.candidates, id)
	return nil
}

func (s *Store) DeferCandidate(ctx context.Context, id uuid.UUID, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return meta.ErrCandidateNotFound
	}
	c.NextAttemptAt = next
	s.candidates[id] = c
	return nil
}

func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, f meta.Failure) (meta.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return meta.Candidate{}, meta.ErrCandidateNotFound
	}
	c.Attempts++
	c.LastError = f.Err
	c.NextAttemptAt = f.NextAttemptAt
	if f.MaxAttempts > 0 && c.Attempts >= f.MaxAttempts {
		c.Stuck = true
	}
	s.candidates[id] = c
	return copyCandidate(c), nil
}

func (s *Store) ListCandidates(ctx context.Context, stuckOnly bool, limit int) ([]meta.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []meta.Candidate{}
	for _, c := range s.candidates {
		if stuckOnly && !c.Stuck {
			continue
		}
		out = append(out, copyCandidate(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.Before(out[j].MarkedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RequeueCandidate(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return meta.ErrCandidateNotFound
	}
	c.Stuck = false
	c.Attempts = 0
	c.LastError = ""
	c.NextAttemptAt = now
	s.candidates[id] = c
	return nil
}

// --- identity ---

func (s *Store) CreateUser(ctx context.Context, u meta.User) (meta.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (meta.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return meta.User{}, meta.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) CreateAccessKey(ctx context.Context, k meta.AccessKey) (meta.AccessKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[k.UserID]; !ok {
		return meta.AccessKey{}, meta.ErrUserNotFound
	}
	if _, ok := s.keys[k.ID]; ok {
		return meta.AccessKey{}, meta.ErrAccessKeyExists
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	k.SealedSecret = append([]byte(nil), k.SealedSecret...)
	s.keys[k.ID] = k
	return k, nil
}

func (s *Store) GetAccessKey(ctx context.Context, id string) (meta.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return meta.AccessKey{}, meta.ErrAccessKeyNotFound
	}
	k.SealedSecret = append([]byte(nil), k.SealedSecret...)
	return k, nil
}

func (s *Store) RevokeAccessKey(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return meta.ErrAccessKeyNotFound
	}
	if k.RevokedAt == nil {
		k.RevokedAt = &at
	}
	s.keys[id] = k
	return nil
}

// --- helpers ---

func (s *Store) referencedLocked(blobID uuid.UUID) bool {
	for _, keys := range s.objects {
		for _, versions := range keys {
			for _, v := range versions {
				if v.BlobID != nil && *v.BlobID == blobID {
					return true
				}
			}
		}
	}
	for _, u := range s.staged {
		if u.BlobID == blobID {
			return true
		}
	}
	return false
}

func (s *Store) hasBlobCandidate(blobID uuid.UUID) bool {
	for _, c := range s.candidates {
		if c.Kind == meta.CandidateBlob && c.BlobID == blobID {
			return true
		}
	}
	return false
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, k := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func subtractKeys(keys, live []string) []string {
	drop := make(map[string]struct{}, len(live))
	for _, k := range live {
		drop[k] = struct{}{}
	}
	out := keys[:0]
	for _, k := range keys {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func copyBlob(b meta.Blob) meta.Blob {
	b.Parts = append([]meta.BlobPart(nil), b.Parts...)
	if b.Multipart != nil {
		mp := *b.Multipart
		b.Multipart = &mp
	}
	return b
}

func copyVersion(v meta.Version) meta.Version {
	if v.BlobID != nil {
		id := *v.BlobID
		v.BlobID = &id
	}
	return v
}

func copyStaged(u meta.StagedUpload) meta.StagedUpload {
	u.Parts = append([]meta.StagedPart(nil), u.Parts...)
	if u.CommittedVersion != nil {
		n := *u.CommittedVersion
		u.CommittedVersion = &n
	}
	return u
}

func copyCandidate(c meta.Candidate) meta.Candidate {
	c.PartKeys = append([]string(nil), c.PartKeys...)
	return c
}
