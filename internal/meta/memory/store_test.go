package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
)

var testLoc = location.Location{Region: "local", Backend: "mem"}

func TestMarkSkipsReferencedBlobs(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "b1", Location: testLoc})
	live := insertBlob(t, s)
	dead := insertBlob(t, s)
	if _, err := s.PutVersion(ctx, meta.PutVersionInput{Bucket: "b1", Key: "k", BlobID: &live.ID}); err != nil {
		t.Fatalf("PutVersion returned error: %v", err)
	}

	n, err := s.MarkUnreferenced(ctx, 0, now)
	if err != nil {
		t.Fatalf("MarkUnreferenced returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one candidate, got %d", n)
	}
	cands, _ := s.ListCandidates(ctx, false, 0)
	if len(cands) != 1 || cands[0].BlobID != dead.ID {
		t.Fatalf("expected candidate for unreferenced blob, got %+v", cands)
	}

	again, _ := s.MarkUnreferenced(ctx, 0, now)
	if again != 0 {
		t.Fatalf("expected no duplicate candidates, got %d", again)
	}
}

func TestPutVersionRefusesCondemnedBlob(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "b1", Location: testLoc})
	b := insertBlob(t, s)
	_, _ = s.MarkUnreferenced(ctx, 0, time.Now())

	_, err := s.PutVersion(ctx, meta.PutVersionInput{Bucket: "b1", Key: "k", BlobID: &b.ID})
	if !errors.Is(err, meta.ErrBlobCondemned) {
		t.Fatalf("expected ErrBlobCondemned, got %v", err)
	}
}

func TestNonVersionedPutPrunesHistory(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "b1", Location: testLoc})
	first := insertBlob(t, s)
	second := insertBlob(t, s)

	_, _ = s.PutVersion(ctx, meta.PutVersionInput{Bucket: "b1", Key: "k", BlobID: &first.ID})
	v2, _ := s.PutVersion(ctx, meta.PutVersionInput{Bucket: "b1", Key: "k", BlobID: &second.ID})

	versions, _ := s.ListVersions(ctx, "b1", "k")
	if len(versions) != 1 || versions[0].Version != v2.Version {
		t.Fatalf("expected only latest version retained, got %+v", versions)
	}
}

func TestCommittedStagingReturnsSameVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "b1", Location: testLoc})
	b := insertBlob(t, s)
	u, _ := s.CreateStaged(ctx, meta.StagedUpload{ID: uuid.New(), Bucket: "b1", Key: "k", BlobID: b.ID, Location: testLoc})

	in := meta.PutVersionInput{Bucket: "b1", Key: "k", BlobID: &b.ID, StagingID: &u.ID}
	v1, err := s.PutVersion(ctx, in)
	if err != nil {
		t.Fatalf("PutVersion returned error: %v", err)
	}
	v2, err := s.PutVersion(ctx, in)
	if err != nil {
		t.Fatalf("retried PutVersion returned error: %v", err)
	}
	if v1.Version != v2.Version {
		t.Fatalf("expected retry to return version %d, got %d", v1.Version, v2.Version)
	}
}

func TestAbortQueuesOrphanOnlyWithoutBlobRow(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	u, _ := s.CreateStaged(ctx, meta.StagedUpload{ID: uuid.New(), BlobID: uuid.New(), Location: testLoc})
	_, _ = s.RecordPart(ctx, u.ID, meta.StagedPart{Index: 0, Size: 3, Key: "x/00000"})

	if _, err := s.AbortStaged(ctx, u.ID, now); err != nil {
		t.Fatalf("AbortStaged returned error: %v", err)
	}
	cands, _ := s.ListCandidates(ctx, false, 0)
	if len(cands) != 1 || cands[0].Kind != meta.CandidateOrphan || cands[0].PartKeys[0] != "x/00000" {
		t.Fatalf("expected orphan candidate, got %+v", cands)
	}
	if _, err := s.AbortStaged(ctx, u.ID, now); !errors.Is(err, meta.ErrUploadNotFound) {
		t.Fatalf("expected ErrUploadNotFound on second abort, got %v", err)
	}
}

func TestClaimLeasesAndFailureMarksStuck(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	c, _ := s.EnqueueOrphan(ctx, meta.Candidate{BlobID: uuid.New(), Location: testLoc, PartKeys: []string{"k"}, MarkedAt: now})

	claimed, _ := s.ClaimCandidates(ctx, now, time.Minute, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected one claimed candidate, got %d", len(claimed))
	}
	if again, _ := s.ClaimCandidates(ctx, now, time.Minute, 10); len(again) != 0 {
		t.Fatalf("leased candidate must not be claimed twice, got %d", len(again))
	}

	got, err := s.RecordFailure(ctx, c.ID, meta.Failure{Err: "boom", NextAttemptAt: now, MaxAttempts: 1})
	if err != nil {
		t.Fatalf("RecordFailure returned error: %v", err)
	}
	if !got.Stuck || got.Attempts != 1 {
		t.Fatalf("expected stuck candidate after max attempts, got %+v", got)
	}
	if claimed, _ := s.ClaimCandidates(ctx, now.Add(time.Hour), time.Minute, 10); len(claimed) != 0 {
		t.Fatalf("stuck candidates must not be claimed")
	}

	if err := s.RequeueCandidate(ctx, c.ID, now); err != nil {
		t.Fatalf("RequeueCandidate returned error: %v", err)
	}
	if claimed, _ := s.ClaimCandidates(ctx, now, time.Minute, 10); len(claimed) != 1 {
		t.Fatalf("expected requeued candidate to be claimable")
	}
}

func TestDeleteBucketRules(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "plain", Location: testLoc})
	_, _ = s.CreateBucket(ctx, meta.Bucket{Name: "versioned", Location: testLoc, Versioning: true})

	_, _ = s.PutVersion(ctx, meta.PutVersionInput{Bucket: "plain", Key: "gone"})
	if err := s.DeleteBucket(ctx, "plain"); err != nil {
		t.Fatalf("tombstone-only non-versioned bucket should delete, got %v", err)
	}

	_, _ = s.PutVersion(ctx, meta.PutVersionInput{Bucket: "versioned", Key: "gone"})
	if err := s.DeleteBucket(ctx, "versioned"); !errors.Is(err, meta.ErrBucketNotEmpty) {
		t.Fatalf("expected ErrBucketNotEmpty, got %v", err)
	}
}

func insertBlob(t *testing.T, s *Store) meta.Blob {
	t.Helper()
	id := uuid.New()
	b, err := s.InsertBlob(context.Background(), meta.Blob{
		ID:       id,
		Size:     3,
		ETag:     "etag",
		Location: testLoc,
		Parts:    []meta.BlobPart{{Index: 0, Size: 3, ETag: "etag", Key: id.String() + "/00000"}},
	})
	if err != nil {
		t.Fatalf("InsertBlob returned error: %v", err)
	}
	return b
}
