package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/apperr"
	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/meta/memory"
)

var testLoc = location.Location{Region: "local", Backend: "mem"}

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	resolver := location.NewResolver()
	if err := resolver.Register(testLoc, backend.NewMemory()); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	return NewService(store, resolver, nil), store
}

func newBlob(t *testing.T, store *memory.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := store.InsertBlob(context.Background(), meta.Blob{ID: id, Size: 1, ETag: "e", Location: testLoc}); err != nil {
		t.Fatalf("InsertBlob returned error: %v", err)
	}
	return id
}

func TestValidateBucketName(t *testing.T) {
	valid := []string{"b1", "x", "abc", "my-bucket", "logs.2024", "a1b"}
	for _, name := range valid {
		if err := ValidateBucketName(name); err != nil {
			t.Fatalf("%q should be valid: %v", name, err)
		}
	}
	invalid := []string{"", "-", "b-", "Upper", "-lead", "trail-", "double..dot", "under_score", string(make([]byte, 64))}
	for _, name := range invalid {
		if err := ValidateBucketName(name); !errors.Is(err, ErrInvalidBucketName) {
			t.Fatalf("%q should be invalid, got %v", name, err)
		}
	}
}

func TestCreateBucketUsesDefaultLocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	b, err := svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})
	if err != nil {
		t.Fatalf("CreateBucket returned error: %v", err)
	}
	if b.Location != testLoc {
		t.Fatalf("expected default location, got %s", b.Location)
	}

	_, err = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})
	if apperr.Public(err) != apperr.StatusConflict {
		t.Fatalf("expected Conflict for duplicate, got %v", err)
	}

	_, err = svc.CreateBucket(ctx, CreateBucketInput{Name: "elsewhere", Location: location.Location{Region: "x", Backend: "y"}})
	if !errors.Is(err, location.ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestLatestWins(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos", Versioning: true})

	first, second := newBlob(t, store), newBlob(t, store)
	if _, err := svc.Put(ctx, "photos", "k", first); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	v2, err := svc.Put(ctx, "photos", "k", second)
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	got, err := svc.Get(ctx, "photos", "k", nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Version != v2.Version || *got.BlobID != second {
		t.Fatalf("expected latest version %d, got %+v", v2.Version, got)
	}
}

func TestDeleteHidesKey(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos", Versioning: true})

	v1, _ := svc.Put(ctx, "photos", "k", newBlob(t, store))
	tomb, err := svc.Delete(ctx, "photos", "k")
	if err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	if _, err := svc.Get(ctx, "photos", "k", nil); apperr.Public(err) != apperr.StatusNotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if _, err := svc.Get(ctx, "photos", "k", &tomb.Version); !errors.Is(err, ErrDeleteMarker) {
		t.Fatalf("expected ErrDeleteMarker for tombstone version, got %v", err)
	}
	if old, err := svc.Get(ctx, "photos", "k", &v1.Version); err != nil || old.Version != v1.Version {
		t.Fatalf("expected prior version to stay readable, got %+v, %v", old, err)
	}

	history, _ := svc.ListVersions(ctx, "photos", "k")
	if len(history) != 2 || !history[0].Tombstone() {
		t.Fatalf("expected tombstone on top of history, got %+v", history)
	}
}

func TestPutRefusesUnknownBlob(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})

	if _, err := svc.Put(ctx, "photos", "k", uuid.New()); !errors.Is(err, meta.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
	if _, err := svc.Put(ctx, "photos", "", uuid.New()); !errors.Is(err, meta.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestListPagesInKeyOrder(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})

	for i := 4; i >= 0; i-- {
		if _, err := svc.Put(ctx, "photos", fmt.Sprintf("img/%d", i), newBlob(t, store)); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}
	_, _ = svc.Put(ctx, "photos", "other", newBlob(t, store))
	_, _ = svc.Delete(ctx, "photos", "img/2")

	page, err := svc.List(ctx, "photos", ListOptions{Prefix: "img/", Limit: 2})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if !page.IsTruncated || len(page.Objects) != 2 || page.Objects[0].Key != "img/0" || page.Objects[1].Key != "img/1" {
		t.Fatalf("unexpected first page %+v", page)
	}

	page, err = svc.List(ctx, "photos", ListOptions{Prefix: "img/", Limit: 2, ContinuationToken: page.NextContinuationToken})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(page.Objects) != 2 || page.Objects[0].Key != "img/3" || page.Objects[1].Key != "img/4" || page.IsTruncated {
		t.Fatalf("unexpected second page %+v", page)
	}

	if _, err := svc.List(ctx, "photos", ListOptions{ContinuationToken: "%%%"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAllWalksEveryPage(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})
	for i := 0; i < 3; i++ {
		_, _ = svc.Put(ctx, "photos", fmt.Sprintf("k%d", i), newBlob(t, store))
	}

	var keys []string
	for v, err := range svc.All(ctx, "photos", "") {
		if err != nil {
			t.Fatalf("All yielded error: %v", err)
		}
		keys = append(keys, v.Key)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %v", keys)
	}

	for _, err := range svc.All(ctx, "missing", "") {
		if !errors.Is(err, meta.ErrBucketNotFound) {
			t.Fatalf("expected ErrBucketNotFound, got %v", err)
		}
	}
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.CreateBucket(ctx, CreateBucketInput{Name: "photos"})
	_, _ = svc.Put(ctx, "photos", "k", newBlob(t, store))

	if err := svc.DeleteBucket(ctx, "photos"); !errors.Is(err, meta.ErrBucketNotEmpty) {
		t.Fatalf("expected ErrBucketNotEmpty, got %v", err)
	}
	_, _ = svc.Delete(ctx, "photos", "k")
	if err := svc.DeleteBucket(ctx, "photos"); err != nil {
		t.Fatalf("DeleteBucket returned error: %v", err)
	}
	if err := svc.DeleteBucket(ctx, "photos"); apperr.Public(err) != apperr.StatusNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
