package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abduss/blobgate/internal/apperr"
	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/catalog"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/meta/memory"
	"github.com/abduss/blobgate/internal/staging"
)

var testLoc = location.Location{Region: "local", Backend: "mem"}

type harness struct {
	core    *Core
	store   meta.Store
	backend *backend.Memory
}

func newHarness(t *testing.T, store meta.Store) harness {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	be := backend.NewMemory()
	resolver := location.NewResolver()
	require.NoError(t, resolver.Register(testLoc, be))

	core := New(store, resolver, Options{})
	_, err := core.Catalog.CreateBucket(context.Background(), catalog.CreateBucketInput{Name: "b1"})
	require.NoError(t, err)
	return harness{core: core, store: store, backend: be}
}

func (h harness) put(t *testing.T, key, body string) staging.CommitResult {
	t.Helper()
	res, err := h.core.PutObject(context.Background(), "b1", key, strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return res
}

func (h harness) read(t *testing.T, key string, version *int64) (string, error) {
	t.Helper()
	obj, err := h.core.OpenObject(context.Background(), "b1", key, version)
	if err != nil {
		return "", err
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	return string(data), err
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestGetReturnsLatestNonTombstone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	steps := []struct {
		body   string
		delete bool
	}{
		{body: "a"}, {body: "b"}, {delete: true}, {body: "c"}, {delete: true}, {delete: true}, {body: "d"},
	}
	for i, step := range steps {
		if step.delete {
			_, err := h.core.Catalog.Delete(ctx, "b1", "k")
			require.NoError(t, err)
		} else {
			h.put(t, "k", step.body)
		}

		got, err := h.read(t, "k", nil)
		if step.delete {
			assert.Equal(t, apperr.StatusNotFound, apperr.Public(err), "step %d", i)
			continue
		}
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.body, got, "step %d", i)
	}
}

type event struct {
	op     string
	blobID uuid.UUID
}

// orderedStore records the catalog writes of a commit.
type orderedStore struct {
	*memory.Store

	mu              sync.Mutex
	events          []event
	failPutVersions int
}

func (s *orderedStore) record(op string, id uuid.UUID) {
	s.mu.Lock()
	s.events = append(s.events, event{op: op, blobID: id})
	s.mu.Unlock()
}

func (s *orderedStore) InsertBlob(ctx context.Context, b meta.Blob) (meta.Blob, error) {
	out, err := s.Store.InsertBlob(ctx, b)
	if err == nil {
		s.record("blob", b.ID)
	}
	return out, err
}

func (s *orderedStore) PutVersion(ctx context.Context, in meta.PutVersionInput) (meta.Version, error) {
	s.mu.Lock()
	fail := s.failPutVersions > 0
	if fail {
		s.failPutVersions--
	}
	s.mu.Unlock()
	if fail {
		return meta.Version{}, errors.New("connection reset")
	}

	if in.BlobID != nil {
		// the blob row must already be durable
		if _, err := s.Store.GetBlob(ctx, *in.BlobID); err != nil {
			return meta.Version{}, err
		}
	}
	v, err := s.Store.PutVersion(ctx, in)
	if err == nil && in.BlobID != nil {
		s.record("version", *in.BlobID)
	}
	return v, err
}

func (s *orderedStore) DeleteStaged(ctx context.Context, id uuid.UUID) error {
	err := s.Store.DeleteStaged(ctx, id)
	if err == nil {
		s.record("unstage", uuid.Nil)
	}
	return err
}

func TestCommitRecordsBlobBeforeVersion(t *testing.T) {
	store := &orderedStore{Store: memory.New()}
	h := newHarness(t, store)

	res := h.put(t, "k", "payload")

	require.Len(t, store.events, 3)
	assert.Equal(t, event{op: "blob", blobID: res.BlobID}, store.events[0])
	assert.Equal(t, event{op: "version", blobID: res.BlobID}, store.events[1])
	assert.Equal(t, "unstage", store.events[2].op)
}

func TestCrashBetweenBlobAndVersionIsCollected(t *testing.T) {
	store := &orderedStore{Store: memory.New(), failPutVersions: 1}
	h := newHarness(t, store)
	ctx := context.Background()

	_, err := h.core.PutObject(ctx, "b1", "k", strings.NewReader("payload"), 7)
	require.Error(t, err)
	require.Len(t, store.events, 1, "blob row written, version not")

	_, err = h.core.Catalog.Get(ctx, "b1", "k", nil)
	assert.ErrorIs(t, err, meta.ErrObjectNotFound)

	res, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sweep.Deleted)
	assert.Empty(t, h.backend.Keys())

	_, err = h.store.GetBlob(ctx, store.events[0].blobID)
	assert.ErrorIs(t, err, meta.ErrBlobNotFound)
}

func TestAbortLeavesNoVersionAndCollects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	u, err := h.core.Staging.Begin(ctx, "b1", "k")
	require.NoError(t, err)
	_, err = h.core.Staging.WritePart(ctx, u.ID, 0, strings.NewReader("abc"), 3)
	require.NoError(t, err)
	require.NoError(t, h.core.Staging.Abort(ctx, u.ID))

	_, err = h.core.Catalog.Get(ctx, "b1", "k", nil)
	assert.ErrorIs(t, err, meta.ErrObjectNotFound)
	_, err = h.core.Staging.Commit(ctx, u.ID)
	assert.ErrorIs(t, err, meta.ErrUploadNotFound)

	_, err = h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.backend.Keys())
}

func TestSecondCycleDeletesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.put(t, "k", "one")
	h.put(t, "k", "two")
	h.put(t, "other", "three")
	_, err := h.core.Catalog.Delete(ctx, "b1", "other")
	require.NoError(t, err)

	first, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Sweep.Deleted)
	keys := h.backend.Keys()

	second, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Mark.Marked)
	assert.Zero(t, second.Sweep.Deleted)
	assert.Equal(t, keys, h.backend.Keys())

	got, err := h.read(t, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestSharedBlobSurvivesDeleteOfOneKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res := h.put(t, "a", "shared")
	_, err := h.core.Catalog.Put(ctx, "b1", "b", res.BlobID)
	require.NoError(t, err)
	_, err = h.core.Catalog.Delete(ctx, "b1", "a")
	require.NoError(t, err)

	cycle, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, cycle.Mark.Marked)
	assert.Zero(t, cycle.Sweep.Deleted)
	assert.Len(t, h.backend.Keys(), 1)

	got, err := h.read(t, "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "shared", got)
}

func TestDeleteVersionReleasesLastReference(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.core.Catalog.CreateBucket(ctx, catalog.CreateBucketInput{Name: "hist", Versioning: true})
	require.NoError(t, err)

	old, err := h.core.PutObject(ctx, "hist", "k", strings.NewReader("old"), 3)
	require.NoError(t, err)
	_, err = h.core.PutObject(ctx, "hist", "k", strings.NewReader("new"), 3)
	require.NoError(t, err)

	cycle, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, cycle.Sweep.Deleted, "an older version still references its blob")
	assert.Len(t, h.backend.Keys(), 2)

	require.NoError(t, h.core.Catalog.DeleteVersion(ctx, "hist", "k", old.Version))
	cycle, err = h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Mark.Marked)
	assert.Equal(t, 1, cycle.Sweep.Deleted)
	assert.Len(t, h.backend.Keys(), 1)

	obj, err := h.core.OpenObject(ctx, "hist", "k", nil)
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestDeleteVersionKeepsBlobSharedByNewerVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.core.Catalog.CreateBucket(ctx, catalog.CreateBucketInput{Name: "hist", Versioning: true})
	require.NoError(t, err)

	first, err := h.core.PutObject(ctx, "hist", "k", strings.NewReader("same"), 4)
	require.NoError(t, err)
	_, err = h.core.Catalog.Put(ctx, "hist", "k", first.BlobID)
	require.NoError(t, err)
	require.NoError(t, h.core.Catalog.DeleteVersion(ctx, "hist", "k", first.Version))

	cycle, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, cycle.Sweep.Deleted)
	assert.Len(t, h.backend.Keys(), 1)
}

func TestMultipartRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	parts := []string{strings.Repeat("a", 1024), strings.Repeat("b", 1024), "tail"}

	upload := func(key string) staging.CommitResult {
		u, err := h.core.Staging.Begin(ctx, "b1", key)
		require.NoError(t, err)
		// out of order on purpose
		for _, i := range []int{2, 0, 1} {
			_, err := h.core.Staging.WritePart(ctx, u.ID, i+1, strings.NewReader(parts[i]), int64(len(parts[i])))
			require.NoError(t, err)
		}
		res, err := h.core.Staging.Commit(ctx, u.ID)
		require.NoError(t, err)
		return res
	}

	first := upload("one")
	second := upload("two")

	assert.Equal(t, int64(1024+1024+4), first.Size)
	assert.Equal(t, first.ETag, second.ETag, "etag depends only on part bytes")
	assert.NotEqual(t, first.BlobID, second.BlobID, "identical content still gets a fresh blob")
	assert.True(t, strings.HasSuffix(first.ETag, "-3"))

	b, err := h.store.GetBlob(ctx, first.BlobID)
	require.NoError(t, err)
	require.NotNil(t, b.Multipart)
	assert.Equal(t, 3, b.Multipart.PartCount)

	got, err := h.read(t, "one", nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(parts, ""), got)
}

func TestScenarioPutGetDeleteCollect(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	body := bytes.Repeat([]byte{0x5a}, 1024)

	s1, err := h.core.Staging.Begin(ctx, "b1", "k")
	require.NoError(t, err)
	_, err = h.core.Staging.WritePart(ctx, s1.ID, 0, bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	res, err := h.core.Staging.Commit(ctx, s1.ID)
	require.NoError(t, err)
	bl1 := res.BlobID
	assert.Equal(t, md5hex(string(body)), res.ETag)

	v1, err := h.core.Catalog.Get(ctx, "b1", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, bl1, *v1.BlobID)
	assert.Equal(t, res.Version, v1.Version)

	v2, err := h.core.Catalog.Delete(ctx, "b1", "k")
	require.NoError(t, err)
	assert.True(t, v2.Tombstone())
	assert.Greater(t, v2.Version, v1.Version)

	_, err = h.core.Catalog.Get(ctx, "b1", "k", nil)
	assert.Equal(t, apperr.StatusNotFound, apperr.Public(err))

	cycle, err := h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Sweep.Deleted)
	assert.Empty(t, h.backend.Keys())
	_, err = h.store.GetBlob(ctx, bl1)
	assert.ErrorIs(t, err, meta.ErrBlobNotFound)
}

func TestScenarioConcurrentCommits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ids := make([]uuid.UUID, 2)
	for i := range ids {
		u, err := h.core.Staging.Begin(ctx, "b1", "k")
		require.NoError(t, err)
		body := strings.Repeat(string(rune('x'+i)), 64)
		_, err = h.core.Staging.WritePart(ctx, u.ID, 0, strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		ids[i] = u.ID
	}

	results := make([]staging.CommitResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.core.Staging.Commit(ctx, ids[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotEqual(t, results[0].Version, results[1].Version)

	later := results[0]
	if results[1].Version > later.Version {
		later = results[1]
	}
	got, err := h.core.Catalog.Get(ctx, "b1", "k", nil)
	require.NoError(t, err)
	assert.Equal(t, later.BlobID, *got.BlobID)
}

func TestReadFailsClosedOnCorruption(t *testing.T) {
	h := newHarness(t, nil)
	res := h.put(t, "k", "original")

	b, err := h.store.GetBlob(context.Background(), res.BlobID)
	require.NoError(t, err)
	h.backend.Corrupt(b.Parts[0].Key, []byte("tampered"))

	_, err = h.read(t, "k", nil)
	assert.True(t, apperr.Is(err, apperr.BackendCorrupt), "got %v", err)
	assert.Equal(t, apperr.StatusServiceUnavailable, apperr.Public(err))
}

func TestPutObjectShortBodyLeavesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.core.PutObject(ctx, "b1", "k", strings.NewReader("abc"), 10)
	assert.ErrorIs(t, err, staging.ErrBodySize)

	_, err = h.core.Catalog.Get(ctx, "b1", "k", nil)
	assert.ErrorIs(t, err, meta.ErrObjectNotFound)

	_, err = h.core.Collector.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.backend.Keys())
}

func TestPutObjectRejectsMissingBucket(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.core.PutObject(context.Background(), "nope", "k", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, staging.ErrInvalidBucket)
	assert.Equal(t, apperr.StatusNotFound, apperr.Public(err))
}

type downBackend struct{ *backend.Memory }

func (downBackend) Ping(context.Context) error { return backend.ErrUnavailable }

func TestReadyChecksBackends(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.core.Ready(ctx))

	require.NoError(t, h.core.Resolver.Register(location.Location{Region: "eu", Backend: "down"}, downBackend{backend.NewMemory()}))
	err := h.core.Ready(ctx)
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Contains(t, err.Error(), "eu/down")
}
