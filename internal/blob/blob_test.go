package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/meta"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestPartKeyLayout(t *testing.T) {
	id := uuid.MustParse("5f0c7a52-6b5e-4a3e-9a43-3c1f1e4b2d10")
	got := PartKey(id, 7, "abc")
	if got != "5f0c7a52-6b5e-4a3e-9a43-3c1f1e4b2d10/00007.abc" {
		t.Fatalf("unexpected key %q", got)
	}
	if NewNonce() == NewNonce() {
		t.Fatalf("expected distinct nonces")
	}
}

func TestComputeETagSinglePart(t *testing.T) {
	tag, err := ComputeETag([]string{md5hex("hello")})
	if err != nil {
		t.Fatalf("ComputeETag returned error: %v", err)
	}
	if tag != md5hex("hello") {
		t.Fatalf("single part tag should be the part md5, got %q", tag)
	}
}

func TestComputeETagMultipart(t *testing.T) {
	a, b := md5.Sum([]byte("aaa")), md5.Sum([]byte("bbb"))
	joined := md5.Sum(append(a[:], b[:]...))
	want := hex.EncodeToString(joined[:]) + "-2"

	tag, err := ComputeETag([]string{hex.EncodeToString(a[:]), hex.EncodeToString(b[:])})
	if err != nil {
		t.Fatalf("ComputeETag returned error: %v", err)
	}
	if tag != want {
		t.Fatalf("expected %q, got %q", want, tag)
	}
}

func TestComputeETagRejectsGarbage(t *testing.T) {
	if _, err := ComputeETag([]string{"not-hex"}); !errors.Is(err, ErrInvalidETag) {
		t.Fatalf("expected ErrInvalidETag, got %v", err)
	}
}

func TestHasherTracksSizeAndDigest(t *testing.T) {
	h := NewHasher(strings.NewReader("payload"))
	if _, err := io.Copy(io.Discard, h); err != nil {
		t.Fatalf("copy returned error: %v", err)
	}
	if h.Size() != 7 || h.ETag() != md5hex("payload") {
		t.Fatalf("unexpected size %d etag %s", h.Size(), h.ETag())
	}
}

func storeParts(t *testing.T, store *backend.Memory, chunks ...string) meta.Blob {
	t.Helper()
	id := uuid.New()
	b := meta.Blob{ID: id}
	for i, c := range chunks {
		key := PartKey(id, i, "n")
		if err := store.Put(context.Background(), key, strings.NewReader(c), int64(len(c))); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
		b.Parts = append(b.Parts, meta.BlobPart{Index: i, Size: int64(len(c)), ETag: md5hex(c), Key: key})
		b.Size += int64(len(c))
	}
	return b
}

func TestReaderConcatenatesParts(t *testing.T) {
	store := backend.NewMemory()
	b := storeParts(t, store, "hello ", "", "world")

	r := Open(context.Background(), store, b)
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll returned error: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestReaderFailsClosedOnCorruption(t *testing.T) {
	store := backend.NewMemory()
	b := storeParts(t, store, "first", "second")
	store.Corrupt(b.Parts[1].Key, []byte("SECOND"))

	_, err := io.ReadAll(Open(context.Background(), store, b))
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestReaderReportsMissingPartAsCorrupt(t *testing.T) {
	store := backend.NewMemory()
	b := storeParts(t, store, "only")
	if err := store.Delete(context.Background(), b.Parts[0].Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, Open(context.Background(), store, b)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestReaderZeroLengthReadReturns(t *testing.T) {
	store := backend.NewMemory()
	b := storeParts(t, store, "payload")
	r := Open(context.Background(), store, b)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		n, err := r.Read(nil)
		if n != 0 {
			err = errors.New("read bytes into an empty buffer")
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Read(nil) returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read(nil) did not return")
	}

	data, err := io.ReadAll(r)
	if err != nil || string(data) != "payload" {
		t.Fatalf("unexpected payload %q, err %v", data, err)
	}
}
