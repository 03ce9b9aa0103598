package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if err := store.Put(ctx, "a/00000", bytes.NewReader([]byte("hello")), 5); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	rc, err := store.Get(ctx, "a/00000")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Fatalf("unexpected payload %q", data)
	}

	if err := store.Delete(ctx, "a/00000"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := store.Delete(ctx, "a/00000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := store.Get(ctx, "a/00000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on get, got %v", err)
	}
}

func TestMemoryPutOverwritesKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_ = store.Put(ctx, "k", bytes.NewReader([]byte("one")), 3)
	_ = store.Put(ctx, "k", bytes.NewReader([]byte("three")), 5)

	if keys := store.Keys(); len(keys) != 1 {
		t.Fatalf("expected a single key after overwrite, got %v", keys)
	}
	rc, _ := store.Get(ctx, "k")
	data, _ := io.ReadAll(rc)
	if string(data) != "three" {
		t.Fatalf("expected overwritten payload, got %q", data)
	}
}

func TestMemoryRejectsShortPayload(t *testing.T) {
	store := NewMemory()
	if err := store.Put(context.Background(), "k", bytes.NewReader([]byte("abc")), 10); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
	if len(store.Keys()) != 0 {
		t.Fatalf("short payload must not be stored")
	}
}
