package identity

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/meta/memory"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	sealer, err := ParseSealKey(testKeyHex)
	if err != nil {
		t.Fatalf("ParseSealKey returned error: %v", err)
	}
	store := memory.New()
	return NewService(store, sealer, nil), store
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, _ := ParseSealKey(testKeyHex)

	a, err := sealer.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	b, _ := sealer.Seal([]byte("secret"))
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct nonces per seal")
	}

	plain, err := sealer.Open(a)
	if err != nil || string(plain) != "secret" {
		t.Fatalf("Open returned %q, %v", plain, err)
	}

	a[len(a)-1] ^= 0xff
	if _, err := sealer.Open(a); !ErrSeal.Has(err) {
		t.Fatalf("expected seal error for tampered box, got %v", err)
	}
	if _, err := sealer.Open([]byte("short")); !ErrSeal.Has(err) {
		t.Fatalf("expected seal error for short input, got %v", err)
	}
}

func TestParseSealKeyRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "zz", "0011"} {
		if _, err := ParseSealKey(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, "  ops  ")
	if err != nil {
		t.Fatalf("CreateUser returned error: %v", err)
	}
	if user.DisplayName != "ops" {
		t.Fatalf("expected trimmed display name, got %q", user.DisplayName)
	}

	creds, err := svc.IssueAccessKey(ctx, user.ID)
	if err != nil {
		t.Fatalf("IssueAccessKey returned error: %v", err)
	}
	if !strings.HasPrefix(creds.AccessKeyID, accessKeyPrefix) || len(creds.AccessKeyID) != len(accessKeyPrefix)+accessKeyIDLength {
		t.Fatalf("unexpected key id %q", creds.AccessKeyID)
	}

	stored, _ := store.GetAccessKey(ctx, creds.AccessKeyID)
	if bytes.Contains(stored.SealedSecret, []byte(creds.SecretAccessKey)) {
		t.Fatalf("secret must not be stored in plaintext")
	}

	p, err := svc.Authenticate(ctx, creds.AccessKeyID, creds.SecretAccessKey)
	if err != nil {
		t.Fatalf("Authenticate returned error: %v", err)
	}
	if p.UserID != user.ID || p.Secret() != creds.SecretAccessKey {
		t.Fatalf("unexpected principal %+v", p)
	}

	if _, err := svc.Authenticate(ctx, creds.AccessKeyID, "wrong"); !errors.Is(err, ErrInvalidAccessKey) {
		t.Fatalf("expected ErrInvalidAccessKey for wrong secret, got %v", err)
	}
}

func TestIssueForUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.IssueAccessKey(context.Background(), uuid.New()); !errors.Is(err, meta.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestResolveMissingOrRevokedKey(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.ResolveAccessKey(ctx, "BGNOPE"); !errors.Is(err, ErrInvalidAccessKey) {
		t.Fatalf("expected ErrInvalidAccessKey, got %v", err)
	}
	if _, err := svc.ResolveAccessKey(ctx, " "); !errors.Is(err, ErrInvalidAccessKey) {
		t.Fatalf("expected ErrInvalidAccessKey for blank id, got %v", err)
	}

	user, _ := svc.CreateUser(ctx, "ops")
	creds, _ := svc.IssueAccessKey(ctx, user.ID)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.nowFunc = func() time.Time { return first }
	if err := svc.Revoke(ctx, creds.AccessKeyID); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	svc.nowFunc = func() time.Time { return first.Add(time.Hour) }
	if err := svc.Revoke(ctx, creds.AccessKeyID); err != nil {
		t.Fatalf("second Revoke returned error: %v", err)
	}
	if k, _ := store.GetAccessKey(ctx, creds.AccessKeyID); k.RevokedAt == nil || !k.RevokedAt.Equal(first) {
		t.Fatalf("expected first revoke time to stick, got %v", k.RevokedAt)
	}

	if _, err := svc.ResolveAccessKey(ctx, creds.AccessKeyID); !errors.Is(err, ErrInvalidAccessKey) {
		t.Fatalf("expected ErrInvalidAccessKey after revoke, got %v", err)
	}
	if err := svc.Revoke(ctx, "BGNOPE"); !errors.Is(err, ErrInvalidAccessKey) {
		t.Fatalf("expected ErrInvalidAccessKey revoking unknown key, got %v", err)
	}
}

func TestCreateUserRejectsBlankName(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.CreateUser(context.Background(), "   "); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}
