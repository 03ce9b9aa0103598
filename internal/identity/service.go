// Package identity issues and resolves the access keys that authenticate
// gateway requests.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/meta"
)

const (
	accessKeyPrefix   = "BG"
	accessKeyIDLength = 18
	secretLength      = 30
	maxNameLength     = 128
	maxIssueAttempts  = 3
)

// Principal is the identity behind an authenticated request.
type Principal struct {
	UserID      uuid.UUID `json:"user_id"`
	AccessKeyID string    `json:"access_key_id"`

	secret string
}

// Secret returns the plaintext secret, for request signature checks.
func (p Principal) Secret() string { return p.secret }

// Credentials are returned once, when a key is issued.
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	UserID          uuid.UUID `json:"user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Service manages users and their access keys.
type Service struct {
	store   meta.IdentityStore
	sealer  *Sealer
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewService creates a Service. A nil logger discards output.
func NewService(store meta.IdentityStore, sealer *Sealer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, sealer: sealer, log: log.Named("identity"), nowFunc: time.Now}
}

// CreateUser registers a user.
func (s *Service) CreateUser(ctx context.Context, displayName string) (meta.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" || len(displayName) > maxNameLength {
		return meta.User{}, ErrInvalidName
	}
	u, err := s.store.CreateUser(ctx, meta.User{
		ID:          uuid.New(),
		DisplayName: displayName,
		CreatedAt:   s.nowFunc().UTC(),
	})
	if err != nil {
		return meta.User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user created", zap.Stringer("user_id", u.ID))
	return u, nil
}

// IssueAccessKey creates a new key for userID. The secret is only ever
// returned here.
func (s *Service) IssueAccessKey(ctx context.Context, userID uuid.UUID) (Credentials, error) {
	secret, err := randomSecret()
	if err != nil {
		return Credentials{}, fmt.Errorf("generate secret: %w", err)
	}
	sealed, err := s.sealer.Seal([]byte(secret))
	if err != nil {
		return Credentials{}, err
	}

	for attempt := 0; ; attempt++ {
		id, err := randomKeyID()
		if err != nil {
			return Credentials{}, fmt.Errorf("generate key id: %w", err)
		}
		key, err := s.store.CreateAccessKey(ctx, meta.AccessKey{
			ID:           id,
			UserID:       userID,
			SealedSecret: sealed,
			CreatedAt:    s.nowFunc().UTC(),
		})
		if errors.Is(err, meta.ErrAccessKeyExists) && attempt+1 < maxIssueAttempts {
			continue
		}
		if err != nil {
			return Credentials{}, fmt.Errorf("create access key: %w", err)
		}
		s.log.Info("access key issued", zap.Stringer("user_id", userID), zap.String("access_key_id", key.ID))
		return Credentials{
			AccessKeyID:     key.ID,
			SecretAccessKey: secret,
			UserID:          key.UserID,
			CreatedAt:       key.CreatedAt,
		}, nil
	}
}

// ResolveAccessKey returns the principal for a live key.
func (s *Service) ResolveAccessKey(ctx context.Context, id string) (Principal, error) {
	if strings.TrimSpace(id) == "" {
		return Principal{}, ErrInvalidAccessKey
	}
	key, err := s.store.GetAccessKey(ctx, id)
	if err != nil {
		if errors.Is(err, meta.ErrAccessKeyNotFound) {
			return Principal{}, ErrInvalidAccessKey
		}
		return Principal{}, fmt.Errorf("get access key: %w", err)
	}
	if key.RevokedAt != nil {
		return Principal{}, ErrInvalidAccessKey
	}
	secret, err := s.sealer.Open(key.SealedSecret)
	if err != nil {
		return Principal{}, fmt.Errorf("open secret for %s: %w", id, err)
	}
	return Principal{UserID: key.UserID, AccessKeyID: key.ID, secret: string(secret)}, nil
}

// Authenticate resolves id and checks the presented secret.
func (s *Service) Authenticate(ctx context.Context, id, secret string) (Principal, error) {
	p, err := s.ResolveAccessKey(ctx, id)
	if err != nil {
		return Principal{}, err
	}
	if subtle.ConstantTimeCompare([]byte(p.secret), []byte(secret)) != 1 {
		return Principal{}, ErrInvalidAccessKey
	}
	return p, nil
}

// Revoke disables a key. Revoking twice keeps the first timestamp.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.store.RevokeAccessKey(ctx, id, s.nowFunc().UTC()); err != nil {
		if errors.Is(err, meta.ErrAccessKeyNotFound) {
			return ErrInvalidAccessKey
		}
		return fmt.Errorf("revoke access key: %w", err)
	}
	s.log.Info("access key revoked", zap.String("access_key_id", id))
	return nil
}

func randomKeyID() (string, error) {
	raw := make([]byte, accessKeyIDLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return accessKeyPrefix + enc[:accessKeyIDLength], nil
}

func randomSecret() (string, error) {
	raw := make([]byte, secretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
