// Package blob derives backend keys and integrity tags for blob parts and
// reads committed blobs back with per-part verification.
package blob

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/google/uuid"
)

// MaxPartIndex is the highest part index an upload may use.
const MaxPartIndex = 10000

// PartKey is the backend key for one attempt at writing part index of a blob.
// The nonce keeps a rewritten part from landing on bytes a commit captured.
func PartKey(blobID uuid.UUID, index int, nonce string) string {
	return fmt.Sprintf("%s/%05d.%s", blobID, index, nonce)
}

// NewNonce returns a short random suffix for PartKey.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ComputeETag derives the aggregate tag from part md5 hex digests in index
// order: the digest itself for one part, the S3 multipart form otherwise.
func ComputeETag(partETags []string) (string, error) {
	if len(partETags) == 1 {
		if _, err := decodeMD5(partETags[0]); err != nil {
			return "", err
		}
		return partETags[0], nil
	}

	h := md5.New()
	for _, tag := range partETags {
		sum, err := decodeMD5(tag)
		if err != nil {
			return "", err
		}
		h.Write(sum)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(partETags)), nil
}

func decodeMD5(tag string) ([]byte, error) {
	sum, err := hex.DecodeString(tag)
	if err != nil || len(sum) != md5.Size {
		return nil, fmt.Errorf("%q: %w", tag, ErrInvalidETag)
	}
	return sum, nil
}

// Hasher tees a part body through md5 and counts its bytes.
type Hasher struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHasher wraps r.
func NewHasher(r io.Reader) *Hasher {
	h := md5.New()
	return &Hasher{r: io.TeeReader(r, h), h: h}
}

func (h *Hasher) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	h.n += int64(n)
	return n, err
}

// Size is the number of bytes read so far.
func (h *Hasher) Size() int64 { return h.n }

// ETag is the md5 hex of the bytes read so far.
func (h *Hasher) ETag() string { return hex.EncodeToString(h.h.Sum(nil)) }
