package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

// InsertBlob records a blob and its part layout in one transaction.
func (s *Store) InsertBlob(ctx context.Context, b meta.Blob) (meta.Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var partCount *int
	var partSize *int64
	if b.Multipart != nil {
		partCount, partSize = &b.Multipart.PartCount, &b.Multipart.PartSize
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		query := `
INSERT INTO blobs (id, size, etag, part_count, part_size, region, backend)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at;`

		if err := tx.QueryRow(ctx, query, b.ID, b.Size, b.ETag, partCount, partSize, b.Location.Region, b.Location.Backend).Scan(&b.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return meta.ErrBlobExists
			}
			return fmt.Errorf("insert blob: %w", err)
		}

		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"blob_parts"},
			[]string{"blob_id", "part_index", "size", "etag", "backend_key"},
			pgx.CopyFromSlice(len(b.Parts), func(i int) ([]any, error) {
				p := b.Parts[i]
				return []any{b.ID, p.Index, p.Size, p.ETag, p.Key}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert blob parts: %w", err)
		}
		return nil
	})
	if err != nil {
		return meta.Blob{}, err
	}
	return b, nil
}

// GetBlob fetches a blob with its parts ordered by index.
func (s *Store) GetBlob(ctx context.Context, id uuid.UUID) (meta.Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
SELECT id, size, etag, part_count, part_size, region, backend, created_at
FROM blobs
WHERE id = $1;`

	var b meta.Blob
	var partCount *int
	var partSize *int64
	err := s.pool.QueryRow(ctx, query, id).Scan(&b.ID, &b.Size, &b.ETag, &partCount, &partSize, &b.Location.Region, &b.Location.Backend, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.Blob{}, meta.ErrBlobNotFound
		}
		return meta.Blob{}, fmt.Errorf("get blob: %w", err)
	}
	if partCount != nil && partSize != nil {
		b.Multipart = &meta.Multipart{PartCount: *partCount, PartSize: *partSize}
	}

	rows, err := s.pool.Query(ctx, `
SELECT part_index, size, etag, backend_key
FROM blob_parts
WHERE blob_id = $1
ORDER BY part_index;`, id)
	if err != nil {
		return meta.Blob{}, fmt.Errorf("list blob parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p meta.BlobPart
		if err := rows.Scan(&p.Index, &p.Size, &p.ETag, &p.Key); err != nil {
			return meta.Blob{}, fmt.Errorf("scan blob part: %w", err)
		}
		b.Parts = append(b.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return meta.Blob{}, fmt.Errorf("iterate blob parts: %w", err)
	}
	return b, nil
}
