package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

// partitionName derives a fixed-length identifier so long bucket names never
// hit the 63 byte identifier limit.
func partitionName(bucket string) string {
	sum := md5.Sum([]byte(bucket))
	return "objects_" + hex.EncodeToString(sum[:])[:24]
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

const bucketColumns = `name, owner_id, region, backend, versioning, created_at`

func scanBucket(row pgx.Row) (meta.Bucket, error) {
	var b meta.Bucket
	err := row.Scan(&b.Name, &b.OwnerID, &b.Location.Region, &b.Location.Backend, &b.Versioning, &b.CreatedAt)
	return b, err
}

// CreateBucket inserts the bucket row and its objects partition atomically.
func (s *Store) CreateBucket(ctx context.Context, b meta.Bucket) (meta.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var created meta.Bucket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		query := `
INSERT INTO buckets (name, owner_id, region, backend, versioning)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + bucketColumns + `;`

		var err error
		created, err = scanBucket(tx.QueryRow(ctx, query, b.Name, b.OwnerID, b.Location.Region, b.Location.Backend, b.Versioning))
		if err != nil {
			if isUniqueViolation(err) {
				return meta.ErrBucketExists
			}
			return fmt.Errorf("create bucket: %w", err)
		}

		ddl := fmt.Sprintf(`CREATE TABLE %s PARTITION OF objects FOR VALUES IN (%s)`,
			pgx.Identifier{partitionName(b.Name)}.Sanitize(), quoteLiteral(b.Name))
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create partition: %w", err)
		}
		return nil
	})
	if err != nil {
		return meta.Bucket{}, err
	}
	return created, nil
}

// GetBucket fetches a bucket by name.
func (s *Store) GetBucket(ctx context.Context, name string) (meta.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `SELECT ` + bucketColumns + ` FROM buckets WHERE name = $1;`
	b, err := scanBucket(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.Bucket{}, meta.ErrBucketNotFound
		}
		return meta.Bucket{}, fmt.Errorf("get bucket: %w", err)
	}
	return b, nil
}

// ListBuckets returns buckets owned by ownerID, or every bucket for uuid.Nil.
func (s *Store) ListBuckets(ctx context.Context, ownerID uuid.UUID) ([]meta.Bucket, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
SELECT ` + bucketColumns + `
FROM buckets
WHERE $1::uuid = '00000000-0000-0000-0000-000000000000' OR owner_id = $1
ORDER BY name;`

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	buckets := []meta.Bucket{}
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}

// SetVersioning toggles versioning on a bucket.
func (s *Store) SetVersioning(ctx context.Context, name string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE buckets SET versioning = $2 WHERE name = $1;`, name, enabled)
	if err != nil {
		return fmt.Errorf("set versioning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrBucketNotFound
	}
	return nil
}

// DeleteBucket drops an empty bucket and its partition. Tombstone-only keys
// do not keep a non-versioned bucket alive.
func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		var versioning bool
		err := tx.QueryRow(ctx, `SELECT versioning FROM buckets WHERE name = $1 FOR UPDATE;`, name).Scan(&versioning)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return meta.ErrBucketNotFound
			}
			return fmt.Errorf("lock bucket: %w", err)
		}

		query := `SELECT EXISTS (SELECT 1 FROM objects WHERE bucket = $1 AND ($2 OR blob_id IS NOT NULL));`
		var occupied bool
		if err := tx.QueryRow(ctx, query, name, versioning).Scan(&occupied); err != nil {
			return fmt.Errorf("check bucket contents: %w", err)
		}
		if occupied {
			return meta.ErrBucketNotEmpty
		}

		ddl := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{partitionName(name)}.Sanitize())
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("drop partition: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM buckets WHERE name = $1;`, name); err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		return nil
	})
}
