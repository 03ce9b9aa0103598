package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

// PutVersion appends a version for (bucket, key). Writers on one key are
// serialised by an advisory lock; the sequence orders their versions.
func (s *Store) PutVersion(ctx context.Context, in meta.PutVersionInput) (meta.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var out meta.Version
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if in.StagingID != nil {
			var committed *int64
			err := tx.QueryRow(ctx, `SELECT committed_version FROM staged_uploads WHERE id = $1 FOR UPDATE;`, *in.StagingID).Scan(&committed)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return meta.ErrUploadNotFound
				}
				return fmt.Errorf("lock staged upload: %w", err)
			}
			if committed != nil {
				v, err := getVersion(ctx, tx, in.Bucket, in.Key, committed)
				if errors.Is(err, meta.ErrVersionNotFound) {
					// pruned since; report what was committed
					out = meta.Version{Bucket: in.Bucket, Key: in.Key, Version: *committed, BlobID: in.BlobID}
					return nil
				}
				out = v
				return err
			}
		}

		var versioning bool
		if err := tx.QueryRow(ctx, `SELECT versioning FROM buckets WHERE name = $1 FOR SHARE;`, in.Bucket).Scan(&versioning); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return meta.ErrBucketNotFound
			}
			return fmt.Errorf("lock bucket: %w", err)
		}

		out = meta.Version{Bucket: in.Bucket, Key: in.Key, BlobID: in.BlobID}
		if in.BlobID != nil {
			lock := `SELECT size, etag FROM blobs WHERE id = $1 FOR SHARE;`
			if err := tx.QueryRow(ctx, lock, *in.BlobID).Scan(&out.Size, &out.ETag); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return meta.ErrBlobNotFound
				}
				return fmt.Errorf("lock blob: %w", err)
			}
			// Checked after the row lock so the statement snapshot includes
			// any candidate committed while the lock was awaited.
			condemned, err := blobCondemned(ctx, tx, *in.BlobID)
			if err != nil {
				return err
			}
			if condemned {
				return meta.ErrBlobCondemned
			}
		}

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, in.Bucket+"\x00"+in.Key); err != nil {
			return fmt.Errorf("lock key: %w", err)
		}

		insert := `
INSERT INTO objects (bucket, object_key, blob_id)
VALUES ($1, $2, $3)
RETURNING version, last_modified;`
		if err := tx.QueryRow(ctx, insert, in.Bucket, in.Key, in.BlobID).Scan(&out.Version, &out.LastModified); err != nil {
			if isUniqueViolation(err) {
				return meta.ErrVersionConflict
			}
			return fmt.Errorf("insert version: %w", err)
		}

		if !versioning {
			prune := `DELETE FROM objects WHERE bucket = $1 AND object_key = $2 AND version < $3;`
			if _, err := tx.Exec(ctx, prune, in.Bucket, in.Key, out.Version); err != nil {
				return fmt.Errorf("prune versions: %w", err)
			}
		}

		if in.StagingID != nil {
			if _, err := tx.Exec(ctx, `UPDATE staged_uploads SET committed_version = $2 WHERE id = $1;`, *in.StagingID, out.Version); err != nil {
				return fmt.Errorf("stamp staged upload: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return meta.Version{}, err
	}
	return out, nil
}

func blobCondemned(ctx context.Context, q querier, blobID uuid.UUID) (bool, error) {
	var condemned bool
	query := `SELECT EXISTS (SELECT 1 FROM gc_candidates WHERE blob_id = $1 AND kind = 'blob');`
	if err := q.QueryRow(ctx, query, blobID).Scan(&condemned); err != nil {
		return false, fmt.Errorf("check gc candidates: %w", err)
	}
	return condemned, nil
}

const versionColumns = `o.object_key, o.version, o.blob_id, o.last_modified, COALESCE(b.size, 0), COALESCE(b.etag, '')`

func scanVersion(bucket string, row pgx.Row) (meta.Version, error) {
	v := meta.Version{Bucket: bucket}
	err := row.Scan(&v.Key, &v.Version, &v.BlobID, &v.LastModified, &v.Size, &v.ETag)
	return v, err
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getVersion(ctx context.Context, q querier, bucket, key string, version *int64) (meta.Version, error) {
	query := `
SELECT ` + versionColumns + `
FROM objects o
LEFT JOIN blobs b ON b.id = o.blob_id
WHERE o.bucket = $1 AND o.object_key = $2 AND ($3::bigint IS NULL OR o.version = $3)
ORDER BY o.version DESC
LIMIT 1;`

	v, err := scanVersion(bucket, q.QueryRow(ctx, query, bucket, key, version))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return meta.Version{}, fmt.Errorf("get version: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM buckets WHERE name = $1);`, bucket).Scan(&exists); err != nil {
		return meta.Version{}, fmt.Errorf("check bucket: %w", err)
	}
	switch {
	case !exists:
		return meta.Version{}, meta.ErrBucketNotFound
	case version != nil:
		return meta.Version{}, meta.ErrVersionNotFound
	default:
		return meta.Version{}, meta.ErrObjectNotFound
	}
}

// GetVersion returns the latest version, or the exact one when version is set.
func (s *Store) GetVersion(ctx context.Context, bucket, key string, version *int64) (meta.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()
	return getVersion(ctx, s.pool, bucket, key, version)
}

// DeleteVersion removes one version from a key's history.
func (s *Store) DeleteVersion(ctx context.Context, bucket, key string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1));`, bucket+"\x00"+key); err != nil {
			return fmt.Errorf("lock key: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM objects WHERE bucket = $1 AND object_key = $2 AND version = $3;`, bucket, key, version)
		if err != nil {
			return fmt.Errorf("delete version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := s.ensureBucket(ctx, tx, bucket); err != nil {
				return err
			}
			return meta.ErrVersionNotFound
		}
		return nil
	})
}

// ListLatest pages the newest non-tombstone version of each key in key order.
func (s *Store) ListLatest(ctx context.Context, bucket string, q meta.ListQuery) ([]meta.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	if err := s.ensureBucket(ctx, s.pool, bucket); err != nil {
		return nil, err
	}

	var limit *int
	if q.Limit > 0 {
		limit = &q.Limit
	}

	query := `
SELECT object_key, version, blob_id, last_modified, size, etag
FROM (
  SELECT DISTINCT ON (o.object_key)
         o.object_key,
         o.version,
         o.blob_id,
         o.last_modified,
         COALESCE(b.size, 0) AS size,
         COALESCE(b.etag, '') AS etag
  FROM objects o
  LEFT JOIN blobs b ON b.id = o.blob_id
  WHERE o.bucket = $1 AND starts_with(o.object_key, $2) AND o.object_key > $3
  ORDER BY o.object_key, o.version DESC
) latest
WHERE blob_id IS NOT NULL
ORDER BY object_key
LIMIT $4;`

	return s.queryVersions(ctx, bucket, query, bucket, q.Prefix, q.After, limit)
}

// ListVersions returns a key's full history, newest first.
func (s *Store) ListVersions(ctx context.Context, bucket, key string) ([]meta.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	if err := s.ensureBucket(ctx, s.pool, bucket); err != nil {
		return nil, err
	}

	query := `
SELECT ` + versionColumns + `
FROM objects o
LEFT JOIN blobs b ON b.id = o.blob_id
WHERE o.bucket = $1 AND o.object_key = $2
ORDER BY o.version DESC;`

	return s.queryVersions(ctx, bucket, query, bucket, key)
}

func (s *Store) queryVersions(ctx context.Context, bucket, query string, args ...any) ([]meta.Version, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := []meta.Version{}
	for rows.Next() {
		v, err := scanVersion(bucket, rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

func (s *Store) ensureBucket(ctx context.Context, q querier, bucket string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM buckets WHERE name = $1);`, bucket).Scan(&exists); err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return meta.ErrBucketNotFound
	}
	return nil
}
