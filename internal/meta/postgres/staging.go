package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

const stagedColumns = `id, bucket, object_key, blob_id, region, backend, sealed, committed_version, created_at, updated_at`

func scanStaged(row pgx.Row) (meta.StagedUpload, error) {
	var u meta.StagedUpload
	var bucket, key *string
	err := row.Scan(&u.ID, &bucket, &key, &u.BlobID, &u.Location.Region, &u.Location.Backend,
		&u.Sealed, &u.CommittedVersion, &u.CreatedAt, &u.UpdatedAt)
	if bucket != nil {
		u.Bucket = *bucket
	}
	if key != nil {
		u.Key = *key
	}
	return u, err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateStaged opens a staged upload. Bucket and Key may be empty.
func (s *Store) CreateStaged(ctx context.Context, u meta.StagedUpload) (meta.StagedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
INSERT INTO staged_uploads (id, bucket, object_key, blob_id, region, backend)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING ` + stagedColumns + `;`

	created, err := scanStaged(s.pool.QueryRow(ctx, query,
		u.ID, nullString(u.Bucket), nullString(u.Key), u.BlobID, u.Location.Region, u.Location.Backend))
	if err != nil {
		if isUniqueViolation(err) {
			return meta.StagedUpload{}, meta.ErrBlobExists
		}
		return meta.StagedUpload{}, fmt.Errorf("create staged upload: %w", err)
	}
	return created, nil
}

// GetStaged loads an upload with its parts ordered by index.
func (s *Store) GetStaged(ctx context.Context, id uuid.UUID) (meta.StagedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()
	return getStaged(ctx, s.pool, id, false)
}

type rowQuerier interface {
	querier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func getStaged(ctx context.Context, q rowQuerier, id uuid.UUID, lock bool) (meta.StagedUpload, error) {
	query := `SELECT ` + stagedColumns + ` FROM staged_uploads WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	u, err := scanStaged(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.StagedUpload{}, meta.ErrUploadNotFound
		}
		return meta.StagedUpload{}, fmt.Errorf("get staged upload: %w", err)
	}

	rows, err := q.Query(ctx, `
SELECT part_index, size, etag, backend_key, updated_at
FROM staged_parts
WHERE staging_id = $1
ORDER BY part_index;`, id)
	if err != nil {
		return meta.StagedUpload{}, fmt.Errorf("list staged parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p meta.StagedPart
		if err := rows.Scan(&p.Index, &p.Size, &p.ETag, &p.Key, &p.UpdatedAt); err != nil {
			return meta.StagedUpload{}, fmt.Errorf("scan staged part: %w", err)
		}
		u.Parts = append(u.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return meta.StagedUpload{}, fmt.Errorf("iterate staged parts: %w", err)
	}
	return u, nil
}

// BindStaged attaches a target key to an upload.
func (s *Store) BindStaged(ctx context.Context, id uuid.UUID, bucket, key string) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.ensureBucket(ctx, tx, bucket); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
UPDATE staged_uploads
SET bucket = $2, object_key = $3, updated_at = now()
WHERE id = $1;`, id, bucket, key)
		if err != nil {
			return fmt.Errorf("bind staged upload: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return meta.ErrUploadNotFound
		}
		return nil
	})
}

// RecordPart upserts a part row. The parent row is locked first so a part
// can never land on an upload that is being sealed or aborted.
func (s *Store) RecordPart(ctx context.Context, id uuid.UUID, p meta.StagedPart) (*meta.StagedPart, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var replaced *meta.StagedPart
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var sealed bool
		err := tx.QueryRow(ctx, `
UPDATE staged_uploads
SET updated_at = now()
WHERE id = $1
RETURNING sealed;`, id).Scan(&sealed)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return meta.ErrUploadNotFound
			}
			return fmt.Errorf("touch staged upload: %w", err)
		}
		if sealed {
			return meta.ErrUploadSealed
		}

		var prev meta.StagedPart
		err = tx.QueryRow(ctx, `
SELECT part_index, size, etag, backend_key, updated_at
FROM staged_parts
WHERE staging_id = $1 AND part_index = $2;`, id, p.Index).Scan(&prev.Index, &prev.Size, &prev.ETag, &prev.Key, &prev.UpdatedAt)
		switch {
		case err == nil:
			replaced = &prev
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("get staged part: %w", err)
		}

		_, err = tx.Exec(ctx, `
INSERT INTO staged_parts (staging_id, part_index, size, etag, backend_key)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (staging_id, part_index) DO UPDATE
SET size = EXCLUDED.size,
    etag = EXCLUDED.etag,
    backend_key = EXCLUDED.backend_key,
    updated_at = now();`, id, p.Index, p.Size, p.ETag, p.Key)
		if err != nil {
			return fmt.Errorf("record staged part: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

// SealStaged marks the upload sealed and returns its frozen part list.
func (s *Store) SealStaged(ctx context.Context, id uuid.UUID) (meta.StagedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var u meta.StagedUpload
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		u, err = getStaged(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if u.Sealed {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE staged_uploads SET sealed = TRUE, updated_at = now() WHERE id = $1;`, id); err != nil {
			return fmt.Errorf("seal staged upload: %w", err)
		}
		u.Sealed = true
		return nil
	})
	if err != nil {
		return meta.StagedUpload{}, err
	}
	return u, nil
}

// DeleteStaged drops a committed upload; parts cascade.
func (s *Store) DeleteStaged(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM staged_uploads WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete staged upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrUploadNotFound
	}
	return nil
}

// AbortStaged removes an upload and, when no blob row owns its parts, queues
// the part keys as an orphan candidate in the same transaction.
func (s *Store) AbortStaged(ctx context.Context, id uuid.UUID, now time.Time) (meta.StagedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var u meta.StagedUpload
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		u, err = getStaged(ctx, tx, id, true)
		if err != nil {
			return err
		}
		return abortStaged(ctx, tx, u, now)
	})
	if err != nil {
		return meta.StagedUpload{}, err
	}
	return u, nil
}

// ReapStaged aborts uploads idle since before. Rows locked by a concurrent
// commit or abort are skipped and picked up by a later pass.
func (s *Store) ReapStaged(ctx context.Context, before time.Time, limit int, now time.Time) ([]meta.StagedUpload, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	reaped := []meta.StagedUpload{}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT id
FROM staged_uploads
WHERE updated_at < $1
ORDER BY updated_at
LIMIT NULLIF($2::int, 0)
FOR UPDATE SKIP LOCKED;`, before, limit)
		if err != nil {
			return fmt.Errorf("select expired uploads: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
		if err != nil {
			return fmt.Errorf("collect expired uploads: %w", err)
		}

		for _, id := range ids {
			u, err := getStaged(ctx, tx, id, false)
			if err != nil {
				return err
			}
			if err := abortStaged(ctx, tx, u, now); err != nil {
				return err
			}
			reaped = append(reaped, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

func abortStaged(ctx context.Context, tx pgx.Tx, u meta.StagedUpload, now time.Time) error {
	if _, err := tx.Exec(ctx, `DELETE FROM staged_uploads WHERE id = $1;`, u.ID); err != nil {
		return fmt.Errorf("delete staged upload: %w", err)
	}
	if len(u.Parts) == 0 {
		return nil
	}

	// A blob row means commit got far enough for mark to own the bytes.
	_, err := tx.Exec(ctx, `
INSERT INTO gc_candidates (id, kind, blob_id, region, backend, part_keys, marked_at, next_attempt_at)
SELECT $1, 'orphan', $2, $3, $4, $5, $6, $6
WHERE NOT EXISTS (SELECT 1 FROM blobs WHERE id = $2);`,
		uuid.New(), u.BlobID, u.Location.Region, u.Location.Backend, u.PartKeys(), now)
	if err != nil {
		return fmt.Errorf("queue orphan parts: %w", err)
	}
	return nil
}
