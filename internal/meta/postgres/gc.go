package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/abduss/blobgate/internal/meta"
)

const candidateColumns = `id, kind, blob_id, region, backend, part_keys, marked_at, attempts, COALESCE(last_error, ''), next_attempt_at, stuck`

func scanCandidate(row pgx.Row) (meta.Candidate, error) {
	var c meta.Candidate
	var kind string
	err := row.Scan(&c.ID, &kind, &c.BlobID, &c.Location.Region, &c.Location.Backend, &c.PartKeys,
		&c.MarkedAt, &c.Attempts, &c.LastError, &c.NextAttemptAt, &c.Stuck)
	c.Kind = meta.CandidateKind(kind)
	return c, err
}

func collectCandidates(rows pgx.Rows) ([]meta.Candidate, error) {
	defer rows.Close()
	out := []meta.Candidate{}
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// MarkUnreferenced inserts a blob candidate for every blob that no version,
// staged upload or existing candidate points at. Blobs locked by an in-flight
// writer are skipped; sweep re-verifies anything that slips through.
func (s *Store) MarkUnreferenced(ctx context.Context, limit int, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var marked int
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		query := `
WITH victims AS (
  SELECT b.id, b.region, b.backend
  FROM blobs b
  WHERE NOT EXISTS (SELECT 1 FROM objects o WHERE o.blob_id = b.id)
    AND NOT EXISTS (SELECT 1 FROM staged_uploads u WHERE u.blob_id = b.id)
    AND NOT EXISTS (SELECT 1 FROM gc_candidates c WHERE c.blob_id = b.id AND c.kind = 'blob')
  ORDER BY b.created_at
  LIMIT NULLIF($1::int, 0)
  FOR UPDATE OF b SKIP LOCKED
)
INSERT INTO gc_candidates (id, kind, blob_id, region, backend, part_keys, marked_at, next_attempt_at)
SELECT gen_random_uuid(), 'blob', v.id, v.region, v.backend,
       COALESCE((SELECT array_agg(p.backend_key ORDER BY p.part_index) FROM blob_parts p WHERE p.blob_id = v.id), '{}'),
       $2, $2
FROM victims v
ON CONFLICT (blob_id) WHERE kind = 'blob' DO NOTHING;`

		tag, err := tx.Exec(ctx, query, limit, now)
		if err != nil {
			return fmt.Errorf("mark unreferenced blobs: %w", err)
		}
		marked = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// EnqueueOrphan records backend keys that never made it into a blob row.
func (s *Store) EnqueueOrphan(ctx context.Context, c meta.Candidate) (meta.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = c.MarkedAt
	}
	keys := c.PartKeys
	if keys == nil {
		keys = []string{}
	}

	query := `
INSERT INTO gc_candidates (id, kind, blob_id, region, backend, part_keys, marked_at, next_attempt_at)
VALUES ($1, 'orphan', $2, $3, $4, $5, $6, $7)
RETURNING ` + candidateColumns + `;`

	out, err := scanCandidate(s.pool.QueryRow(ctx, query,
		c.ID, c.BlobID, c.Location.Region, c.Location.Backend, keys, c.MarkedAt, c.NextAttemptAt))
	if err != nil {
		return meta.Candidate{}, fmt.Errorf("enqueue orphan: %w", err)
	}
	return out, nil
}

// ClaimCandidates leases due candidates by pushing next_attempt_at past the
// lease. Concurrent sweepers never claim the same row.
func (s *Store) ClaimCandidates(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]meta.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
UPDATE gc_candidates
SET next_attempt_at = $2
WHERE id IN (
  SELECT id
  FROM gc_candidates
  WHERE NOT stuck AND next_attempt_at <= $1
  ORDER BY next_attempt_at, marked_at
  LIMIT NULLIF($3::int, 0)
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + candidateColumns + `;`

	rows, err := s.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}
	claimed, err := collectCandidates(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].MarkedAt.Before(claimed[j].MarkedAt) })
	return claimed, nil
}

func getCandidate(ctx context.Context, q querier, id uuid.UUID, lock bool) (meta.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM gc_candidates WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scanCandidate(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.Candidate{}, meta.ErrCandidateNotFound
		}
		return meta.Candidate{}, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

// VerifyCandidate re-checks reachability right before physical deletion. The
// blob row is locked so a concurrent put waits and then sees the candidate.
func (s *Store) VerifyCandidate(ctx context.Context, id uuid.UUID) (meta.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	var verdict meta.Verdict
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := getCandidate(ctx, tx, id, false)
		if err != nil {
			return err
		}

		var blobKeys []string
		var hasBlob bool
		err = tx.QueryRow(ctx, `SELECT TRUE FROM blobs WHERE id = $1 FOR UPDATE;`, c.BlobID).Scan(&hasBlob)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock blob: %w", err)
		}
		if hasBlob {
			rows, err := tx.Query(ctx, `SELECT backend_key FROM blob_parts WHERE blob_id = $1 ORDER BY part_index;`, c.BlobID)
			if err != nil {
				return fmt.Errorf("list blob parts: %w", err)
			}
			if blobKeys, err = pgx.CollectRows(rows, pgx.RowTo[string]); err != nil {
				return fmt.Errorf("collect blob parts: %w", err)
			}
		}

		var staged bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staged_uploads WHERE blob_id = $1);`, c.BlobID).Scan(&staged); err != nil {
			return fmt.Errorf("check staged upload: %w", err)
		}

		if c.Kind == meta.CandidateBlob {
			if !hasBlob {
				verdict = meta.Verdict{Action: meta.VerdictProceed, Keys: c.PartKeys}
				return nil
			}
			var referenced bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM objects WHERE blob_id = $1);`, c.BlobID).Scan(&referenced); err != nil {
				return fmt.Errorf("check references: %w", err)
			}
			if referenced || staged {
				verdict = meta.Verdict{Action: meta.VerdictReferenced}
				return nil
			}
			verdict = meta.Verdict{Action: meta.VerdictProceed, Keys: unionKeys(blobKeys, c.PartKeys)}
			return nil
		}

		if staged {
			verdict = meta.Verdict{Action: meta.VerdictDefer}
			return nil
		}
		keys := subtractKeys(c.PartKeys, blobKeys)
		if len(keys) == 0 {
			verdict = meta.Verdict{Action: meta.VerdictDrop}
			return nil
		}
		verdict = meta.Verdict{Action: meta.VerdictProceed, Keys: keys}
		return nil
	})
	if err != nil {
		return meta.Verdict{}, err
	}
	return verdict, nil
}

// RetireCandidate finishes a sweep: the blob row, if any, and the candidate
// are removed together. The objects foreign key refuses a referenced blob.
func (s *Store) RetireCandidate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := getCandidate(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if c.Kind == meta.CandidateBlob {
			var staged bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM staged_uploads WHERE blob_id = $1);`, c.BlobID).Scan(&staged); err != nil {
				return fmt.Errorf("check staged upload: %w", err)
			}
			if staged {
				return meta.ErrStillReferenced
			}
			if _, err := tx.Exec(ctx, `DELETE FROM blobs WHERE id = $1;`, c.BlobID); err != nil {
				if isForeignKeyViolation(err) {
					return meta.ErrStillReferenced
				}
				return fmt.Errorf("delete blob: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM gc_candidates WHERE id = $1;`, id); err != nil {
			return fmt.Errorf("delete candidate: %w", err)
		}
		return nil
	})
}

// DropCandidate forgets a candidate without touching the backend.
func (s *Store) DropCandidate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM gc_candidates WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("drop candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrCandidateNotFound
	}
	return nil
}

// DeferCandidate reschedules a candidate without counting an attempt.
func (s *Store) DeferCandidate(ctx context.Context, id uuid.UUID, next time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE gc_candidates SET next_attempt_at = $2 WHERE id = $1;`, id, next)
	if err != nil {
		return fmt.Errorf("defer candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrCandidateNotFound
	}
	return nil
}

// RecordFailure counts a failed attempt and flags the candidate stuck once
// f.MaxAttempts is reached. Stuck candidates stay in the table.
func (s *Store) RecordFailure(ctx context.Context, id uuid.UUID, f meta.Failure) (meta.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
UPDATE gc_candidates
SET attempts = attempts + 1,
    last_error = $2,
    next_attempt_at = $3,
    stuck = ($4 > 0 AND attempts + 1 >= $4)
WHERE id = $1
RETURNING ` + candidateColumns + `;`

	c, err := scanCandidate(s.pool.QueryRow(ctx, query, id, f.Err, f.NextAttemptAt, f.MaxAttempts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return meta.Candidate{}, meta.ErrCandidateNotFound
		}
		return meta.Candidate{}, fmt.Errorf("record failure: %w", err)
	}
	return c, nil
}

// ListCandidates returns candidates oldest first.
func (s *Store) ListCandidates(ctx context.Context, stuckOnly bool, limit int) ([]meta.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	query := `
SELECT ` + candidateColumns + `
FROM gc_candidates
WHERE (NOT $1 OR stuck)
ORDER BY marked_at
LIMIT NULLIF($2::int, 0);`

	rows, err := s.pool.Query(ctx, query, stuckOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return collectCandidates(rows)
}

// RequeueCandidate clears the stuck flag and the attempt count.
func (s *Store) RequeueCandidate(ctx context.Context, id uuid.UUID, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, repositoryTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
UPDATE gc_candidates
SET stuck = FALSE, attempts = 0, last_error = NULL, next_attempt_at = $2
WHERE id = $1;`, id, now)
	if err != nil {
		return fmt.Errorf("requeue candidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return meta.ErrCandidateNotFound
	}
	return nil
}

func unionKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func subtractKeys(keys, live []string) []string {
	drop := make(map[string]struct{}, len(live))
	for _, k := range live {
		drop[k] = struct{}{}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := drop[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
