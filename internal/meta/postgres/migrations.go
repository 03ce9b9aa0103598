package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports the applied and available schema versions.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "users, access keys, buckets, blobs and partitioned objects",
		SQL: `
CREATE TABLE IF NOT EXISTS users (
  id UUID PRIMARY KEY,
  display_name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS access_keys (
  id TEXT PRIMARY KEY,
  user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  sealed_secret BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS buckets (
  name TEXT PRIMARY KEY,
  owner_id UUID NOT NULL,
  region TEXT NOT NULL,
  backend TEXT NOT NULL,
  versioning BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS buckets_owner_idx ON buckets (owner_id);

CREATE TABLE IF NOT EXISTS blobs (
  id UUID PRIMARY KEY,
  size BIGINT NOT NULL,
  etag TEXT NOT NULL,
  part_count INTEGER,
  part_size BIGINT,
  region TEXT NOT NULL,
  backend TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blob_parts (
  blob_id UUID NOT NULL REFERENCES blobs(id) ON DELETE CASCADE,
  part_index INTEGER NOT NULL,
  size BIGINT NOT NULL,
  etag TEXT NOT NULL,
  backend_key TEXT NOT NULL,
  PRIMARY KEY (blob_id, part_index)
);

CREATE SEQUENCE IF NOT EXISTS object_version_seq;

CREATE TABLE IF NOT EXISTS objects (
  bucket TEXT NOT NULL,
  object_key TEXT COLLATE "C" NOT NULL,
  version BIGINT NOT NULL DEFAULT nextval('object_version_seq'),
  blob_id UUID REFERENCES blobs(id) ON DELETE RESTRICT,
  last_modified TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (bucket, object_key, version)
) PARTITION BY LIST (bucket);
CREATE INDEX IF NOT EXISTS objects_blob_idx ON objects (blob_id);
`,
	},
	{
		Version:     2,
		Description: "staged uploads and parts",
		SQL: `
CREATE TABLE IF NOT EXISTS staged_uploads (
  id UUID PRIMARY KEY,
  bucket TEXT,
  object_key TEXT,
  blob_id UUID NOT NULL UNIQUE,
  region TEXT NOT NULL,
  backend TEXT NOT NULL,
  sealed BOOLEAN NOT NULL DEFAULT FALSE,
  committed_version BIGINT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS staged_uploads_updated_idx ON staged_uploads (updated_at);

CREATE TABLE IF NOT EXISTS staged_parts (
  staging_id UUID NOT NULL REFERENCES staged_uploads(id) ON DELETE CASCADE,
  part_index INTEGER NOT NULL,
  size BIGINT NOT NULL,
  etag TEXT NOT NULL,
  backend_key TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (staging_id, part_index)
);
`,
	},
	{
		Version:     3,
		Description: "garbage collection candidates",
		SQL: `
CREATE TABLE IF NOT EXISTS gc_candidates (
  id UUID PRIMARY KEY,
  kind TEXT NOT NULL CHECK (kind IN ('blob', 'orphan')),
  blob_id UUID NOT NULL,
  region TEXT NOT NULL,
  backend TEXT NOT NULL,
  part_keys TEXT[] NOT NULL DEFAULT '{}',
  marked_at TIMESTAMPTZ NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  stuck BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS gc_candidates_blob_uidx ON gc_candidates (blob_id) WHERE kind = 'blob';
CREATE INDEX IF NOT EXISTS gc_candidates_due_idx ON gc_candidates (next_attempt_at) WHERE NOT stuck;
`,
	},
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// migrationLockKey serialises concurrent migrators.
const migrationLockKey = 7316402

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

// Migrate applies pending migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range sortedMigrations() {
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
				return fmt.Errorf("lock migrations: %w", err)
			}
			var applied bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&applied); err != nil {
				return fmt.Errorf("check migration %d: %w", m.Version, err)
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Status reports applied and pending migrations without changing anything.
func (s *Store) Status(ctx context.Context) (MigrationStatus, error) {
	if _, err := s.pool.Exec(ctx, migrationsTableSQL); err != nil {
		return MigrationStatus{}, fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return MigrationStatus{}, fmt.Errorf("current migration: %w", err)
	}

	sorted := sortedMigrations()
	status := MigrationStatus{CurrentVersion: current, Pending: []MigrationInfo{}}
	if len(sorted) > 0 {
		status.AvailableVersion = sorted[len(sorted)-1].Version
	}
	for _, m := range sorted {
		if m.Version > current {
			status.Pending = append(status.Pending, MigrationInfo{Version: m.Version, Description: m.Description})
		}
	}
	return status, nil
}
