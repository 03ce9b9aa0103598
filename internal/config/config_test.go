package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address())
	}
	if cfg.Metadata.Driver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.Metadata.Driver)
	}
	if cfg.GC.Interval != time.Minute || cfg.GC.MaxAttempts != 8 {
		t.Fatalf("unexpected gc defaults %+v", cfg.GC)
	}
	if cfg.Postgres.ConnectTimeout != 30*time.Second {
		t.Fatalf("unexpected connect timeout %s", cfg.Postgres.ConnectTimeout)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BLOBGATE_PORT", "9090")
	t.Setenv("BLOBGATE_METADATA_DRIVER", "Memory")
	t.Setenv("BLOBGATE_GC_INTERVAL", "15s")
	t.Setenv("BLOBGATE_MEMORY_BACKEND", "yes")
	t.Setenv("MINIO_ENABLED", "false")
	t.Setenv("BLOBGATE_DATABASE_URL", "postgres://u:p@db:5432/x")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Metadata.Driver != DriverMemory || cfg.GC.Interval != 15*time.Second {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if !cfg.Backends.Memory || cfg.MinIO.Enabled {
		t.Fatalf("backend toggles not applied: %+v", cfg.Backends)
	}
	if cfg.Postgres.DSN() != "postgres://u:p@db:5432/x" {
		t.Fatalf("expected URL to override DSN, got %q", cfg.Postgres.DSN())
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("BLOBGATE_PORT", "not-a-number")
	t.Setenv("BLOBGATE_GC_LEASE", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.GC.Lease != 5*time.Minute {
		t.Fatalf("expected fallbacks, got port=%d lease=%s", cfg.Server.Port, cfg.GC.Lease)
	}
}

func TestValidateRejectsInconsistentConfig(t *testing.T) {
	t.Setenv("BLOBGATE_METADATA_DRIVER", "sqlite")
	t.Setenv("MINIO_ENABLED", "false")
	t.Setenv("BLOBGATE_GC_RETRY_MAX", "1s")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"metadata driver", "no backend enabled", "retry max"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestPostgresDSNFromFields(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "require"}
	if got := p.DSN(); got != "postgres://u:p@db:5433/d?sslmode=require" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
