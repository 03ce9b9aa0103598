package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Metadata drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config aggregates runtime configuration for the blobgate daemon.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Metadata MetadataConfig
	MinIO    MinIOConfig
	S3       S3Config
	Bolt     BoltConfig
	Backends BackendsConfig
	Staging  StagingConfig
	GC       GCConfig
	Identity IdentityConfig
	Metrics  MetricsConfig
}

// ServerConfig parameterizes the HTTP server.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PostgresConfig contains PostgreSQL connection details. URL, when set,
// overrides the individual fields.
type PostgresConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	// ConnectTimeout bounds how long startup waits for the database.
	ConnectTimeout time.Duration
}

// DSN returns the PostgreSQL DSN string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// MetadataConfig selects the catalog driver.
type MetadataConfig struct {
	Driver string
}

// MinIOConfig carries MinIO connection and bucket information.
type MinIOConfig struct {
	Enabled         bool
	Location        string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
}

// S3Config describes an AWS S3 (or compatible) backend.
type S3Config struct {
	Enabled         bool
	Location        string
	Region          string
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	MaxRetries      int
}

// BoltConfig describes a local bbolt backend.
type BoltConfig struct {
	Enabled  bool
	Location string
	Path     string
	NoSync   bool
}

// BackendsConfig holds cross-backend settings.
type BackendsConfig struct {
	Default        string
	Memory         bool
	MemoryLocation string
}

// StagingConfig bounds in-call retries of part writes.
type StagingConfig struct {
	WriteRetries int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// GCConfig tunes the collector.
type GCConfig struct {
	Enabled       bool
	Interval      time.Duration
	BatchSize     int
	StagingExpiry time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration
	DeleteRetries int
	Lease         time.Duration
}

// IdentityConfig holds the access-key seal key, hex encoded.
type IdentityConfig struct {
	SealKey string
}

// MetricsConfig groups observability settings.
type MetricsConfig struct {
	PrometheusPath string
}

// Load reads configuration values from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:            getString("BLOBGATE_HOST", "0.0.0.0"),
			Port:            getInt("BLOBGATE_PORT", 8080),
			ReadTimeout:     getDuration("BLOBGATE_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDuration("BLOBGATE_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:     getDuration("BLOBGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDuration("BLOBGATE_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: PostgresConfig{
			URL:            getString("BLOBGATE_DATABASE_URL", ""),
			Host:           getString("POSTGRES_HOST", "localhost"),
			Port:           getInt("POSTGRES_PORT", 5432),
			User:           getString("POSTGRES_USER", "blobgate"),
			Password:       getString("POSTGRES_PASSWORD", "change-me"),
			Database:       getString("POSTGRES_DB", "blobgate"),
			SSLMode:        strings.ToLower(getString("POSTGRES_SSL_MODE", "disable")),
			MaxConns:       getInt("POSTGRES_MAX_CONNS", 16),
			ConnectTimeout: getDuration("POSTGRES_CONNECT_TIMEOUT", 30*time.Second),
		},
		Metadata: MetadataConfig{
			Driver: strings.ToLower(getString("BLOBGATE_METADATA_DRIVER", DriverPostgres)),
		},
		MinIO: MinIOConfig{
			Enabled:         getBool("MINIO_ENABLED", true),
			Location:        getString("MINIO_LOCATION", "local/minio"),
			Endpoint:        getString("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getString("MINIO_ROOT_USER", "blobgate"),
			SecretAccessKey: getString("MINIO_ROOT_PASSWORD", "change-me-strong-password"),
			Bucket:          getString("MINIO_BUCKET", "blobgate"),
			UseSSL:          getBool("MINIO_USE_SSL", false),
			Region:          getString("MINIO_REGION", ""),
		},
		S3: S3Config{
			Enabled:         getBool("BLOBGATE_S3_ENABLED", false),
			Location:        getString("BLOBGATE_S3_LOCATION", ""),
			Region:          getString("BLOBGATE_S3_REGION", "us-east-1"),
			Bucket:          getString("BLOBGATE_S3_BUCKET", ""),
			Endpoint:        getString("BLOBGATE_S3_ENDPOINT", ""),
			AccessKeyID:     getString("BLOBGATE_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getString("BLOBGATE_S3_SECRET_ACCESS_KEY", ""),
			ForcePathStyle:  getBool("BLOBGATE_S3_FORCE_PATH_STYLE", false),
			MaxRetries:      getInt("BLOBGATE_S3_MAX_RETRIES", 3),
		},
		Bolt: BoltConfig{
			Enabled:  getBool("BLOBGATE_BOLT_ENABLED", false),
			Location: getString("BLOBGATE_BOLT_LOCATION", "local/bolt"),
			Path:     getString("BLOBGATE_BOLT_PATH", "blobgate.db"),
			NoSync:   getBool("BLOBGATE_BOLT_NO_SYNC", false),
		},
		Backends: BackendsConfig{
			Default:        getString("BLOBGATE_DEFAULT_LOCATION", ""),
			Memory:         getBool("BLOBGATE_MEMORY_BACKEND", false),
			MemoryLocation: getString("BLOBGATE_MEMORY_LOCATION", "local/mem"),
		},
		Staging: StagingConfig{
			WriteRetries: getInt("BLOBGATE_WRITE_RETRIES", 3),
			RetryInitial: getDuration("BLOBGATE_WRITE_RETRY_INITIAL", 100*time.Millisecond),
			RetryMax:     getDuration("BLOBGATE_WRITE_RETRY_MAX", 2*time.Second),
		},
		GC: GCConfig{
			Enabled:       getBool("BLOBGATE_GC_ENABLED", true),
			Interval:      getDuration("BLOBGATE_GC_INTERVAL", time.Minute),
			BatchSize:     getInt("BLOBGATE_GC_BATCH_SIZE", 128),
			StagingExpiry: getDuration("BLOBGATE_GC_STAGING_EXPIRY", 24*time.Hour),
			MaxAttempts:   getInt("BLOBGATE_GC_MAX_ATTEMPTS", 8),
			RetryBase:     getDuration("BLOBGATE_GC_RETRY_BASE", 30*time.Second),
			RetryMax:      getDuration("BLOBGATE_GC_RETRY_MAX", time.Hour),
			DeleteRetries: getInt("BLOBGATE_GC_DELETE_RETRIES", 2),
			Lease:         getDuration("BLOBGATE_GC_LEASE", 5*time.Minute),
		},
		Identity: IdentityConfig{
			SealKey: getString("BLOBGATE_SEAL_KEY", ""),
		},
		Metrics: MetricsConfig{
			PrometheusPath: getString("BLOBGATE_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server port %d out of range", c.Server.Port))
	}
	switch c.Metadata.Driver {
	case DriverPostgres, DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown metadata driver %q", c.Metadata.Driver))
	}
	if !c.MinIO.Enabled && !c.S3.Enabled && !c.Bolt.Enabled && !c.Backends.Memory {
		problems = append(problems, "no backend enabled")
	}
	if c.MinIO.Enabled && c.MinIO.Bucket == "" {
		problems = append(problems, "minio bucket is required")
	}
	if c.S3.Enabled && (c.S3.Bucket == "" || c.S3.Location == "") {
		problems = append(problems, "s3 bucket and location are required")
	}
	if c.Bolt.Enabled && c.Bolt.Path == "" {
		problems = append(problems, "bolt path is required")
	}
	if c.GC.BatchSize <= 0 {
		problems = append(problems, "gc batch size must be positive")
	}
	if c.GC.MaxAttempts <= 0 {
		problems = append(problems, "gc max attempts must be positive")
	}
	if c.GC.Interval <= 0 || c.GC.Lease <= 0 || c.GC.StagingExpiry <= 0 {
		problems = append(problems, "gc durations must be positive")
	}
	if c.GC.RetryBase <= 0 || c.GC.RetryMax < c.GC.RetryBase {
		problems = append(problems, "gc retry max must be at least retry base")
	}
	if c.Staging.WriteRetries < 1 {
		problems = append(problems, "write retries must be at least 1")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func getString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.ToLower(strings.TrimSpace(val))
		switch val {
		case "1", "true", "t", "yes", "y":
			return true
		case "0", "false", "f", "no", "n":
			return false
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
