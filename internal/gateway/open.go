package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/config"
	"github.com/abduss/blobgate/internal/gc"
	"github.com/abduss/blobgate/internal/identity"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/meta/memory"
	"github.com/abduss/blobgate/internal/meta/postgres"
	"github.com/abduss/blobgate/internal/staging"
	"github.com/abduss/blobgate/internal/storage"
)

// OpenStore connects the configured metadata driver. Postgres schemas are
// migrated when migrate is set.
func OpenStore(ctx context.Context, cfg config.Config, migrate bool) (meta.Store, error) {
	switch cfg.Metadata.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverPostgres:
		pool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		store := postgres.New(pool)
		if migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.Metadata.Driver)
	}
}

// Open builds a Core from configuration.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*Core, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var sealer *identity.Sealer
	if cfg.Identity.SealKey != "" {
		s, err := identity.ParseSealKey(cfg.Identity.SealKey)
		if err != nil {
			return nil, err
		}
		sealer = s
	} else {
		log.Warn("no seal key configured, access keys are disabled")
	}

	store, err := OpenStore(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	backends, err := storage.OpenBackends(ctx, cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	return New(store, backends.Resolver, Options{
		Logger: log,
		Retry: staging.RetryPolicy{
			Attempts: cfg.Staging.WriteRetries,
			Initial:  cfg.Staging.RetryInitial,
			Max:      cfg.Staging.RetryMax,
		},
		GC: gc.Options{
			BatchSize:     cfg.GC.BatchSize,
			StagingExpiry: cfg.GC.StagingExpiry,
			MaxAttempts:   cfg.GC.MaxAttempts,
			RetryBase:     cfg.GC.RetryBase,
			RetryMax:      cfg.GC.RetryMax,
			DeleteRetries: cfg.GC.DeleteRetries,
			Lease:         cfg.GC.Lease,
		},
		Sealer:  sealer,
		Closers: []func() error{backends.Close},
	}), nil
}
