package storage

import (
	"context"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/backend/boltbackend"
	"github.com/abduss/blobgate/internal/config"
	"github.com/abduss/blobgate/internal/location"
)

// Backends is the set of part stores opened from configuration.
type Backends struct {
	Resolver *location.Resolver

	closers []func() error
}

// Close releases every opened backend.
func (b *Backends) Close() error {
	var group errs.Group
	for i := len(b.closers) - 1; i >= 0; i-- {
		group.Add(b.closers[i]())
	}
	b.closers = nil
	return group.Err()
}

// OpenBackends opens every enabled backend and registers it under its
// location. A partial failure closes what was already opened.
func OpenBackends(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *Backends, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	out := &Backends{Resolver: location.NewResolver()}
	defer func() {
		if err != nil {
			err = errs.Combine(err, out.Close())
		}
	}()

	register := func(raw string, store backend.Store) error {
		loc, err := location.Parse(raw)
		if err != nil {
			return err
		}
		if err := out.Resolver.Register(loc, store); err != nil {
			return err
		}
		log.Info("backend registered", zap.Stringer("location", loc))
		return nil
	}

	if cfg.Backends.Memory {
		if err := register(cfg.Backends.MemoryLocation, backend.NewMemory()); err != nil {
			return nil, err
		}
	}
	if cfg.MinIO.Enabled {
		store, err := NewMinIOBackend(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := register(cfg.MinIO.Location, store); err != nil {
			return nil, err
		}
	}
	if cfg.S3.Enabled {
		store, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		if err := register(cfg.S3.Location, store); err != nil {
			return nil, err
		}
	}
	if cfg.Bolt.Enabled {
		store, err := boltbackend.Open(boltbackend.Config{Path: cfg.Bolt.Path, NoSync: cfg.Bolt.NoSync})
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, store.Close)
		if err := register(cfg.Bolt.Location, store); err != nil {
			return nil, err
		}
	}

	if len(out.Resolver.Locations()) == 0 {
		return nil, fmt.Errorf("open backends: none enabled")
	}
	if cfg.Backends.Default != "" {
		loc, err := location.Parse(cfg.Backends.Default)
		if err != nil {
			return nil, err
		}
		if err := out.Resolver.SetDefault(loc); err != nil {
			return nil, err
		}
	}
	return out, nil
}
