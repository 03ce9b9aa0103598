// Package gateway composes the catalog, staging area, collector and identity
// lookup over one metadata store and backend table.
package gateway

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/blob"
	"github.com/abduss/blobgate/internal/catalog"
	"github.com/abduss/blobgate/internal/gc"
	"github.com/abduss/blobgate/internal/identity"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/staging"
)

// Options tunes the services Core builds.
type Options struct {
	Logger  *zap.Logger
	Retry   staging.RetryPolicy
	GC      gc.Options
	Sealer  *identity.Sealer
	Now     func() time.Time
	Closers []func() error
}

// Core is the catalog API handed to the protocol layer.
type Core struct {
	Store     meta.Store
	Resolver  *location.Resolver
	Catalog   *catalog.Service
	Staging   *staging.Service
	Collector *gc.Collector
	Identity  *identity.Service

	log     *zap.Logger
	closers []func() error
}

// New wires services over store and resolver. Store and resolver settings in
// opts.GC are overwritten.
func New(store meta.Store, resolver *location.Resolver, opts Options) *Core {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	stagingSvc := staging.NewService(store, resolver, staging.Options{
		Logger: opts.Logger,
		Retry:  opts.Retry,
		Now:    opts.Now,
	})

	gcOpts := opts.GC
	gcOpts.Store = store
	gcOpts.Resolver = resolver
	gcOpts.Reaper = stagingSvc
	gcOpts.Logger = opts.Logger
	gcOpts.Now = opts.Now

	core := &Core{
		Store:     store,
		Resolver:  resolver,
		Catalog:   catalog.NewService(store, resolver, opts.Logger),
		Staging:   stagingSvc,
		Collector: gc.New(gcOpts),
		log:       opts.Logger,
		closers:   opts.Closers,
	}
	if opts.Sealer != nil {
		core.Identity = identity.NewService(store, opts.Sealer, opts.Logger)
	}
	return core
}

// PutObject uploads r as a single-part object and commits it. A failed
// upload is aborted so its bytes reach the collector.
func (c *Core) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64) (staging.CommitResult, error) {
	if err := meta.ValidateKey(key); err != nil {
		return staging.CommitResult{}, err
	}
	u, err := c.Staging.Begin(ctx, bucket, key)
	if err != nil {
		return staging.CommitResult{}, err
	}
	if _, err := c.Staging.WritePart(ctx, u.ID, 1, r, size); err != nil {
		return staging.CommitResult{}, c.abort(ctx, u, err)
	}
	res, err := c.Staging.Commit(ctx, u.ID)
	if err != nil {
		return staging.CommitResult{}, c.abort(ctx, u, err)
	}
	return res, nil
}

func (c *Core) abort(ctx context.Context, u meta.StagedUpload, cause error) error {
	if err := c.Staging.Abort(context.WithoutCancel(ctx), u.ID); err != nil {
		c.log.Warn("abort after failed put", zap.Stringer("upload_id", u.ID), zap.Error(err))
	}
	return cause
}

// Object is an open object body with its metadata.
type Object struct {
	Version meta.Version
	Blob    meta.Blob
	Body    io.ReadCloser
}

// OpenObject resolves bucket/key to its blob and opens a verifying reader.
// The caller closes Body.
func (c *Core) OpenObject(ctx context.Context, bucket, key string, version *int64) (*Object, error) {
	v, err := c.Catalog.Get(ctx, bucket, key, version)
	if err != nil {
		return nil, err
	}
	b, err := c.Store.GetBlob(ctx, *v.BlobID)
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", *v.BlobID, err)
	}
	store, err := c.Resolver.Resolve(b.Location)
	if err != nil {
		return nil, err
	}
	return &Object{Version: v, Blob: b, Body: blob.Open(ctx, store, b)}, nil
}

// Ready checks the metadata store and every backend that can be pinged.
func (c *Core) Ready(ctx context.Context) error {
	if err := c.Store.Ping(ctx); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	for _, loc := range c.Resolver.Locations() {
		store, err := c.Resolver.Resolve(loc)
		if err != nil {
			return err
		}
		pinger, ok := store.(backend.Pinger)
		if !ok {
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("backend %s: %w", loc, err)
		}
	}
	return nil
}

// Close releases the store and every backend.
func (c *Core) Close() error {
	var group errs.Group
	for i := len(c.closers) - 1; i >= 0; i-- {
		group.Add(c.closers[i]())
	}
	c.closers = nil
	c.Store.Close()
	return group.Err()
}
