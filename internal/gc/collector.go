// Package gc reclaims backend bytes that no object version or open upload
// can reach. Mark queues candidates in the catalog; sweep re-verifies each
// one, deletes its keys and only then retires the rows.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/abduss/blobgate/internal/backend"
	"github.com/abduss/blobgate/internal/location"
	"github.com/abduss/blobgate/internal/meta"
	"github.com/abduss/blobgate/internal/metrics"
)

// Error is the class of sweep failures recorded on candidates.
var Error = errs.Class("gc")

// Reaper expires abandoned staged uploads.
type Reaper interface {
	ReapExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

type backendResolver interface {
	Resolve(loc location.Location) (backend.Store, error)
}

// Options configures a Collector. Zero values pick defaults.
type Options struct {
	Store    meta.GCStore
	Resolver backendResolver
	Reaper   Reaper
	Logger   *zap.Logger

	BatchSize     int
	StagingExpiry time.Duration
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMax      time.Duration
	DeleteRetries int
	Lease         time.Duration
	Now           func() time.Time
}

// MarkResult counts what one mark pass queued.
type MarkResult struct {
	Reaped int `json:"reaped"`
	Marked int `json:"marked"`
}

// SweepResult counts candidate outcomes of one sweep pass.
type SweepResult struct {
	Deleted    int `json:"deleted"`
	Failed     int `json:"failed"`
	Stuck      int `json:"stuck"`
	Violations int `json:"violations"`
	Deferred   int `json:"deferred"`
	Dropped    int `json:"dropped"`
}

// CycleResult combines a mark and a sweep.
type CycleResult struct {
	Mark  MarkResult  `json:"mark"`
	Sweep SweepResult `json:"sweep"`
}

// Collector runs mark and sweep against one catalog.
type Collector struct {
	store    meta.GCStore
	resolver backendResolver
	reaper   Reaper
	log      *zap.Logger
	opts     Options
}

// New wires a collector.
func New(opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 128
	}
	if opts.StagingExpiry <= 0 {
		opts.StagingExpiry = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Hour
	}
	if opts.DeleteRetries < 0 {
		opts.DeleteRetries = 0
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		store:    opts.Store,
		resolver: opts.Resolver,
		reaper:   opts.Reaper,
		log:      opts.Logger.Named("gc"),
		opts:     opts,
	}
}

func (c *Collector) now() time.Time { return c.opts.Now().UTC() }

// Mark reaps expired uploads and queues every unreferenced blob.
func (c *Collector) Mark(ctx context.Context) (MarkResult, error) {
	var res MarkResult
	if c.store == nil {
		return res, Error.New("collector missing store")
	}

	if c.reaper != nil {
		before := c.now().Add(-c.opts.StagingExpiry)
		for {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			n, err := c.reaper.ReapExpired(ctx, before, c.opts.BatchSize)
			if err != nil {
				return res, fmt.Errorf("reap: %w", err)
			}
			res.Reaped += n
			metrics.GCReaped.Add(float64(n))
			if n < c.opts.BatchSize {
				break
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := c.store.MarkUnreferenced(ctx, c.opts.BatchSize, c.now())
		if err != nil {
			return res, fmt.Errorf("mark: %w", err)
		}
		res.Marked += n
		metrics.GCMarked.Add(float64(n))
		if n < c.opts.BatchSize {
			break
		}
	}

	if res.Reaped > 0 || res.Marked > 0 {
		c.log.Info("mark complete", zap.Int("reaped", res.Reaped), zap.Int("marked", res.Marked))
	}
	return res, nil
}

// Sweep processes due candidates until none remain. A failed candidate is
// rescheduled, never dropped.
func (c *Collector) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if c.store == nil || c.resolver == nil {
		return res, Error.New("collector missing dependencies")
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := c.store.ClaimCandidates(ctx, c.now(), c.opts.Lease, c.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("claim: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, cand := range batch {
			if err := c.process(ctx, cand, &res); err != nil {
				return res, err
			}
		}
	}

	c.refreshStuck(ctx)
	return res, nil
}

// process handles one claimed candidate. Only catalog errors while recording
// the outcome are returned; everything else lands on the candidate.
func (c *Collector) process(ctx context.Context, cand meta.Candidate, res *SweepResult) error {
	log := c.log.With(
		zap.Stringer("candidate_id", cand.ID),
		zap.String("kind", string(cand.Kind)),
		zap.Stringer("blob_id", cand.BlobID))

	verdict, err := c.store.VerifyCandidate(ctx, cand.ID)
	if err != nil {
		if errors.Is(err, meta.ErrCandidateNotFound) {
			return nil
		}
		return c.fail(ctx, cand, fmt.Errorf("verify: %w", err), res)
	}

	switch verdict.Action {
	case meta.VerdictReferenced:
		res.Violations++
		metrics.GCViolations.Inc()
		log.Error("invariant violation: candidate still referenced, keeping bytes")
		return ignoreMissing(c.store.DropCandidate(ctx, cand.ID))
	case meta.VerdictDefer:
		res.Deferred++
		return ignoreMissing(c.store.DeferCandidate(ctx, cand.ID, c.now().Add(c.opts.Lease)))
	case meta.VerdictDrop:
		res.Dropped++
		return ignoreMissing(c.store.DropCandidate(ctx, cand.ID))
	}

	store, err := c.resolver.Resolve(cand.Location)
	if err != nil {
		return c.fail(ctx, cand, err, res)
	}
	if err := c.deleteKeys(ctx, store, verdict.Keys); err != nil {
		return c.fail(ctx, cand, err, res)
	}

	if err := c.store.RetireCandidate(ctx, cand.ID); err != nil {
		if errors.Is(err, meta.ErrStillReferenced) {
			// bytes are already gone; park it for an operator
			res.Violations++
			metrics.GCViolations.Inc()
			log.Error("invariant violation: blob referenced after deletion", zap.Error(err))
			return c.park(ctx, cand, err, res)
		}
		if errors.Is(err, meta.ErrCandidateNotFound) {
			return nil
		}
		return c.fail(ctx, cand, fmt.Errorf("retire: %w", err), res)
	}

	res.Deleted++
	metrics.GCDeleted.Inc()
	log.Debug("candidate retired", zap.Int("keys", len(verdict.Keys)))
	return nil
}

// deleteKeys removes every key, retrying transient failures. A missing key
// counts as deleted.
func (c *Collector) deleteKeys(ctx context.Context, store backend.Store, keys []string) error {
	var group errs.Group
	for _, key := range keys {
		op := func() error {
			err := store.Delete(ctx, key)
			metrics.BackendOps.WithLabelValues("delete", metrics.BackendResult(err)).Inc()
			switch {
			case err == nil, errors.Is(err, backend.ErrNotFound):
				return nil
			case errors.Is(err, backend.ErrUnavailable):
				return err
			default:
				return backoff.Permanent(err)
			}
		}
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 50 * time.Millisecond
		policy.MaxInterval = time.Second
		policy.MaxElapsedTime = 0
		b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.DeleteRetries)), ctx)
		if err := backoff.Retry(op, b); err != nil {
			group.Add(fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return group.Err()
}

func (c *Collector) fail(ctx context.Context, cand meta.Candidate, cause error, res *SweepResult) error {
	return c.record(ctx, cand, cause, c.opts.MaxAttempts, res)
}

func (c *Collector) park(ctx context.Context, cand meta.Candidate, cause error, res *SweepResult) error {
	return c.record(ctx, cand, cause, cand.Attempts+1, res)
}

func (c *Collector) record(ctx context.Context, cand meta.Candidate, cause error, maxAttempts int, res *SweepResult) error {
	res.Failed++
	metrics.GCFailures.Inc()

	updated, err := c.store.RecordFailure(ctx, cand.ID, meta.Failure{
		Err:           cause.Error(),
		NextAttemptAt: c.now().Add(c.retryDelay(cand.Attempts + 1)),
		MaxAttempts:   maxAttempts,
	})
	if err != nil {
		if errors.Is(err, meta.ErrCandidateNotFound) {
			return nil
		}
		return errs.Combine(Error.Wrap(cause), fmt.Errorf("record failure: %w", err))
	}

	log := c.log.With(
		zap.Stringer("candidate_id", cand.ID),
		zap.Stringer("blob_id", cand.BlobID),
		zap.Int("attempts", updated.Attempts),
		zap.Error(cause))
	if updated.Stuck {
		res.Stuck++
		log.Error("candidate stuck, operator action required", zap.Strings("keys", cand.PartKeys))
		return nil
	}
	log.Warn("sweep attempt failed", zap.Time("next_attempt_at", updated.NextAttemptAt))
	return nil
}

// retryDelay is the exponential delay before attempt n (1-based).
func (c *Collector) retryDelay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.opts.RetryMax,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (c *Collector) refreshStuck(ctx context.Context) {
	stuck, err := c.store.ListCandidates(ctx, true, 0)
	if err != nil {
		c.log.Warn("count stuck candidates", zap.Error(err))
		return
	}
	metrics.GCStuck.Set(float64(len(stuck)))
}

// RunCycle runs Mark then Sweep.
func (c *Collector) RunCycle(ctx context.Context) (CycleResult, error) {
	mark, err := c.Mark(ctx)
	if err != nil {
		return CycleResult{Mark: mark}, err
	}
	sweep, err := c.Sweep(ctx)
	return CycleResult{Mark: mark, Sweep: sweep}, err
}

// Start runs a cycle immediately and then on every tick until ctx ends or
// the returned func is called. The func waits for the running cycle.
func (c *Collector) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error("gc cycle", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// Stuck lists candidates that exhausted their attempts.
func (c *Collector) Stuck(ctx context.Context) ([]meta.Candidate, error) {
	return c.store.ListCandidates(ctx, true, 0)
}

// Requeue resets a candidate so the next sweep retries it.
func (c *Collector) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := c.store.RequeueCandidate(ctx, id, c.now()); err != nil {
		return err
	}
	c.log.Info("candidate requeued", zap.Stringer("candidate_id", id))
	c.refreshStuck(ctx)
	return nil
}

func ignoreMissing(err error) error {
	if errors.Is(err, meta.ErrCandidateNotFound) {
		return nil
	}
	return err
}
