package kvlayer

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/kvlayer/genstore"
)

const (
	defaultStatsLogEvery = 5000
	defaultGenSweep      = time.Hour
	defaultGenRetention  = 24 * time.Hour

	idLockStripes = 64
)

// CacheStats counts retrievals through a CacheAside since creation or the last reset.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Retrievals uint64
}

// HitRate is Hits/Retrievals, 0 before the first retrieval.
func (s CacheStats) HitRate() float64 {
	if s.Retrievals == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Retrievals)
}

type CacheOptions struct {
	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// GenStore tracks per-id generations so stale write-backs are dropped.
	// Default: genstore.NewLocal with hourly sweep and 24h retention.
	GenStore genstore.GenStore

	// Race queries cache and primary concurrently on Get; the first hit wins.
	Race bool

	// StatsLogEvery logs a stats summary every N retrievals. Default 5000.
	StatsLogEvery uint64
}

// CacheAside fronts a primary store with a disposable cache store. Reads try
// the cache and refill it in the background on a miss; writes go to both with
// the primary result being definitive.
type CacheAside[V any] struct {
	Store[V] // primary

	cache Store[V]
	gen   genstore.GenStore
	race  bool
	every uint64

	log   Logger
	hooks Hooks

	hits, misses, retrievals atomic.Uint64

	loads   singleflight.Group
	pending sync.WaitGroup

	// idLocks order a generation bump and its cache write against a
	// write-back's generation check and its cache write for the same id.
	idLocks [idLockStripes]sync.Mutex
	seed    maphash.Seed
}

var (
	_ Store[struct{}] = (*CacheAside[struct{}])(nil)
	_ StatsReporter   = (*CacheAside[struct{}])(nil)
	_ Clearer         = (*CacheAside[struct{}])(nil)
	_ Counter         = (*CacheAside[struct{}])(nil)
	_ Modified        = (*CacheAside[struct{}])(nil)
	_ Typed           = (*CacheAside[struct{}])(nil)
)

func NewCacheAside[V any](primary, cache Store[V], opts CacheOptions) (*CacheAside[V], error) {
	if primary == nil {
		return nil, IllegalArgument("cache-aside: primary store is required")
	}
	if cache == nil {
		return nil, IllegalArgument("cache-aside: cache store is required")
	}
	if !usableAsCache(cache) {
		return nil, fmt.Errorf("%s: %w", cache.Name(), ErrInvalidCache)
	}
	pt, pok := dataType(primary)
	ct, cok := dataType(cache)
	if pok && cok && pt != ct {
		return nil, fmt.Errorf("%s holds %q, %s holds %q: %w", primary.Name(), pt, cache.Name(), ct, ErrTypeMismatch)
	}

	c := &CacheAside[V]{
		Store: primary,
		cache: cache,
		race:  opts.Race,
		seed:  maphash.MakeSeed(),
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.every = coalesce[uint64](opts.StatsLogEvery, defaultStatsLogEvery)
	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		c.gen = genstore.NewLocal(defaultGenSweep, defaultGenRetention)
	}
	return c, nil
}

// Cache returns the cache-side store.
func (c *CacheAside[V]) Cache() Store[V] { return c.cache }

func (c *CacheAside[V]) Contains(ctx context.Context, id string) (bool, error) {
	if err := CheckID(id); err != nil {
		return false, err
	}
	ok, err := c.cache.Contains(ctx, id)
	if err != nil {
		c.log.Warn("cache contains failed", Fields{"store": c.cache.Name(), "id": id, "err": err})
	} else if ok {
		return true, nil
	}
	return c.Store.Contains(ctx, id)
}

func (c *CacheAside[V]) Get(ctx context.Context, id string) (V, error) {
	var zero V
	if err := CheckID(id); err != nil {
		return zero, err
	}
	if n := c.retrievals.Add(1); n%c.every == 0 {
		c.logStats()
	}
	if c.race {
		return c.getRace(ctx, id)
	}

	v, err := c.cache.Get(ctx, id)
	if err == nil {
		c.hits.Add(1)
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.log.Warn("cache read failed", Fields{"store": c.cache.Name(), "id": id, "err": err})
	}
	c.misses.Add(1)
	return c.load(ctx, id)
}

// load reads id from the primary, sharing one lookup between concurrent
// misses, and schedules a write-back into the cache. The shared lookup is
// detached from the first caller's cancellation.
func (c *CacheAside[V]) load(ctx context.Context, id string) (V, error) {
	bg := context.WithoutCancel(ctx)
	res, err, _ := c.loads.Do(id, func() (any, error) {
		return c.readPrimary(bg, id)
	})
	v, _ := res.(V)
	return v, err
}

func (c *CacheAside[V]) readPrimary(ctx context.Context, id string) (V, error) {
	g, gerr := c.gen.Snapshot(ctx, id)
	v, err := c.Store.Get(ctx, id)
	if err != nil {
		return v, err
	}
	if gerr != nil {
		c.log.Warn("generation snapshot failed; not caching", Fields{"id": id, "err": gerr})
		return v, nil
	}
	c.writeBack(ctx, id, v, g)
	return v, nil
}

type lookup[V any] struct {
	v         V
	err       error
	fromCache bool
}

// getRace queries both sides at once. The first successful lookup wins; the
// other keeps running and its write-back still lands.
func (c *CacheAside[V]) getRace(ctx context.Context, id string) (V, error) {
	var zero V
	bg := context.WithoutCancel(ctx)
	fromCache := make(chan lookup[V], 1)
	fromPrimary := make(chan lookup[V], 1)

	c.pending.Add(2)
	go func() {
		defer c.pending.Done()
		v, err := c.cache.Get(bg, id)
		fromCache <- lookup[V]{v: v, err: err, fromCache: true}
	}()
	go func() {
		defer c.pending.Done()
		v, err := c.readPrimary(bg, id)
		fromPrimary <- lookup[V]{v: v, err: err}
	}()

	var primaryErr error
	for waiting := 2; waiting > 0; waiting-- {
		var r lookup[V]
		select {
		case r = <-fromCache:
			fromCache = nil
		case r = <-fromPrimary:
			fromPrimary = nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if r.err == nil {
			if r.fromCache {
				c.hits.Add(1)
			} else {
				c.misses.Add(1)
			}
			return r.v, nil
		}
		if !r.fromCache {
			primaryErr = r.err
		} else if !errors.Is(r.err, ErrNotFound) {
			c.log.Warn("cache read failed", Fields{"store": c.cache.Name(), "id": id, "err": r.err})
		}
	}
	c.misses.Add(1)
	return zero, primaryErr
}

// writeBack stores v in the cache in the background unless id changed since
// generation observed was taken.
func (c *CacheAside[V]) writeBack(ctx context.Context, id string, v V, observed uint64) {
	ctx = context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		mu := c.lockID(id)
		defer mu.Unlock()
		g, err := c.gen.Snapshot(ctx, id)
		if err != nil || g != observed {
			c.log.Debug("write-back skipped (generation moved)", Fields{"id": id, "observed": observed, "gen": g})
			c.hooks.WriteBackSkipped(c.Name(), id)
			return
		}
		if _, err := c.cache.Put(ctx, id, v); err != nil {
			c.log.Warn("cache write-back failed", Fields{"store": c.cache.Name(), "id": id, "err": err})
			c.hooks.CacheWriteFailed(c.cache.Name(), id, "write_back", err)
		}
	}()
}

func (c *CacheAside[V]) Put(ctx context.Context, id string, v V) (V, error) {
	if err := CheckID(id); err != nil {
		var zero V
		return zero, err
	}
	mu := c.lockID(id)
	c.bump(ctx, id)
	if _, err := c.cache.Put(ctx, id, v); err != nil {
		c.cacheWriteFailed(id, "put", err)
	}
	mu.Unlock()
	defer c.settle(ctx, id)
	return c.Store.Put(ctx, id, v)
}

func (c *CacheAside[V]) Update(ctx context.Context, id string, v V) (V, error) {
	if err := CheckID(id); err != nil {
		var zero V
		return zero, err
	}
	mu := c.lockID(id)
	c.bump(ctx, id)
	if _, err := c.cache.Update(ctx, id, v); err != nil {
		c.cacheWriteFailed(id, "update", err)
	}
	mu.Unlock()
	defer c.settle(ctx, id)
	return c.Store.Update(ctx, id, v)
}

func (c *CacheAside[V]) Delete(ctx context.Context, id string) (string, error) {
	if err := CheckID(id); err != nil {
		return "", err
	}
	mu := c.lockID(id)
	c.bump(ctx, id)
	ok, err := c.cache.Contains(ctx, id)
	switch {
	case err != nil:
		c.log.Warn("cache contains failed", Fields{"store": c.cache.Name(), "id": id, "err": err})
	case ok:
		if _, err := c.cache.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			c.cacheWriteFailed(id, "delete", err)
		}
	}
	mu.Unlock()
	defer c.settle(ctx, id)
	return c.Store.Delete(ctx, id)
}

// DeleteAll clears both sides; it fails if either side fails.
func (c *CacheAside[V]) DeleteAll(ctx context.Context) error {
	if ids, err := c.Store.ListIDs(ctx); err == nil {
		for _, id := range ids {
			mu := c.lockID(id)
			c.bump(ctx, id)
			mu.Unlock()
		}
	}
	var errs []error
	if err := DeleteAll(ctx, c.cache); err != nil {
		errs = append(errs, fmt.Errorf("cache %s: %w", c.cache.Name(), err))
	}
	if err := DeleteAll(ctx, c.Store); err != nil {
		errs = append(errs, fmt.Errorf("primary %s: %w", c.Store.Name(), err))
	}
	return errors.Join(errs...)
}

func (c *CacheAside[V]) Count(ctx context.Context) (int, error) { return Count(ctx, c.Store) }

func (c *CacheAside[V]) LastModified(ctx context.Context) (time.Time, error) {
	return LastModified(ctx, c.Store)
}

func (c *CacheAside[V]) DataType() string {
	dt, _ := dataType(c.Store)
	return dt
}

func (c *CacheAside[V]) UsableAsCache() bool { return usableAsCache(c.Store) }

// Warm copies every primary record into the cache. Failures are collected
// into a *CompositeError; the remaining ids are still copied.
func (c *CacheAside[V]) Warm(ctx context.Context) error {
	start := time.Now()
	ids, err := c.Store.ListIDs(ctx)
	if err != nil {
		return err
	}
	gens, err := c.gen.SnapshotMany(ctx, ids)
	if err != nil {
		return err
	}
	var failures []IDError
	for _, id := range ids {
		v, err := c.Store.Get(ctx, id)
		if err != nil {
			failures = append(failures, IDError{ID: id, Err: err})
			continue
		}
		if err := c.warmOne(ctx, id, v, gens[id]); err != nil {
			failures = append(failures, IDError{ID: id, Err: err})
		}
	}
	c.log.Info("cache warmed", Fields{
		"primary": c.Store.Name(),
		"cache":   c.cache.Name(),
		"ids":     len(ids),
		"failed":  len(failures),
		"took":    time.Since(start),
	})
	if len(failures) > 0 {
		return &CompositeError{Op: c.Name() + ": warm", Failures: failures}
	}
	return nil
}

func (c *CacheAside[V]) warmOne(ctx context.Context, id string, v V, observed uint64) error {
	mu := c.lockID(id)
	defer mu.Unlock()
	if g, err := c.gen.Snapshot(ctx, id); err != nil || g != observed {
		c.hooks.WriteBackSkipped(c.Name(), id)
		return nil
	}
	if _, err := c.cache.Put(ctx, id, v); err != nil {
		c.hooks.CacheWriteFailed(c.cache.Name(), id, "warm", err)
		return err
	}
	return nil
}

func (c *CacheAside[V]) Stats() CacheStats {
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Retrievals: c.retrievals.Load(),
	}
}

func (c *CacheAside[V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.retrievals.Store(0)
}

// Flush blocks until every scheduled write-back and race lookup has finished.
func (c *CacheAside[V]) Flush() { c.pending.Wait() }

// Close flushes pending write-backs and closes the generation store.
func (c *CacheAside[V]) Close(ctx context.Context) error {
	c.Flush()
	return c.gen.Close(ctx)
}

// lockID locks and returns the stripe guarding id.
func (c *CacheAside[V]) lockID(id string) *sync.Mutex {
	mu := &c.idLocks[maphash.String(c.seed, id)%idLockStripes]
	mu.Lock()
	return mu
}

func (c *CacheAside[V]) bump(ctx context.Context, id string) {
	if _, err := c.gen.Bump(ctx, id); err != nil {
		c.log.Error("generation bump failed", Fields{"id": id, "err": err})
	}
}

// settle bumps id again once the primary write returned, so a miss that read
// the primary while the write was in flight does not cache what it saw.
func (c *CacheAside[V]) settle(ctx context.Context, id string) {
	mu := c.lockID(id)
	c.bump(ctx, id)
	mu.Unlock()
}

func (c *CacheAside[V]) cacheWriteFailed(id, op string, err error) {
	c.log.Warn("cache write failed", Fields{"store": c.cache.Name(), "id": id, "op": op, "err": err})
	c.hooks.CacheWriteFailed(c.cache.Name(), id, op, err)
}

func (c *CacheAside[V]) logStats() {
	s := c.Stats()
	c.log.Info("cache stats", Fields{
		"primary":    c.Store.Name(),
		"cache":      c.cache.Name(),
		"hits":       s.Hits,
		"misses":     s.Misses,
		"retrievals": s.Retrievals,
		"hit_rate":   fmt.Sprintf("%.2f%%", s.HitRate()*100),
	})
}
