// Package segcache caches per-tenant scoring segments with generation
// based staleness, bounded memory and graceful degradation: a refresh
// failure never takes away the last good segment.
package segcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/internal/safe"
	"github.com/hupe1980/memgo/resource"
)

// ErrClosed is returned for operations on a closed cache.
var ErrClosed = errors.New("segcache: closed")

// ErrQueueFull is returned when the background refresh queue cannot take
// another task.
var ErrQueueFull = errors.New("segcache: refresh queue full")

// StaleSegmentError reports that a stale segment is being served because
// a refresh could not complete. It is logged and counted, never returned
// to queries.
type StaleSegmentError struct {
	Tenant     claim.TenantID
	SegmentGen uint64
	LogGen     uint64
	Err        error
}

func (e *StaleSegmentError) Error() string {
	return fmt.Sprintf("segcache: serving stale segment for %q (segment gen %d, log gen %d): %v",
		e.Tenant, e.SegmentGen, e.LogGen, e.Err)
}

func (e *StaleSegmentError) Unwrap() error { return e.Err }

// Loader builds segments and exposes the partition generation the
// staleness check compares against.
type Loader interface {
	// LoadSegment materializes the tenant's current claims.
	LoadSegment(ctx context.Context, tenant claim.TenantID) (*Segment, error)
	// Generation returns the tenant's current mutation counter.
	Generation(tenant claim.TenantID) uint64
}

// RefreshMode selects how a stale hit is handled.
type RefreshMode int

const (
	// RefreshSync reloads a stale segment in the foreground, so queries
	// always see the freshest segment the loader can produce.
	RefreshSync RefreshMode = iota
	// RefreshBackground serves the stale segment immediately and
	// refreshes out of band.
	RefreshBackground
)

// Options configures the cache.
type Options struct {
	// Capacity bounds the resident segment bytes. Zero means no local
	// bound; the Controller budget still applies.
	Capacity int64

	// Mode selects the stale-hit strategy.
	Mode RefreshMode

	// QueueDepth is the background refresh queue size.
	QueueDepth int

	// Controller is the global memory budget. Nil means untracked.
	Controller *resource.Controller

	// Logger receives soft failures. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions holds the default cache configuration.
var DefaultOptions = Options{
	Mode:       RefreshSync,
	QueueDepth: 16,
}

// RefreshResult is delivered on the channel returned by RefreshAsync.
// A non-nil Segment is acquired for the receiver and must be Released.
type RefreshResult struct {
	Segment *Segment
	Err     error
}

type refreshTask struct {
	tenant claim.TenantID
	done   chan RefreshResult
}

type entry struct {
	seg  *Segment
	elem *list.Element
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits              int64
	Misses            int64
	StaleServed       int64
	Evictions         int64
	RefreshAttempts   int64
	RefreshSuccesses  int64
	RefreshFailures   int64
	LastRefreshNanos  int64
	SizeBytes         int64
	ResidentSegments  int
}

// Cache holds one segment per tenant behind an LRU bound.
type Cache struct {
	loader Loader
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	entries map[claim.TenantID]*entry
	lru     *list.List
	size    int64
	pending map[claim.TenantID]struct{}

	group  singleflight.Group
	tasks  chan refreshTask
	stop   chan struct{}
	closed atomic.Bool

	hits             atomic.Int64
	misses           atomic.Int64
	staleServed      atomic.Int64
	evictions        atomic.Int64
	refreshAttempts  atomic.Int64
	refreshSuccesses atomic.Int64
	refreshFailures  atomic.Int64
	lastRefreshNanos atomic.Int64
}

// New creates a cache over the given loader and starts its background
// refresh worker.
func New(loader Loader, optFns ...func(o *Options)) (*Cache, error) {
	if loader == nil {
		return nil, errors.New("segcache: nil loader")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions.QueueDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cache{
		loader:  loader,
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[claim.TenantID]*entry),
		lru:     list.New(),
		pending: make(map[claim.TenantID]struct{}),
		tasks:   make(chan refreshTask, opts.QueueDepth),
		stop:    make(chan struct{}),
	}

	safe.Go(c.runWorker)

	return c, nil
}

// Get returns the tenant's segment, acquired for the caller. stale
// reports whether the segment lags behind the partition generation;
// in RefreshSync mode that only happens when the refresh failed and the
// last good segment is served instead.
func (c *Cache) Get(ctx context.Context, tenant claim.TenantID) (seg *Segment, stale bool, err error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}

	c.mu.Lock()
	ent, ok := c.entries[tenant]
	if ok {
		cached := ent.seg
		logGen := c.loader.Generation(tenant)

		if cached.Generation == logGen {
			c.lru.MoveToFront(ent.elem)
			cached.acquire()
			c.mu.Unlock()
			c.hits.Add(1)
			return cached, false, nil
		}

		if c.opts.Mode == RefreshBackground {
			c.lru.MoveToFront(ent.elem)
			cached.acquire()
			c.enqueueLocked(tenant)
			c.mu.Unlock()
			c.staleServed.Add(1)
			return cached, true, nil
		}
	} else {
		c.misses.Add(1)
	}
	c.mu.Unlock()

	// Foreground load: first load for the tenant, or a stale hit in
	// RefreshSync mode.
	fresh, err := c.refresh(ctx, tenant)
	if err == nil {
		return fresh.acquire(), false, nil
	}

	// Last-known-good fallback: the stale segment outlives the failure.
	c.mu.Lock()
	ent, ok = c.entries[tenant]
	if !ok {
		c.mu.Unlock()
		return nil, false, err
	}
	cached := ent.seg.acquire()
	c.mu.Unlock()

	softErr := &StaleSegmentError{
		Tenant:     tenant,
		SegmentGen: cached.Generation,
		LogGen:     c.loader.Generation(tenant),
		Err:        err,
	}
	c.log.Warn("segment refresh failed", "tenant", string(tenant), "error", softErr)
	c.staleServed.Add(1)

	return cached, true, nil
}

// RefreshAsync enqueues an explicit background refresh and returns the
// channel its result is delivered on.
func (c *Cache) RefreshAsync(tenant claim.TenantID) (<-chan RefreshResult, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	done := make(chan RefreshResult, 1)
	select {
	case c.tasks <- refreshTask{tenant: tenant, done: done}:
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := c.size
	segments := len(c.entries)
	c.mu.Unlock()

	return CacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		StaleServed:      c.staleServed.Load(),
		Evictions:        c.evictions.Load(),
		RefreshAttempts:  c.refreshAttempts.Load(),
		RefreshSuccesses: c.refreshSuccesses.Load(),
		RefreshFailures:  c.refreshFailures.Load(),
		LastRefreshNanos: c.lastRefreshNanos.Load(),
		SizeBytes:        size,
		ResidentSegments: segments,
	}
}

// Close stops the background worker and drops every resident segment.
// Segments still held by in-flight queries stay valid until released.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)

	c.mu.Lock()
	defer c.mu.Unlock()
	for tenant := range c.entries {
		c.removeLocked(tenant)
	}
	return nil
}

func (c *Cache) runWorker() {
	for {
		select {
		case <-c.stop:
			return
		case task := <-c.tasks:
			seg, err := c.refresh(context.Background(), task.tenant)

			c.mu.Lock()
			delete(c.pending, task.tenant)
			c.mu.Unlock()

			if err != nil {
				c.log.Warn("background segment refresh failed",
					"tenant", string(task.tenant), "error", err)
			}

			if task.done != nil {
				res := RefreshResult{Err: err}
				if seg != nil {
					res.Segment = seg.acquire()
				}
				task.done <- res
			}
		}
	}
}

// refresh loads a fresh segment, deduplicating concurrent loads for the
// same tenant. The returned segment is resident but not acquired.
func (c *Cache) refresh(ctx context.Context, tenant claim.TenantID) (*Segment, error) {
	v, err, _ := c.group.Do(string(tenant), func() (any, error) {
		c.refreshAttempts.Add(1)
		start := time.Now()

		seg, err := c.loader.LoadSegment(ctx, tenant)
		c.lastRefreshNanos.Store(time.Since(start).Nanoseconds())

		if err != nil {
			c.refreshFailures.Add(1)
			return nil, err
		}

		c.refreshSuccesses.Add(1)
		c.admit(seg)
		return seg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Segment), nil
}

// admit makes a freshly loaded segment resident, evicting older
// segments until both the local capacity and the global budget accept
// it. When even a fully drained cache cannot fit the segment it is
// served uncached.
func (c *Cache) admit(seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[seg.Tenant]; ok {
		c.removeLocked(seg.Tenant)
	}

	for c.opts.Capacity > 0 && c.size+seg.size > c.opts.Capacity && c.lru.Len() > 0 {
		c.evictOldestLocked()
	}

	for !c.opts.Controller.TryAcquireMemory(seg.size) {
		if c.lru.Len() == 0 {
			c.log.Debug("segment exceeds memory budget, serving uncached",
				"tenant", string(seg.Tenant), "bytes", seg.size)
			return
		}
		c.evictOldestLocked()
	}

	seg.free = c.freeSegment
	seg.refs.Add(1)
	elem := c.lru.PushFront(seg.Tenant)
	c.entries[seg.Tenant] = &entry{seg: seg, elem: elem}
	c.size += seg.size
}

func (c *Cache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(claim.TenantID))
	c.evictions.Add(1)
}

// removeLocked drops a segment from the resident set. The budget
// reservation is returned when the last holder releases it.
func (c *Cache) removeLocked(tenant claim.TenantID) {
	ent, ok := c.entries[tenant]
	if !ok {
		return
	}
	c.lru.Remove(ent.elem)
	delete(c.entries, tenant)
	c.size -= ent.seg.size
	ent.seg.Release()
}

func (c *Cache) freeSegment(s *Segment) {
	c.opts.Controller.ReleaseMemory(s.size)
}

func (c *Cache) enqueueLocked(tenant claim.TenantID) {
	if _, ok := c.pending[tenant]; ok {
		return
	}
	select {
	case c.tasks <- refreshTask{tenant: tenant}:
		c.pending[tenant] = struct{}{}
	default:
	}
}
