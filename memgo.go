package memgo

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/segcache"
)

// Memgo is an evidence memory engine with per-tenant partitions, each
// backed by a durable claim log and in-memory retrieval indexes.
type Memgo struct {
	dir     string
	fsys    fs.FileSystem
	opts    *options
	metrics MetricsCollector
	logger  *Logger

	mu    sync.RWMutex // protects parts
	parts map[claim.TenantID]*partition

	nextID   atomic.Uint64
	cache    *segcache.Cache
	pipeline *retrieval.Pipeline
	closed   atomic.Bool
}

// Open opens the engine rooted at dir, creating it when empty. Every
// tenant subdirectory is replayed into memory before Open returns;
// partitions replay in parallel, one goroutine per tenant up to
// GOMAXPROCS.
//
// A corrupt log tail does not fail Open: the valid prefix is restored,
// the tail is discarded, and the outcome is recorded in the tenant's
// replay report. Index inconsistencies detected after replay are
// reported through IndexFault and left for RepairIndexes.
func Open(dir string, optFns ...Option) (*Memgo, error) {
	opts := applyOptions(optFns)

	if err := opts.durability.Validate(); err != nil {
		return nil, err
	}
	if err := opts.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memgo: open %q: %w", dir, err)
	}

	entries, err := opts.fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("memgo: open %q: %w", dir, err)
	}

	var (
		partsMu sync.Mutex
		parts   = make(map[claim.TenantID]*partition)
		elapsed = make(map[claim.TenantID]time.Duration)
	)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tenant := claim.TenantID(entry.Name())
		g.Go(func() error {
			start := time.Now()
			p, err := openPartition(opts.fsys, filepath.Join(dir, entry.Name()), tenant, opts)
			if err != nil {
				return err
			}
			partsMu.Lock()
			parts[tenant] = p
			elapsed[tenant] = time.Since(start)
			partsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range parts {
			p.close()
		}
		return nil, err
	}

	mg := &Memgo{
		dir:     dir,
		fsys:    opts.fsys,
		opts:    opts,
		metrics: opts.metricsCollector,
		logger:  opts.logger,
		parts:   parts,
	}

	var maxID uint64
	for _, p := range parts {
		if p.maxID > maxID {
			maxID = p.maxID
		}
	}
	mg.nextID.Store(maxID)

	src := source{mg: mg}

	cacheOptFns := append([]func(*segcache.Options){func(o *segcache.Options) {
		o.Controller = opts.controller
		o.Logger = opts.logger.Logger
	}}, opts.cacheOptFns...)
	mg.cache, err = segcache.New(src, cacheOptFns...)
	if err != nil {
		mg.closePartitions()
		return nil, err
	}

	searchOptFns := append([]func(*retrieval.Options){func(o *retrieval.Options) {
		o.Logger = opts.logger.Logger
	}}, opts.searchOptFns...)
	mg.pipeline, err = retrieval.New(src, mg.cache, searchOptFns...)
	if err != nil {
		mg.cache.Close()
		mg.closePartitions()
		return nil, err
	}

	ctx := context.Background()
	for _, tenant := range mg.Tenants() {
		p := parts[tenant]
		mg.logger.LogReplay(ctx, p.report)
		mg.metrics.RecordReplay(p.report.RestoredClaims, elapsed[tenant], nil)
		if f := p.fault.Load(); f != nil {
			mg.logger.WarnContext(ctx, "index inconsistency detected, repair required",
				slog.String("tenant", string(tenant)),
				slog.String("index", f.Index),
				slog.String("reason", f.Reason))
		}
	}

	return mg, nil
}

// ClaimInput is one claim to insert. The engine assigns the claim id
// and the log sequence.
type ClaimInput struct {
	Tenant claim.TenantID

	// Content is the claim text.
	Content string

	// Embedding is the dense vector. Its dimension is fixed for the
	// tenant by the first inserted claim.
	Embedding []float32

	// Entities are exact-match tags.
	Entities []string

	// EventTime is the domain event time. Nil means unknown; such
	// claims are excluded whenever a query restricts by time window.
	EventTime *time.Time

	// Relations are typed edges to earlier claims of the same tenant.
	Relations []claim.Relation
}

// InsertResult identifies the appended claim.
type InsertResult struct {
	ClaimID  claim.ID
	Sequence claim.Sequence
}

// Insert validates, durably appends, and indexes one claim. It returns
// only after the record has reached stable storage under the configured
// durability policy.
func (mg *Memgo) Insert(ctx context.Context, input ClaimInput) (InsertResult, error) {
	start := time.Now()

	res, err := mg.insert(input)

	duration := time.Since(start)
	err = translateError(err)
	mg.metrics.RecordInsert(duration, err)
	mg.logger.LogInsert(ctx, input.Tenant, res.ClaimID, res.Sequence, err)

	return res, err
}

func (mg *Memgo) insert(input ClaimInput) (InsertResult, error) {
	if mg.closed.Load() {
		return InsertResult{}, ErrClosed
	}
	if err := validateInput(&input); err != nil {
		return InsertResult{}, err
	}
	if err := mg.checkRelations(input.Tenant, input.Relations); err != nil {
		return InsertResult{}, err
	}

	p, err := mg.ensurePartition(input.Tenant)
	if err != nil {
		return InsertResult{}, err
	}

	c := claim.Claim{
		ID:        claim.ID(mg.nextID.Add(1)),
		Tenant:    input.Tenant,
		Content:   input.Content,
		Embedding: slices.Clone(input.Embedding),
		Entities:  slices.Clone(input.Entities),
		Relations: slices.Clone(input.Relations),
	}
	if input.EventTime != nil {
		c.EventTime = *input.EventTime
		c.HasEventTime = true
	}

	// A failed append leaves a gap in the id space; ids are never
	// reassigned.
	seq, err := p.insert(&c)
	if err != nil {
		return InsertResult{ClaimID: c.ID}, err
	}
	return InsertResult{ClaimID: c.ID, Sequence: seq}, nil
}

// Delete durably appends a tombstone for the claim and removes it from
// the live indexes. The claim stops appearing in Get and Search results
// immediately; its storage is reclaimed by the next checkpoint.
func (mg *Memgo) Delete(ctx context.Context, tenant claim.TenantID, id claim.ID) error {
	start := time.Now()

	err := mg.delete(tenant, id)

	duration := time.Since(start)
	err = translateError(err)
	mg.metrics.RecordDelete(duration, err)
	mg.logger.LogDelete(ctx, tenant, id, err)

	return err
}

func (mg *Memgo) delete(tenant claim.TenantID, id claim.ID) error {
	if mg.closed.Load() {
		return ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	_, err := p.delete(id)
	return err
}

// Get returns a copy of the live claim. Tombstoned and never-seen ids
// return ErrNotFound.
func (mg *Memgo) Get(tenant claim.TenantID, id claim.ID) (claim.Claim, error) {
	if mg.closed.Load() {
		return claim.Claim{}, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return claim.Claim{}, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.get(id)
}

// Generation returns the tenant's mutation counter. It increments on
// every acknowledged append or tombstone and restarts at zero on Open.
func (mg *Memgo) Generation(tenant claim.TenantID) (uint64, error) {
	p, ok := mg.partition(tenant)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.generation.Load(), nil
}

// Tenants returns the known tenant ids in sorted order.
func (mg *Memgo) Tenants() []claim.TenantID {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	out := make([]claim.TenantID, 0, len(mg.parts))
	for t := range mg.parts {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// ReplayReports returns the per-tenant recovery reports, ordered by
// tenant. Partitions created after Open carry an empty report.
func (mg *Memgo) ReplayReports() []*claimlog.ReplayReport {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	out := make([]*claimlog.ReplayReport, 0, len(mg.parts))
	for _, p := range mg.parts {
		out = append(out, p.report)
	}
	slices.SortFunc(out, func(a, b *claimlog.ReplayReport) int {
		return strings.Compare(string(a.Tenant), string(b.Tenant))
	})
	return out
}

// IndexFault returns the recorded index inconsistency for the tenant,
// or nil when its indexes agree with the claim log. A fault is cleared
// by a successful RepairIndexes.
func (mg *Memgo) IndexFault(tenant claim.TenantID) error {
	p, ok := mg.partition(tenant)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	if f := p.fault.Load(); f != nil {
		return f
	}
	return nil
}

// TenantStats describes one partition.
type TenantStats struct {
	Tenant       claim.TenantID
	LiveClaims   int
	Tombstones   int
	LastSequence claim.Sequence
	Generation   uint64
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	Tenants []TenantStats
	Cache   segcache.CacheStats
}

// Stats reports per-tenant claim counts and segment cache counters.
func (mg *Memgo) Stats() Stats {
	mg.mu.RLock()
	defer mg.mu.RUnlock()

	st := Stats{Tenants: make([]TenantStats, 0, len(mg.parts))}
	for tenant, p := range mg.parts {
		st.Tenants = append(st.Tenants, TenantStats{
			Tenant:       tenant,
			LiveClaims:   p.arena.LiveLen(),
			Tombstones:   p.arena.Len() - p.arena.LiveLen(),
			LastSequence: p.log.LastSequence(),
			Generation:   p.generation.Load(),
		})
	}
	slices.SortFunc(st.Tenants, func(a, b TenantStats) int {
		return strings.Compare(string(a.Tenant), string(b.Tenant))
	})
	st.Cache = mg.cache.Stats()
	return st
}

func (mg *Memgo) partition(tenant claim.TenantID) (*partition, bool) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	p, ok := mg.parts[tenant]
	return p, ok
}

// ensurePartition creates the tenant's partition directory on first
// insert. The parent directory is fsynced so the new partition survives
// a crash.
func (mg *Memgo) ensurePartition(tenant claim.TenantID) (*partition, error) {
	if p, ok := mg.partition(tenant); ok {
		return p, nil
	}

	mg.mu.Lock()
	defer mg.mu.Unlock()
	if p, ok := mg.parts[tenant]; ok {
		return p, nil
	}

	p, err := createPartition(mg.fsys, filepath.Join(mg.dir, string(tenant)), tenant, mg.opts)
	if err != nil {
		return nil, err
	}
	if err := fs.SyncDir(mg.fsys, mg.dir); err != nil {
		p.close()
		return nil, err
	}
	mg.parts[tenant] = p
	return p, nil
}

// checkRelations rejects relations whose target lives in another
// tenant's partition. Targets that resolve nowhere are accepted; a
// checkpoint may have compacted them away.
func (mg *Memgo) checkRelations(tenant claim.TenantID, rels []claim.Relation) error {
	if len(rels) == 0 {
		return nil
	}

	mg.mu.RLock()
	defer mg.mu.RUnlock()

	for _, r := range rels {
		if own, ok := mg.parts[tenant]; ok {
			if _, ok := own.arena.Lookup(r.Target); ok {
				continue
			}
		}
		for t, p := range mg.parts {
			if t == tenant {
				continue
			}
			if _, ok := p.arena.Lookup(r.Target); ok {
				return &CrossTenantRelationError{Tenant: tenant, Target: r.Target, Owner: t}
			}
		}
	}
	return nil
}

func (mg *Memgo) closePartitions() {
	for _, p := range mg.parts {
		p.close()
	}
}

func validateInput(input *ClaimInput) error {
	if !validTenantID(input.Tenant) {
		return fmt.Errorf("%w: tenant id %q", ErrInvalidClaim, input.Tenant)
	}
	if len(input.Embedding) == 0 {
		return fmt.Errorf("%w: missing embedding", ErrInvalidClaim)
	}
	for _, r := range input.Relations {
		if r.Kind != claim.RelationSupports && r.Kind != claim.RelationContradicts {
			return fmt.Errorf("%w: unknown relation kind %d", ErrInvalidClaim, r.Kind)
		}
		if r.Target == 0 {
			return fmt.Errorf("%w: relation without target", ErrInvalidClaim)
		}
	}
	return nil
}

// validTenantID reports whether the tenant id maps to a safe directory
// name.
func validTenantID(t claim.TenantID) bool {
	if t == "" || t == "." || t == ".." {
		return false
	}
	for _, r := range t {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// source adapts the engine's partitions to the read interfaces of the
// retrieval pipeline and the segment cache.
type source struct{ mg *Memgo }

func (s source) View(tenant claim.TenantID) (retrieval.View, error) {
	p, ok := s.mg.partition(tenant)
	if !ok {
		return retrieval.View{}, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.view(), nil
}

func (s source) LoadSegment(ctx context.Context, tenant claim.TenantID) (*segcache.Segment, error) {
	p, ok := s.mg.partition(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.loadSegment(ctx)
}

func (s source) Generation(tenant claim.TenantID) uint64 {
	p, ok := s.mg.partition(tenant)
	if !ok {
		return 0
	}
	return p.generation.Load()
}
