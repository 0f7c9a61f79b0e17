package memgo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgo/ann"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/compress"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/metadata"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/segcache"
)

// partition holds one tenant's complete state: the durable log, the arena
// of claims, and the derived indexes.
//
// mu serializes mutations (appends, checkpoints, repairs); reads go through
// the structures' own locks and never block on it. The index pointers are
// atomic so RepairIndexes can swap freshly rebuilt indexes under readers.
type partition struct {
	tenant claim.TenantID
	dir    string

	mu     sync.Mutex
	ckptMu sync.Mutex

	log      *claimlog.Log
	store    *claimlog.ManifestStore
	manifest *claimlog.Manifest
	policy   claimlog.DurabilityPolicy

	arena *claim.Arena
	meta  atomic.Pointer[metadata.Index]
	rels  atomic.Pointer[claim.RelationTable]
	index atomic.Pointer[ann.Index]

	generation atomic.Uint64
	maxID      uint64
	report     *claimlog.ReplayReport
	fault      atomic.Pointer[IndexInconsistencyError]

	annOptFns  []func(*ann.Options)
	metaOptFns []func(*metadata.Options)
}

func newPartition(tenant claim.TenantID, dir string, opts *options) *partition {
	p := &partition{
		tenant:     tenant,
		dir:        dir,
		policy:     opts.durability,
		arena:      claim.NewArena(),
		annOptFns:  opts.annOptFns,
		metaOptFns: opts.metadataOptFns,
	}
	p.meta.Store(metadata.New(opts.metadataOptFns...))
	p.rels.Store(claim.NewRelationTable())
	return p
}

// createPartition initializes a fresh partition directory with an empty
// manifest and an open log.
func createPartition(fsys fs.FileSystem, dir string, tenant claim.TenantID, opts *options) (*partition, error) {
	for _, sub := range []string{claimlog.LogDirName, claimlog.SnapshotDirName} {
		if err := fsys.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("memgo: create partition %q: %w", tenant, err)
		}
	}

	store := claimlog.NewManifestStore(fsys, dir)
	m, err := store.Load()
	if err != nil {
		return nil, err
	}
	m.Tenant = string(tenant)
	m.Codec = opts.codec.Name()
	rel := claimlog.LogFilePath(m.AllocateFileID())
	m.Logs = []string{rel}
	if err := store.Save(m); err != nil {
		return nil, err
	}

	p := newPartition(tenant, dir, opts)
	p.store = store
	p.manifest = m
	p.report = &claimlog.ReplayReport{Tenant: tenant}

	p.log, err = claimlog.Open(fsys, filepath.Join(dir, rel), opts.codec, opts.durability, 0)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// openPartition replays an existing partition directory, rebuilds its
// indexes, validates them, and leaves the active log open for appends.
func openPartition(fsys fs.FileSystem, dir string, tenant claim.TenantID, opts *options) (*partition, error) {
	// A bare tenant directory is a valid empty partition.
	for _, sub := range []string{claimlog.LogDirName, claimlog.SnapshotDirName} {
		if err := fsys.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("memgo: open partition %q: %w", tenant, err)
		}
	}

	p := newPartition(tenant, dir, opts)

	report, m, err := claimlog.Replay(fsys, dir, p.apply)
	if err != nil {
		return nil, err
	}
	if report.Tenant == "" {
		report.Tenant = tenant
	}
	report.RestoredClaims = p.arena.LiveLen()
	p.probe(report)
	p.report = report

	if f := p.verify(); f != nil {
		p.fault.Store(f)
	}

	p.store = claimlog.NewManifestStore(fsys, dir)
	if m.Tenant == "" {
		m.Tenant = string(tenant)
	}
	if m.Codec == "" {
		m.Codec = opts.codec.Name()
	}
	if len(m.Logs) == 0 {
		rel := claimlog.LogFilePath(m.AllocateFileID())
		m.Logs = []string{rel}
		if err := p.store.Save(m); err != nil {
			return nil, err
		}
	}
	p.manifest = m
	if m.MaxClaimID > p.maxID {
		p.maxID = m.MaxClaimID
	}

	active := m.Logs[len(m.Logs)-1]
	p.log, err = claimlog.Open(fsys, filepath.Join(dir, active), opts.codec, opts.durability, report.LastSeq)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// apply rebuilds in-memory state from one replayed mutation.
func (p *partition) apply(mut *claimlog.Mutation) error {
	switch mut.Type {
	case claimlog.RecordTypeClaim:
		c := mut.Claim
		ix := p.index.Load()
		if ix == nil {
			var err error
			ix, err = ann.New(len(c.Embedding), p.annOptFns...)
			if err != nil {
				return fmt.Errorf("memgo: tenant %q: %w", p.tenant, err)
			}
			p.index.Store(ix)
		}

		local, err := p.arena.Insert(*c)
		if err != nil {
			return fmt.Errorf("memgo: tenant %q: replay claim %d: %w", p.tenant, c.ID, err)
		}
		if err := ix.Insert(local, c.Embedding); err != nil {
			return fmt.Errorf("memgo: tenant %q: replay claim %d: %w", p.tenant, c.ID, err)
		}
		p.meta.Load().Add(local, c)
		p.rels.Load().Add(c.ID, c.Relations)
		if uint64(c.ID) > p.maxID {
			p.maxID = uint64(c.ID)
		}

	case claimlog.RecordTypeTombstone:
		c, ok := p.arena.Get(mut.ID)
		if !ok {
			return fmt.Errorf("memgo: tenant %q: replay tombstone for unknown claim %d", p.tenant, mut.ID)
		}
		local, err := p.arena.Tombstone(mut.ID, mut.Seq)
		if err != nil {
			return fmt.Errorf("memgo: tenant %q: %w", p.tenant, err)
		}
		p.meta.Load().Remove(local, &c)
		if ix := p.index.Load(); ix != nil {
			ix.Delete(local)
		}
	}
	return nil
}

// probe runs the post-replay validation query: the most recently restored
// live claim must come back as its own nearest neighbor. Reported as an
// operational health signal, not a correctness gate.
func (p *partition) probe(report *claimlog.ReplayReport) {
	ix := p.index.Load()
	if ix == nil {
		return
	}

	for i := p.arena.Len() - 1; i >= 0; i-- {
		local := claim.LocalID(i)
		if !p.arena.Live(local) {
			continue
		}
		c, _ := p.arena.ByLocal(local)

		report.ProbeRan = true
		results, err := ix.KNNSearch(c.Embedding, 1, 0, nil)
		if err != nil || len(results) == 0 {
			return
		}
		if top, ok := p.arena.ByLocal(results[0].ID); ok {
			report.ProbeClaimID = top.ID
		}
		report.ProbeHit = results[0].ID == local
		return
	}
}

// verify cross-checks the arena against the derived indexes. A divergence
// means a committed record is not reflected somewhere; it is reported and
// repairable, never ignored.
func (p *partition) verify() *IndexInconsistencyError {
	rows := p.arena.Len()
	live := p.arena.LiveLen()

	ix := p.index.Load()
	if ix == nil {
		if rows > 0 {
			return &IndexInconsistencyError{
				Tenant: p.tenant,
				Index:  "ann",
				Reason: fmt.Sprintf("no index for %d arena rows", rows),
			}
		}
	} else if ix.Len() != rows {
		return &IndexInconsistencyError{
			Tenant: p.tenant,
			Index:  "ann",
			Reason: fmt.Sprintf("%d graph rows, %d arena rows", ix.Len(), rows),
		}
	}

	if docs := p.meta.Load().Stats().Docs; docs != live {
		return &IndexInconsistencyError{
			Tenant: p.tenant,
			Index:  "metadata",
			Reason: fmt.Sprintf("%d indexed claims, %d live claims", docs, live),
		}
	}
	return nil
}

// view snapshots the partition's read structures for one query.
func (p *partition) view() retrieval.View {
	return retrieval.View{
		Metadata:  p.meta.Load(),
		ANN:       p.index.Load(),
		Arena:     p.arena,
		Relations: p.rels.Load(),
	}
}

// insert appends the claim and applies its index side effects. The claim
// carries its final id; the sequence is assigned by the log.
func (p *partition) insert(c *claim.Claim) (claim.Sequence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ix := p.index.Load()
	if ix != nil && ix.Dimension() != len(c.Embedding) {
		return 0, &ann.DimensionMismatchError{Expected: ix.Dimension(), Actual: len(c.Embedding)}
	}
	if ix == nil {
		var err error
		ix, err = ann.New(len(c.Embedding), p.annOptFns...)
		if err != nil {
			return 0, err
		}
		p.index.Store(ix)
	}

	// Durability gate: the record reaches stable storage under the
	// configured policy before any index side effect happens.
	seq, err := p.log.AppendClaim(c)
	if err != nil {
		return 0, err
	}

	local, err := p.arena.Insert(*c)
	if err != nil {
		return seq, err
	}
	if err := ix.Insert(local, c.Embedding); err != nil {
		return seq, err
	}
	p.meta.Load().Add(local, c)
	p.rels.Load().Add(c.ID, c.Relations)

	if uint64(c.ID) > p.maxID {
		p.maxID = uint64(c.ID)
	}
	p.generation.Add(1)
	return seq, nil
}

// delete appends a tombstone and drops the claim from the live indexes.
// The row itself stays in the arena until the next checkpoint compacts it.
func (p *partition) delete(id claim.ID) (claim.Sequence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.arena.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: claim %d in tenant %q", ErrNotFound, id, p.tenant)
	}

	seq, err := p.log.AppendTombstone(id)
	if err != nil {
		return 0, err
	}

	local, err := p.arena.Tombstone(id, seq)
	if err != nil {
		return seq, err
	}
	p.meta.Load().Remove(local, &c)
	if ix := p.index.Load(); ix != nil {
		ix.Delete(local)
	}
	p.generation.Add(1)
	return seq, nil
}

// get returns a copy of the live claim.
func (p *partition) get(id claim.ID) (claim.Claim, error) {
	c, ok := p.arena.Get(id)
	if !ok {
		return claim.Claim{}, fmt.Errorf("%w: claim %d in tenant %q", ErrNotFound, id, p.tenant)
	}
	return c, nil
}

// loadSegment materializes the scoring attributes of every arena row,
// dead rows included so the segment stays positionally indexable.
func (p *partition) loadSegment(ctx context.Context) (*segcache.Segment, error) {
	gen := p.generation.Load()

	n := p.arena.Len()
	rows := make([]segcache.Row, n)
	for i := 0; i < n; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		local := claim.LocalID(i)
		c, ok := p.arena.ByLocal(local)
		if !ok {
			rows = rows[:i]
			break
		}
		rows[i] = segcache.Row{
			ID:           c.ID,
			Entities:     c.Entities,
			EventTime:    c.EventTime,
			HasEventTime: c.HasEventTime,
			Live:         p.arena.Live(local),
		}
	}
	return segcache.NewSegment(p.tenant, gen, rows), nil
}

// checkpoint materializes the live claims at a fixed sequence boundary
// into a fresh snapshot and collapses the log to the records above it.
//
// Only boundary fixing and log rotation run under the partition mutex;
// appends proceed on the rotated log while the snapshot is written. A
// crash at any point leaves a replayable partition: the manifest briefly
// references both logs, and unreferenced artifacts are swept at open.
func (p *partition) checkpoint(fsys fs.FileSystem, c codec.Codec, kind compress.Kind) (CheckpointReport, error) {
	p.ckptMu.Lock()
	defer p.ckptMu.Unlock()

	start := time.Now()
	report := CheckpointReport{Tenant: p.tenant}
	m := p.manifest

	p.mu.Lock()
	boundary := p.log.LastSequence()
	if uint64(boundary) == m.SnapshotSeq {
		p.mu.Unlock()
		report.Snapshot = m.Snapshot
		report.SnapshotSeq = boundary
		report.Elapsed = time.Since(start)
		return report, nil
	}
	if err := p.log.Sync(); err != nil {
		p.mu.Unlock()
		return report, err
	}

	oldLog := p.log
	oldRel := m.Logs[len(m.Logs)-1]
	oldSnap := m.Snapshot
	maxID := p.maxID

	newRel := claimlog.LogFilePath(m.AllocateFileID())
	snapRel := claimlog.SnapshotFilePath(m.AllocateFileID())

	// The log file exists before the manifest references it; a crash in
	// between leaves an unreferenced file, not a dangling reference.
	newLog, err := claimlog.Open(fsys, filepath.Join(p.dir, newRel), c, p.policy, boundary)
	if err != nil {
		p.mu.Unlock()
		return report, err
	}
	prevLogs := m.Logs
	m.Logs = append(append([]string{}, prevLogs...), newRel)
	if err := p.store.Save(m); err != nil {
		m.Logs = prevLogs
		newLog.Close()
		_ = fsys.Remove(filepath.Join(p.dir, newRel))
		p.mu.Unlock()
		return report, err
	}
	p.log = newLog
	p.mu.Unlock()

	if err := oldLog.Close(); err != nil {
		return report, err
	}

	var claims []claim.Claim
	p.arena.RangeAt(boundary, func(_ claim.LocalID, cl *claim.Claim) bool {
		claims = append(claims, *cl)
		return true
	})

	compacted := 0
	for i := 0; i < p.arena.Len(); i++ {
		local := claim.LocalID(i)
		cl, ok := p.arena.ByLocal(local)
		if !ok || cl.Sequence > boundary {
			continue
		}
		if !p.arena.LiveAt(local, boundary) {
			compacted++
		}
	}

	if err := claimlog.WriteSnapshot(fsys, filepath.Join(p.dir, snapRel), c, kind, boundary, claims); err != nil {
		return report, err
	}

	// Publish: from here on replay starts at the new snapshot.
	p.mu.Lock()
	m.Snapshot = snapRel
	m.SnapshotSeq = uint64(boundary)
	m.MaxClaimID = maxID
	m.Logs = []string{newRel}
	err = p.store.Save(m)
	p.mu.Unlock()
	if err != nil {
		return report, err
	}

	// Superseded artifacts; leftovers are swept at the next open.
	_ = fsys.Remove(filepath.Join(p.dir, oldRel))
	if oldSnap != "" {
		_ = fsys.Remove(filepath.Join(p.dir, oldSnap))
	}

	report.Snapshot = snapRel
	report.SnapshotSeq = boundary
	report.LiveClaims = len(claims)
	report.Compacted = compacted
	report.RotatedLog = newRel
	report.Elapsed = time.Since(start)
	return report, nil
}

// repairIndexes rebuilds the metadata index, the relation table and the
// ANN graph from the arena, then swaps them in under running readers.
func (p *partition) repairIndexes() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta := metadata.New(p.metaOptFns...)
	rels := claim.NewRelationTable()
	var ix *ann.Index

	n := p.arena.Len()
	for i := 0; i < n; i++ {
		local := claim.LocalID(i)
		c, ok := p.arena.ByLocal(local)
		if !ok {
			break
		}

		if ix == nil {
			var err error
			ix, err = ann.New(len(c.Embedding), p.annOptFns...)
			if err != nil {
				return 0, err
			}
		}
		if err := ix.Insert(local, c.Embedding); err != nil {
			return 0, err
		}
		rels.Add(c.ID, c.Relations)

		if !p.arena.Live(local) {
			ix.Delete(local)
			continue
		}
		meta.Add(local, &c)
	}

	p.meta.Store(meta)
	p.rels.Store(rels)
	if ix != nil {
		p.index.Store(ix)
	}
	p.fault.Store(nil)
	p.generation.Add(1)

	if f := p.verify(); f != nil {
		p.fault.Store(f)
		return p.arena.LiveLen(), f
	}
	return p.arena.LiveLen(), nil
}

func (p *partition) close() error {
	return p.log.Close()
}
