package memgo

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/memgo/claim"
)

// CheckpointReport describes one completed checkpoint.
type CheckpointReport struct {
	Tenant claim.TenantID

	// Snapshot is the partition-relative path of the published snapshot.
	Snapshot string

	// SnapshotSeq is the boundary sequence the snapshot captures. Replay
	// resumes from the records above it.
	SnapshotSeq claim.Sequence

	// LiveClaims is the number of claims the snapshot holds.
	LiveClaims int

	// Compacted is the number of claims dropped from history because a
	// tombstone at or below the boundary covered them.
	Compacted int

	// RotatedLog is the partition-relative path of the new active log.
	// Empty when the checkpoint was skipped because nothing changed since
	// the previous one.
	RotatedLog string

	Elapsed time.Duration
}

// Checkpoint materializes the tenant's live claims at a fixed sequence
// boundary into a snapshot and collapses the log to the records above
// it. Appends proceed while the snapshot is written; only boundary
// fixing and log rotation briefly exclude them. Once started, a
// checkpoint runs to completion.
func (mg *Memgo) Checkpoint(ctx context.Context, tenant claim.TenantID) (CheckpointReport, error) {
	start := time.Now()

	report, err := mg.checkpoint(tenant)

	duration := time.Since(start)
	err = translateError(err)
	mg.metrics.RecordCheckpoint(report.LiveClaims, duration, err)
	mg.logger.LogCheckpoint(ctx, tenant, report, err)

	return report, err
}

func (mg *Memgo) checkpoint(tenant claim.TenantID) (CheckpointReport, error) {
	if mg.closed.Load() {
		return CheckpointReport{}, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return CheckpointReport{}, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.checkpoint(mg.fsys, mg.opts.codec, mg.opts.compression.kind())
}

// CheckpointAll checkpoints every tenant, in parallel up to GOMAXPROCS,
// and returns the completed reports ordered by tenant. The first error
// keeps unstarted tenants from starting; running checkpoints complete.
func (mg *Memgo) CheckpointAll(ctx context.Context) ([]CheckpointReport, error) {
	tenants := mg.Tenants()

	var (
		mu      sync.Mutex
		reports = make([]CheckpointReport, 0, len(tenants))
	)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, tenant := range tenants {
		g.Go(func() error {
			report, err := mg.Checkpoint(ctx, tenant)
			if err != nil {
				return err
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	slices.SortFunc(reports, func(a, b CheckpointReport) int {
		return strings.Compare(string(a.Tenant), string(b.Tenant))
	})
	return reports, err
}

// RepairIndexes rebuilds the tenant's in-memory indexes from the claim
// arena and swaps them in under concurrent readers. A fault recorded at
// Open is cleared when the rebuild verifies clean. It returns the
// number of live claims indexed.
func (mg *Memgo) RepairIndexes(ctx context.Context, tenant claim.TenantID) (int, error) {
	rebuilt, err := mg.repairIndexes(tenant)

	err = translateError(err)
	mg.logger.LogRepair(ctx, tenant, rebuilt, err)

	return rebuilt, err
}

func (mg *Memgo) repairIndexes(tenant claim.TenantID) (int, error) {
	if mg.closed.Load() {
		return 0, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}
	return p.repairIndexes()
}
