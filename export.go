package memgo

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/persistence"
	"github.com/hupe1980/memgo/resource"
)

// ExportSnapshot streams the tenant's current snapshot artifact to w
// and returns the number of bytes written. The artifact is
// self-describing and feeds Restore unchanged. Transfers are throttled
// by the engine's IO budget when a resource controller is configured.
func (mg *Memgo) ExportSnapshot(ctx context.Context, tenant claim.TenantID, w io.Writer) (int64, error) {
	if mg.closed.Load() {
		return 0, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}

	// Checkpoints swap and remove snapshot artifacts; excluding them for
	// the copy keeps the source stable.
	p.ckptMu.Lock()
	defer p.ckptMu.Unlock()

	p.mu.Lock()
	rel := p.manifest.Snapshot
	p.mu.Unlock()
	if rel == "" {
		return 0, fmt.Errorf("%w: tenant %q", ErrNoSnapshot, tenant)
	}

	f, err := mg.fsys.OpenFile(filepath.Join(p.dir, rel), os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(resource.NewThrottledWriter(ctx, w, mg.opts.controller), f)
}

// ExportLogSegment writes the records of the tenant's active log whose
// sequence falls in [from, to] to w, preserving their on-disk framing.
// A zero `to` means everything through the end of the log. It returns
// the number of exported records.
//
// Only records above the last checkpoint boundary are still in the log;
// older history is exported through ExportSnapshot. Appends are held
// for the duration of the export.
func (mg *Memgo) ExportLogSegment(ctx context.Context, tenant claim.TenantID, from, to claim.Sequence, w io.Writer) (int, error) {
	if mg.closed.Load() {
		return 0, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.log.Sync(); err != nil {
		return 0, err
	}
	tw := resource.NewThrottledWriter(ctx, w, mg.opts.controller)
	return claimlog.ExportSegment(mg.fsys, p.log.Path(), tw, from, to)
}

// Restore builds a fresh partition directory under dir from a snapshot
// stream and zero or more exported log segments, in export order. The
// artifacts are CRC-validated and the segment sequences checked for
// contiguity before the manifest is published; a later Open replays the
// partition normally.
//
// Restoring over an existing partition is refused.
func Restore(dir string, tenant claim.TenantID, snapshot io.Reader, segments []io.Reader, optFns ...Option) error {
	opts := applyOptions(optFns)

	if !validTenantID(tenant) {
		return fmt.Errorf("%w: tenant id %q", ErrInvalidClaim, tenant)
	}
	return restorePartition(opts.fsys, dir, tenant, opts.codec, snapshot, segments, 0)
}

func restorePartition(fsys fs.FileSystem, dir string, tenant claim.TenantID, c codec.Codec, snapshot io.Reader, segments []io.Reader, maxClaimID uint64) error {
	pdir := filepath.Join(dir, string(tenant))
	if _, err := fsys.Stat(filepath.Join(pdir, claimlog.CurrentFileName)); err == nil {
		return fmt.Errorf("memgo: partition %q already exists in %s", tenant, dir)
	}

	for _, sub := range []string{claimlog.LogDirName, claimlog.SnapshotDirName} {
		if err := fsys.MkdirAll(filepath.Join(pdir, sub), 0o755); err != nil {
			return fmt.Errorf("memgo: restore %q: %w", tenant, err)
		}
	}

	m := &claimlog.Manifest{
		Version:    claimlog.ManifestVersion,
		Tenant:     string(tenant),
		MaxClaimID: maxClaimID,
	}

	// Snapshot first: copy the stream in, then validate it record by
	// record.
	snapRel := claimlog.SnapshotFilePath(m.AllocateFileID())
	snapPath := filepath.Join(pdir, snapRel)
	if err := writeArtifact(fsys, snapPath, snapshot); err != nil {
		return err
	}
	info, err := claimlog.LoadSnapshot(fsys, snapPath, func(cl *claim.Claim) error {
		if uint64(cl.ID) > m.MaxClaimID {
			m.MaxClaimID = uint64(cl.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("memgo: restore %q: %w", tenant, err)
	}
	if info.CodecName != c.Name() {
		return fmt.Errorf("memgo: restore %q: snapshot codec %q, engine codec %q", tenant, info.CodecName, c.Name())
	}
	m.Snapshot = snapRel
	m.SnapshotSeq = uint64(info.Seq)

	lastSeq := info.Seq
	for i, seg := range segments {
		rel := claimlog.LogFilePath(m.AllocateFileID())
		path := filepath.Join(pdir, rel)
		if err := writeArtifact(fsys, path, seg); err != nil {
			return err
		}
		if err := validateSegment(fsys, path, c, info.Seq, &lastSeq, m); err != nil {
			return fmt.Errorf("memgo: restore %q: segment %d: %w", tenant, i, err)
		}
		m.Logs = append(m.Logs, rel)
	}

	m.Codec = c.Name()
	if err := claimlog.NewManifestStore(fsys, pdir).Save(m); err != nil {
		return err
	}
	return fs.SyncDir(fsys, dir)
}

// writeArtifact copies a stream into place atomically. A restore that
// fails partway can be retried into the same directory.
func writeArtifact(fsys fs.FileSystem, path string, r io.Reader) error {
	return persistence.SaveToFile(fsys, path, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// validateSegment checks one restored log file: CRC framing, sequence
// contiguity above the snapshot boundary, and the claim id high-water
// mark.
func validateSegment(fsys fs.FileSystem, path string, c codec.Codec, snapSeq claim.Sequence, lastSeq *claim.Sequence, m *claimlog.Manifest) error {
	r, err := claimlog.OpenReader(fsys, path)
	if err != nil {
		return err
	}
	defer r.Close()

	if r.CodecName() != c.Name() {
		return fmt.Errorf("segment codec %q, engine codec %q", r.CodecName(), c.Name())
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		seq := claim.Sequence(rec.Seq)
		if seq <= snapSeq {
			continue
		}
		if seq != *lastSeq+1 {
			return fmt.Errorf("sequence gap: %d after %d", seq, *lastSeq)
		}
		*lastSeq = seq

		if rec.Type == claimlog.RecordTypeClaim {
			var cl claim.Claim
			if err := c.Unmarshal(rec.Payload, &cl); err != nil {
				return fmt.Errorf("decode record seq %d: %w", seq, err)
			}
			if uint64(cl.ID) > m.MaxClaimID {
				m.MaxClaimID = uint64(cl.ID)
			}
		}
	}
}
