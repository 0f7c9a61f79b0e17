package claimlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
)

// Mutation is a single decoded log entry handed to the replay callback.
// Claim is set for insert records, ID for tombstones.
type Mutation struct {
	Type  RecordType
	Seq   claim.Sequence
	Claim *claim.Claim
	ID    claim.ID
}

// ReplayReport summarizes what a partition replay restored.
//
// CorruptTail is an operational health signal, not a failure: the valid
// prefix has been restored and the damaged region discarded. RestoredClaims
// and the probe fields are filled in by the caller once its in-memory state
// is rebuilt.
type ReplayReport struct {
	Tenant          claim.TenantID
	SnapshotRecords int
	LogRecords      int
	RestoredClaims  int
	SnapshotSeq     claim.Sequence
	LastSeq         claim.Sequence
	CorruptTail     *CorruptRecordError
	TruncatedBytes  int64

	// Validation probe outcome, recorded after index rebuild.
	ProbeRan     bool
	ProbeHit     bool
	ProbeClaimID claim.ID
}

// Replay restores a partition directory: manifest, then snapshot, then every
// listed log record with a sequence above the snapshot boundary, in order.
//
// A record that fails CRC, length or read validation marks the corrupt tail:
// the file is truncated to its last valid record, logs listed after it are
// dropped, and replay completes with the valid prefix. The returned manifest
// reflects the state on disk after any such repair.
func Replay(fsys fs.FileSystem, dir string, apply func(m *Mutation) error) (*ReplayReport, *Manifest, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	store := NewManifestStore(fsys, dir)
	m, err := store.Load()
	if err != nil {
		return nil, nil, err
	}

	// Resume the cleanup a crash may have interrupted: temp files and
	// artifacts no longer referenced by the manifest.
	removeOrphans(fsys, dir, m)

	report := &ReplayReport{Tenant: claim.TenantID(m.Tenant)}
	lastSeq := claim.Sequence(0)

	if m.Snapshot != "" {
		info, err := LoadSnapshot(fsys, filepath.Join(dir, m.Snapshot), func(c *claim.Claim) error {
			cc := *c
			return apply(&Mutation{Type: RecordTypeClaim, Seq: c.Sequence, Claim: &cc})
		})
		if err != nil {
			return nil, nil, err
		}
		if uint64(info.Seq) != m.SnapshotSeq {
			return nil, nil, fmt.Errorf("claimlog: snapshot %s at seq %d, manifest says %d",
				m.Snapshot, info.Seq, m.SnapshotSeq)
		}

		report.SnapshotRecords = info.Count
		report.SnapshotSeq = info.Seq
		lastSeq = info.Seq
	}

	for i, rel := range m.Logs {
		path := filepath.Join(dir, rel)

		corrupt, err := replayLog(fsys, path, claim.Sequence(m.SnapshotSeq), &lastSeq, report, apply)
		if err != nil {
			return nil, nil, err
		}
		if corrupt == nil {
			continue
		}

		report.CorruptTail = corrupt

		// Everything past the corruption point is gone: truncate this file
		// and drop any logs listed after it, they can no longer be applied
		// without a sequence gap.
		if err := truncateTail(fsys, path, corrupt.Offset); err != nil {
			return nil, nil, err
		}
		if i < len(m.Logs)-1 {
			for _, dropped := range m.Logs[i+1:] {
				_ = fsys.Remove(filepath.Join(dir, dropped))
			}
			m.Logs = m.Logs[:i+1]
			if err := store.Save(m); err != nil {
				return nil, nil, err
			}
		}
		break
	}

	report.LastSeq = lastSeq

	return report, m, nil
}

// replayLog applies one log file. It returns a CorruptRecordError describing
// the corrupt tail when one is found; nil means the file ended cleanly.
func replayLog(fsys fs.FileSystem, path string, snapshotSeq claim.Sequence, lastSeq *claim.Sequence, report *ReplayReport, apply func(m *Mutation) error) (*CorruptRecordError, error) {
	r, err := OpenReader(fsys, path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	c, ok := codec.ByName(r.CodecName())
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownCodec, r.CodecName(), path)
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			corrupt := &CorruptRecordError{
				Path:         path,
				Offset:       r.Offset(),
				LastValidSeq: uint64(*lastSeq),
				Reason:       err.Error(),
				cause:        err,
			}
			if stat, serr := fsys.Stat(path); serr == nil {
				report.TruncatedBytes = stat.Size() - r.Offset()
			}
			return corrupt, nil
		}

		seq := claim.Sequence(rec.Seq)
		if seq <= snapshotSeq {
			continue // already materialized in the snapshot
		}
		if seq != *lastSeq+1 {
			return nil, fmt.Errorf("%w: %s has seq %d after %d", ErrSequenceGap, path, seq, *lastSeq)
		}

		mut := &Mutation{Type: rec.Type, Seq: seq}
		switch rec.Type {
		case RecordTypeClaim:
			var cl claim.Claim
			if err := c.Unmarshal(rec.Payload, &cl); err != nil {
				return nil, fmt.Errorf("claimlog: decode record seq %d in %s: %w", seq, path, err)
			}
			cl.Sequence = seq
			mut.Claim = &cl
		case RecordTypeTombstone:
			var ts tombstonePayload
			if err := c.Unmarshal(rec.Payload, &ts); err != nil {
				return nil, fmt.Errorf("claimlog: decode tombstone seq %d in %s: %w", seq, path, err)
			}
			mut.ID = ts.ID
		}

		if err := apply(mut); err != nil {
			return nil, err
		}

		*lastSeq = seq
		report.LogRecords++
	}
}

// truncateTail cuts a log file back to its last valid record and syncs.
func truncateTail(fsys fs.FileSystem, path string, off int64) error {
	f, err := fsys.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return newIOError("open for truncate", path, err)
	}

	if err := f.Truncate(off); err != nil {
		f.Close()
		return newIOError("truncate", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newIOError("sync", path, err)
	}

	return f.Close()
}

// removeOrphans deletes temp files and log/snapshot artifacts the manifest
// no longer references. Best effort; leftovers are retried on the next open.
func removeOrphans(fsys fs.FileSystem, dir string, m *Manifest) {
	referenced := make(map[string]struct{}, len(m.Logs)+1)
	for _, rel := range m.Logs {
		referenced[filepath.Base(rel)] = struct{}{}
	}
	if m.Snapshot != "" {
		referenced[filepath.Base(m.Snapshot)] = struct{}{}
	}

	for _, sub := range []string{LogDirName, SnapshotDirName} {
		entries, err := fsys.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, ".tmp") {
				_ = fsys.Remove(filepath.Join(dir, sub, name))
				continue
			}
			if _, ok := referenced[name]; !ok {
				_ = fsys.Remove(filepath.Join(dir, sub, name))
			}
		}
	}
}
