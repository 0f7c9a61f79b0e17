package memgo

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/hupe1980/memgo/blobstore"
	"github.com/hupe1980/memgo/claim"
	xhash "github.com/hupe1980/memgo/internal/hash"
	"github.com/hupe1980/memgo/resource"
)

// ArchiveManifestName is the blob published last by ArchiveCheckpoint.
// Its presence under "<tenant>/" marks a complete, restorable archive;
// stores with conditional writes (blobstore/s3.CommitStore) version it.
const ArchiveManifestName = "CHECKPOINT"

const archiveManifestVersion = 1

// ArchiveInfo describes one archived checkpoint.
type ArchiveInfo struct {
	// Tenant is the archived partition.
	Tenant claim.TenantID

	// SnapshotKey is the blob holding the snapshot artifact.
	SnapshotKey string

	// SnapshotSeq is the last sequence the snapshot covers.
	SnapshotSeq claim.Sequence

	// Bytes is the snapshot artifact size.
	Bytes int64

	// CRC32C is the checksum of the uploaded artifact.
	CRC32C uint32
}

// archiveManifest is the JSON document behind ArchiveManifestName. It
// carries everything RestoreFromArchive needs without listing the store.
type archiveManifest struct {
	Version     int       `json:"version"`
	Tenant      string    `json:"tenant"`
	SnapshotKey string    `json:"snapshot_key"`
	SnapshotSeq uint64    `json:"snapshot_seq"`
	MaxClaimID  uint64    `json:"max_claim_id"`
	Codec       string    `json:"codec"`
	SizeBytes   int64     `json:"size_bytes"`
	CRC32C      uint32    `json:"crc32c"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArchiveCheckpoint uploads the tenant's current snapshot artifact to
// store and then publishes the archive manifest under
// "<tenant>/CHECKPOINT". The manifest goes up last, so a crashed upload
// leaves at worst an orphan snapshot blob, never a manifest pointing at
// missing data.
//
// Records appended after the last Checkpoint are not part of the
// archive; pair this with ExportLogSegment when the tail matters.
func (mg *Memgo) ArchiveCheckpoint(ctx context.Context, tenant claim.TenantID, store blobstore.Store) (ArchiveInfo, error) {
	if mg.closed.Load() {
		return ArchiveInfo{}, ErrClosed
	}
	p, ok := mg.partition(tenant)
	if !ok {
		return ArchiveInfo{}, fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}

	// Checkpoints swap and remove snapshot artifacts; excluding them
	// keeps the upload source stable.
	p.ckptMu.Lock()
	defer p.ckptMu.Unlock()

	p.mu.Lock()
	rel := p.manifest.Snapshot
	snapSeq := p.manifest.SnapshotSeq
	maxID := p.manifest.MaxClaimID
	p.mu.Unlock()
	if rel == "" {
		return ArchiveInfo{}, fmt.Errorf("%w: tenant %q", ErrNoSnapshot, tenant)
	}

	path := filepath.Join(p.dir, rel)
	st, err := mg.fsys.Stat(path)
	if err != nil {
		return ArchiveInfo{}, err
	}
	f, err := mg.fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return ArchiveInfo{}, err
	}
	defer f.Close()

	key := string(tenant) + "/" + filepath.ToSlash(rel)
	hasher := xhash.NewCRC32C()
	body := io.TeeReader(resource.NewThrottledReader(ctx, f, mg.opts.controller), hasher)

	if err := store.Put(ctx, key, body, st.Size()); err != nil {
		mg.logger.LogArchive(ctx, tenant, key, err)
		return ArchiveInfo{}, err
	}

	am := archiveManifest{
		Version:     archiveManifestVersion,
		Tenant:      string(tenant),
		SnapshotKey: key,
		SnapshotSeq: snapSeq,
		MaxClaimID:  maxID,
		Codec:       mg.opts.codec.Name(),
		SizeBytes:   st.Size(),
		CRC32C:      hasher.Sum32(),
		CreatedAt:   time.Now().UTC(),
	}
	doc, err := gojson.Marshal(am)
	if err != nil {
		return ArchiveInfo{}, fmt.Errorf("memgo: archive %q: encode manifest: %w", tenant, err)
	}

	pointer := string(tenant) + "/" + ArchiveManifestName
	err = store.Put(ctx, pointer, bytes.NewReader(doc), int64(len(doc)))
	mg.logger.LogArchive(ctx, tenant, key, err)
	if err != nil {
		return ArchiveInfo{}, err
	}

	return ArchiveInfo{
		Tenant:      tenant,
		SnapshotKey: key,
		SnapshotSeq: claim.Sequence(snapSeq),
		Bytes:       st.Size(),
		CRC32C:      am.CRC32C,
	}, nil
}

// RestoreFromArchive rebuilds a partition directory under dir from the
// tenant's archive manifest in store. The snapshot stream is verified
// against the manifest checksum before the partition is published, and
// the manifest's claim id high-water mark survives the restore, so ids
// compacted out of the snapshot are never handed out again.
//
// Like Restore, an existing partition is refused.
func RestoreFromArchive(ctx context.Context, dir string, tenant claim.TenantID, store blobstore.Store, optFns ...Option) error {
	opts := applyOptions(optFns)

	if !validTenantID(tenant) {
		return fmt.Errorf("%w: tenant id %q", ErrInvalidClaim, tenant)
	}

	pointer := string(tenant) + "/" + ArchiveManifestName
	mblob, err := store.Open(ctx, pointer)
	if err != nil {
		return fmt.Errorf("memgo: restore archive %q: %w", tenant, err)
	}
	doc, err := io.ReadAll(io.NewSectionReader(mblob, 0, mblob.Size()))
	mblob.Close()
	if err != nil {
		return fmt.Errorf("memgo: restore archive %q: read manifest: %w", tenant, err)
	}

	var am archiveManifest
	if err := gojson.Unmarshal(doc, &am); err != nil {
		return fmt.Errorf("memgo: restore archive %q: decode manifest: %w", tenant, err)
	}
	if am.Version != archiveManifestVersion {
		return fmt.Errorf("memgo: restore archive %q: unsupported manifest version %d", tenant, am.Version)
	}
	if am.Tenant != string(tenant) {
		return fmt.Errorf("memgo: restore archive %q: manifest belongs to tenant %q", tenant, am.Tenant)
	}

	sblob, err := store.Open(ctx, am.SnapshotKey)
	if err != nil {
		return fmt.Errorf("memgo: restore archive %q: %w", tenant, err)
	}
	defer sblob.Close()

	if sblob.Size() != am.SizeBytes {
		return fmt.Errorf("memgo: restore archive %q: snapshot is %d bytes, manifest says %d", tenant, sblob.Size(), am.SizeBytes)
	}

	snapshot := &checksumReader{
		r:    resource.NewThrottledReader(ctx, io.NewSectionReader(sblob, 0, sblob.Size()), opts.controller),
		h:    xhash.NewCRC32C(),
		want: am.CRC32C,
	}
	return restorePartition(opts.fsys, dir, tenant, opts.codec, snapshot, nil, am.MaxClaimID)
}

// checksumReader verifies a CRC32C over everything read once the stream
// ends. A mismatch surfaces as a read error, so the restore fails before
// anything downstream is published.
type checksumReader struct {
	r    io.Reader
	h    hash.Hash32
	want uint32
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.h.Write(p[:n])
	}
	if err == io.EOF && cr.h.Sum32() != cr.want {
		return n, fmt.Errorf("memgo: archive snapshot checksum mismatch: got %#08x, want %#08x", cr.h.Sum32(), cr.want)
	}
	return n, err
}
