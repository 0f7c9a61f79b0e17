package claimlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/persistence"
)

const (
	ManifestPrefix  = "MANIFEST"
	CurrentFileName = "CURRENT"
	ManifestVersion = 1

	LogDirName      = "log"
	SnapshotDirName = "snapshot"
	LogSuffix       = ".mlog"
	SnapshotSuffix  = ".msnap"
)

// Manifest describes the durable state of one tenant partition: the current
// snapshot, the logs to replay after it, and the file number counter.
//
// During normal operation Logs holds one entry; during a checkpoint it
// briefly holds two (the old log and the freshly rotated one). All paths are
// relative to the partition directory.
type Manifest struct {
	Version     int      `json:"version"`
	ID          uint64   `json:"id"`
	Tenant      string   `json:"tenant"`
	Codec       string   `json:"codec"`
	Snapshot    string   `json:"snapshot,omitempty"`
	SnapshotSeq uint64   `json:"snapshot_seq"`
	Logs        []string `json:"logs"`
	NextFileID  uint64   `json:"next_file_id"`

	// MaxClaimID is the highest claim id assigned up to SnapshotSeq. Claim
	// ids are never reused, and compaction drops tombstoned claims from
	// history, so the high-water mark must survive outside the log.
	MaxClaimID uint64 `json:"max_claim_id"`
}

// AllocateFileID hands out the next file number for a log or snapshot.
func (m *Manifest) AllocateFileID() uint64 {
	m.NextFileID++
	return m.NextFileID
}

// LogFilePath returns the partition-relative path for log file id.
func LogFilePath(id uint64) string {
	return filepath.Join(LogDirName, fmt.Sprintf("%06d%s", id, LogSuffix))
}

// SnapshotFilePath returns the partition-relative path for snapshot file id.
func SnapshotFilePath(id uint64) string {
	return filepath.Join(SnapshotDirName, fmt.Sprintf("%06d%s", id, SnapshotSuffix))
}

// ManifestStore manages the CURRENT pointer and numbered manifest files in a
// partition directory. Saves are atomic: a new manifest file is written and
// synced first, then CURRENT is swapped over it.
type ManifestStore struct {
	fs  fs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewManifestStore creates a manifest store for the partition directory.
func NewManifestStore(fsys fs.FileSystem, dir string) *ManifestStore {
	if fsys == nil {
		fsys = fs.Default
	}
	return &ManifestStore{fs: fsys, dir: dir}
}

// Load reads CURRENT and the manifest it points at. A partition without a
// CURRENT file yields a fresh empty manifest.
func (s *ManifestStore) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFile := func(path string) ([]byte, error) {
		f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return &Manifest{Version: ManifestVersion}, nil
	}
	if err != nil {
		return nil, newIOError("read current", s.dir, err)
	}

	name := strings.TrimSpace(string(content))
	data, err := readFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, newIOError("read manifest", filepath.Join(s.dir, name), err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("claimlog: decode manifest %s: %w", name, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("claimlog: unsupported manifest version %d (expected %d)", m.Version, ManifestVersion)
	}

	return &m, nil
}

// Save persists m as a new manifest generation and atomically repoints
// CURRENT at it. Obsolete manifest generations are removed afterwards.
func (s *ManifestStore) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = ManifestVersion
	m.ID++

	name := fmt.Sprintf("%s-%06d.json", ManifestPrefix, m.ID)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("claimlog: encode manifest: %w", err)
	}

	err = persistence.SaveToFile(s.fs, filepath.Join(s.dir, name), func(w io.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
	if err != nil {
		return err
	}

	err = persistence.SaveToFile(s.fs, filepath.Join(s.dir, CurrentFileName), func(w io.Writer) error {
		_, werr := io.WriteString(w, name)
		return werr
	})
	if err != nil {
		return err
	}

	s.pruneLocked(name)

	return nil
}

// pruneLocked removes manifest generations other than current. Removal is
// best effort: a leftover file is harmless, CURRENT decides what is live.
func (s *ManifestStore) pruneLocked(current string) {
	entries, err := s.fs.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == current || !strings.HasPrefix(name, ManifestPrefix+"-") {
			continue
		}
		_ = s.fs.Remove(filepath.Join(s.dir, name))
	}
}
