package persistence

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/memgo/internal/fs"
)

// SaveToFile writes a file atomically: content goes to a temp file in the
// same directory, is fsynced, then renamed over the target. A crash leaves
// either the old file or the new one, never a torn mix.
func SaveToFile(fsys fs.FileSystem, path string, writeFunc func(w io.Writer) error) error {
	if fsys == nil {
		fsys = fs.Default
	}

	tmp := path + ".tmp"

	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("persistence: create %s: %w", tmp, err)
	}

	if err := writeFunc(f); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return fmt.Errorf("persistence: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(tmp)
		return fmt.Errorf("persistence: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("persistence: close %s: %w", tmp, err)
	}

	if err := fsys.Rename(tmp, path); err != nil {
		_ = fsys.Remove(tmp)
		return fmt.Errorf("persistence: rename %s: %w", path, err)
	}

	if err := fs.SyncDir(fsys, filepath.Dir(path)); err != nil {
		return fmt.Errorf("persistence: sync dir of %s: %w", path, err)
	}

	return nil
}

// AtomicSaveToDir writes multiple files into dir, all-or-nothing: every file
// is staged as a synced temp file first, then all are renamed into place.
func AtomicSaveToDir(fsys fs.FileSystem, dir string, files map[string]func(w io.Writer) error) error {
	if fsys == nil {
		fsys = fs.Default
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persistence: create dir %s: %w", dir, err)
	}

	type staged struct {
		tmp    string
		target string
	}
	var pending []staged
	cleanup := func() {
		for _, s := range pending {
			_ = fsys.Remove(s.tmp)
		}
	}

	for name, writeFunc := range files {
		target := filepath.Join(dir, name)
		tmp := target + ".tmp"

		f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			cleanup()
			return fmt.Errorf("persistence: create %s: %w", tmp, err)
		}
		pending = append(pending, staged{tmp: tmp, target: target})

		if err := writeFunc(f); err != nil {
			_ = f.Close()
			cleanup()
			return fmt.Errorf("persistence: write %s: %w", name, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			cleanup()
			return fmt.Errorf("persistence: sync %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return fmt.Errorf("persistence: close %s: %w", name, err)
		}
	}

	for _, s := range pending {
		if err := fsys.Rename(s.tmp, s.target); err != nil {
			return fmt.Errorf("persistence: rename %s: %w", s.target, err)
		}
	}

	if err := fs.SyncDir(fsys, dir); err != nil {
		return fmt.Errorf("persistence: sync dir %s: %w", dir, err)
	}

	return nil
}

// LoadFromFile opens a file and passes its reader to readFunc.
func LoadFromFile(fsys fs.FileSystem, path string, readFunc func(r io.Reader) error) error {
	if fsys == nil {
		fsys = fs.Default
	}

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return readFunc(f)
}
