package claimlog

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/internal/fs"
)

// ExportSegment copies the records of the log at path with sequences in
// [from, to] to w, framed exactly as on disk. A zero to means everything
// through the end of the file. The emitted artifact is itself a valid log
// file: it starts with the same self-describing header and replays through
// the normal path.
func ExportSegment(fsys fs.FileSystem, path string, w io.Writer, from, to claim.Sequence) (int, error) {
	if to != 0 && from > to {
		return 0, fmt.Errorf("claimlog: export range [%d, %d] is inverted", from, to)
	}

	r, err := OpenReader(fsys, path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	if _, err := writeLogHeader(w, r.CodecName()); err != nil {
		return 0, err
	}

	count := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, err
		}

		// Records are appended in sequence order, so everything past the
		// upper bound can be skipped without reading further.
		seq := claim.Sequence(rec.Seq)
		if seq < from {
			continue
		}
		if to != 0 && seq > to {
			return count, nil
		}

		if err := rec.Encode(w); err != nil {
			return count, err
		}
		count++
	}
}
