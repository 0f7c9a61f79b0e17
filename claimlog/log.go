// Package claimlog implements the durable claim log: an append-only,
// CRC-framed record file per tenant partition with checkpoint, snapshot and
// crash-safe replay on top.
//
// Layout per partition directory:
//
//	CURRENT            points at the live manifest
//	MANIFEST-NNNNNN    manifest generations
//	log/NNNNNN.mlog    claim logs (one live, two during a checkpoint)
//	snapshot/NNNNNN.msnap
//
// Every mutation is a framed record tagged with the per-tenant sequence.
// Sequences are strictly increasing and gap-free; the snapshot sequence is
// the truncation boundary for log records.
package claimlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/codec"
	"github.com/hupe1980/memgo/internal/fs"
	"github.com/hupe1980/memgo/internal/safe"
)

// tombstonePayload is the codec-encoded body of a tombstone record.
type tombstonePayload struct {
	ID claim.ID `json:"id"`
}

// Log is the append end of a single claim log file.
//
// One Log exists per tenant partition and has a single logical writer (the
// partition serializes appends). Durability is governed by the
// DurabilityPolicy: strict mode syncs before every Append returns via a
// group-commit syncer, batched mode syncs every N records and on a deadline.
type Log struct {
	mu     sync.Mutex
	fs     fs.FileSystem
	file   fs.File
	cw     *countingWriter
	path   string
	codec  codec.Codec
	policy DurabilityPolicy

	seq claim.Sequence // last assigned sequence

	pendingFlush int  // records buffered since the last flush to the OS
	pendingSync  int  // records appended since the last fsync
	syncReq      bool // a sync has been requested
	syncedOffset int64
	syncCond     *sync.Cond // signals the syncer that a sync is requested
	doneCond     *sync.Cond // signals waiters that a sync completed
	closed       bool
	lastErr      error // terminal error; the log refuses further appends
	quit         chan struct{}
	wg           sync.WaitGroup
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

func (cw *countingWriter) Flush() error {
	return cw.w.Flush()
}

// Open opens or creates a claim log at path.
//
// lastSeq seeds the sequence counter; for a fresh partition it is 0, after a
// replay it is the last restored sequence. Opening an existing file validates
// the header and requires the recorded codec to match c.
func Open(fsys fs.FileSystem, path string, c codec.Codec, policy DurabilityPolicy, lastSeq claim.Sequence) (*Log, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if fsys == nil {
		fsys = fs.Default
	}
	if c == nil {
		c = codec.Default
	}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, newIOError("open", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newIOError("stat", path, err)
	}
	offset := stat.Size()

	if offset == 0 {
		n, err := writeLogHeader(f, c.Name())
		if err != nil {
			f.Close()
			return nil, newIOError("write header", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, newIOError("sync header", path, err)
		}
		offset = n
	} else {
		name, _, err := readLogHeader(io.NewSectionReader(f, 0, offset))
		if err != nil {
			f.Close()
			return nil, err
		}
		if name != c.Name() {
			f.Close()
			return nil, fmt.Errorf("%w: file uses %q, configured %q", ErrCodecMismatch, name, c.Name())
		}
	}

	l := &Log{
		fs:           fsys,
		file:         f,
		cw:           &countingWriter{w: bufio.NewWriter(f), n: offset},
		path:         path,
		codec:        c,
		policy:       policy,
		seq:          lastSeq,
		syncedOffset: offset,
		quit:         make(chan struct{}),
	}
	l.syncCond = sync.NewCond(&l.mu)
	l.doneCond = sync.NewCond(&l.mu)

	l.wg.Add(1)
	safe.Go(l.runSyncer)

	if !policy.Strict() {
		l.wg.Add(1)
		safe.Go(l.runDeadline)
	}

	return l, nil
}

// AppendClaim appends an insert record for c and returns its sequence.
// On success c.Sequence is set to the assigned sequence. On error the claim
// has not been ingested and must not be indexed or acknowledged.
func (l *Log) AppendClaim(c *claim.Claim) (claim.Sequence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.lastErr != nil {
		return 0, l.lastErr
	}

	seq := l.seq + 1
	c.Sequence = seq

	payload, err := l.codec.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("claimlog: encode claim %d: %w", c.ID, err)
	}

	if err := l.appendLocked(&Record{Type: RecordTypeClaim, Seq: uint64(seq), Payload: payload}); err != nil {
		return 0, err
	}
	l.seq = seq

	return seq, nil
}

// AppendTombstone appends a logical delete for id and returns its sequence.
func (l *Log) AppendTombstone(id claim.ID) (claim.Sequence, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.lastErr != nil {
		return 0, l.lastErr
	}

	seq := l.seq + 1

	payload, err := l.codec.Marshal(tombstonePayload{ID: id})
	if err != nil {
		return 0, fmt.Errorf("claimlog: encode tombstone %d: %w", id, err)
	}

	if err := l.appendLocked(&Record{Type: RecordTypeTombstone, Seq: uint64(seq), Payload: payload}); err != nil {
		return 0, err
	}
	l.seq = seq

	return seq, nil
}

// appendLocked writes rec through the append buffer and honors the
// durability policy before returning. Caller holds l.mu.
func (l *Log) appendLocked(rec *Record) error {
	if err := rec.Encode(l.cw); err != nil {
		l.lastErr = newIOError("append", l.path, err)
		return l.lastErr
	}
	l.pendingFlush++
	l.pendingSync++

	if l.pendingFlush >= l.flushDepth() {
		if err := l.cw.Flush(); err != nil {
			l.lastErr = newIOError("flush", l.path, err)
			return l.lastErr
		}
		l.pendingFlush = 0
	}

	if l.policy.Strict() {
		end := l.cw.n
		l.syncReq = true
		l.syncCond.Signal()

		return l.waitForLocked(end)
	}

	if l.pendingSync >= l.policy.SyncEveryN {
		l.syncReq = true
		l.syncCond.Signal()
	}

	return nil
}

func (l *Log) flushDepth() int {
	if l.policy.AppendBufferDepth < 1 {
		return 1
	}
	return l.policy.AppendBufferDepth
}

// waitForLocked blocks until the file is synced at least up to offset.
// Caller holds l.mu.
func (l *Log) waitForLocked(offset int64) error {
	for l.syncedOffset < offset && !l.closed && l.lastErr == nil {
		l.doneCond.Wait()
	}
	if l.lastErr != nil {
		return l.lastErr
	}
	if l.closed && l.syncedOffset < offset {
		return ErrClosed
	}

	return nil
}

// runSyncer is the group-commit loop: it batches fsyncs for concurrent
// appenders in strict mode and performs the policy-driven syncs in batched
// mode. A sync failure is terminal for the log.
func (l *Log) runSyncer() {
	defer l.wg.Done()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for !l.syncReq && !l.closed {
			l.syncCond.Wait()
		}
		l.syncReq = false

		if l.lastErr != nil {
			l.doneCond.Broadcast()
			return
		}

		if err := l.cw.Flush(); err != nil {
			l.lastErr = newIOError("flush", l.path, err)
			l.doneCond.Broadcast()
			return
		}
		l.pendingFlush = 0
		l.pendingSync = 0
		target := l.cw.n

		if target > l.syncedOffset {
			l.mu.Unlock()
			err := l.file.Sync()
			l.mu.Lock()

			if err != nil {
				l.lastErr = newIOError("sync", l.path, err)
				l.doneCond.Broadcast()
				return
			}
			if target > l.syncedOffset {
				l.syncedOffset = target
			}
		}
		l.doneCond.Broadcast()

		if l.closed && l.cw.n <= l.syncedOffset {
			return
		}
	}
}

// runDeadline bounds the unsynced window in time for batched policies.
func (l *Log) runDeadline() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.policy.MaxUnsyncedDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.quit:
			return
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if l.cw.n > l.syncedOffset || l.pendingFlush > 0 {
			l.syncReq = true
			l.syncCond.Signal()
		}
		l.mu.Unlock()
	}
}

// Sync flushes the append buffer and blocks until everything appended so far
// is on stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.lastErr != nil {
		return l.lastErr
	}

	if err := l.cw.Flush(); err != nil {
		l.lastErr = newIOError("flush", l.path, err)
		return l.lastErr
	}
	l.pendingFlush = 0
	target := l.cw.n

	l.syncReq = true
	l.syncCond.Signal()

	return l.waitForLocked(target)
}

// LastSequence returns the last assigned sequence.
func (l *Log) LastSequence() claim.Sequence {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Size returns the current size of the log in bytes, including buffered
// records not yet flushed.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cw.n
}

// SyncedOffset returns the byte offset known to be on stable storage.
func (l *Log) SyncedOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncedOffset
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Codec returns the payload codec recorded in the file header.
func (l *Log) Codec() codec.Codec { return l.codec }

// Close syncs outstanding records, stops the background syncer and closes
// the file. It is an error to close twice.
func (l *Log) Close() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}

	flushErr := l.cw.Flush()
	if flushErr != nil && l.lastErr == nil {
		l.lastErr = newIOError("flush", l.path, flushErr)
	}

	l.closed = true
	close(l.quit)
	l.syncCond.Signal()
	l.mu.Unlock()

	l.wg.Wait()

	closeErr := l.file.Close()

	if flushErr != nil {
		return l.lastErr
	}
	if closeErr != nil {
		return newIOError("close", l.path, closeErr)
	}

	return nil
}

// Reader iterates over the records of a claim log file.
type Reader struct {
	f         fs.File
	r         *bufio.Reader
	path      string
	codecName string
	offset    int64 // end of the last successfully decoded record
}

// OpenReader opens path for replay. The header is validated eagerly; record
// payloads are decoded by the caller using the codec named by CodecName.
func OpenReader(fsys fs.FileSystem, path string) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, newIOError("open", path, err)
	}

	br := bufio.NewReader(f)
	name, headerLen, err := readLogHeader(br)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{f: f, r: br, path: path, codecName: name, offset: headerLen}, nil
}

// CodecName returns the payload codec recorded in the file header.
func (r *Reader) CodecName() string { return r.codecName }

// Next decodes the next record. It returns io.EOF at a clean end of file;
// any other error marks the start of a corrupt tail at Offset.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := DecodeRecord(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the file offset just past the last valid record.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
