package segcache

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/memgo/claim"
)

// Row is the per-claim scoring material kept in a segment: everything
// the fusion stage reads, nothing it does not.
type Row struct {
	ID           claim.ID
	Entities     []string
	EventTime    time.Time
	HasEventTime bool
	Live         bool
}

// Segment is a cached materialization of one tenant's claims, indexed by
// arena row id and stamped with the partition generation it was built
// at. Segments are immutable once built.
//
// A segment handed out by the cache is reference counted: callers must
// Release it when done so the memory budget can be returned after
// eviction.
type Segment struct {
	Tenant     claim.TenantID
	Generation uint64
	LoadedAt   time.Time
	Rows       []Row

	size  int64
	refs  atomic.Int64
	freed atomic.Bool
	free  func(*Segment)
}

// NewSegment builds a segment from materialized rows.
func NewSegment(tenant claim.TenantID, generation uint64, rows []Row) *Segment {
	return &Segment{
		Tenant:     tenant,
		Generation: generation,
		LoadedAt:   time.Now(),
		Rows:       rows,
		size:       segmentSize(rows),
	}
}

// Row returns the row for an arena id, when the segment covers it.
// Rows appended after the segment was built are misses; callers read
// those through from the arena.
func (s *Segment) Row(id claim.LocalID) (*Row, bool) {
	if int(id) >= len(s.Rows) {
		return nil, false
	}
	return &s.Rows[id], true
}

// SizeBytes is the segment's estimated memory footprint.
func (s *Segment) SizeBytes() int64 { return s.size }

func (s *Segment) acquire() *Segment {
	s.refs.Add(1)
	return s
}

// Release drops the caller's reference. When the segment has been
// evicted and the last reference goes away, its budget reservation is
// returned.
func (s *Segment) Release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	if s.free != nil && s.freed.CompareAndSwap(false, true) {
		s.free(s)
	}
}

func segmentSize(rows []Row) int64 {
	size := int64(len(rows)) * 64
	for i := range rows {
		for _, e := range rows[i].Entities {
			size += int64(len(e)) + 16
		}
	}
	return size
}
