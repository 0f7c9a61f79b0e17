package metadata

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memgo/claim"
)

// TimeWindow restricts results to rows whose event time falls in
// [From, To). A zero From or To leaves that side unbounded. Rows with
// unknown event time never match a window.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

func (w TimeWindow) containsNano(ns int64) bool {
	if !w.From.IsZero() && ns < w.From.UnixNano() {
		return false
	}
	if !w.To.IsZero() && ns >= w.To.UnixNano() {
		return false
	}
	return true
}

// temporalIndex buckets known event times into fixed-width bitmap rows
// and keeps exact timestamps for refining the window edges. Rows with
// unknown event time live in a dedicated bucket that no window includes.
type temporalIndex struct {
	width   time.Duration
	buckets map[int64]*roaring.Bitmap
	unknown *roaring.Bitmap
	times   map[claim.LocalID]int64
}

func newTemporalIndex(width time.Duration) *temporalIndex {
	return &temporalIndex{
		width:   width,
		buckets: make(map[int64]*roaring.Bitmap),
		unknown: roaring.New(),
		times:   make(map[claim.LocalID]int64),
	}
}

func (tx *temporalIndex) bucketOf(ns int64) int64 {
	return floorDiv(ns, int64(tx.width))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func (tx *temporalIndex) add(id claim.LocalID, eventTime time.Time, known bool) {
	if !known {
		tx.unknown.Add(uint32(id))
		return
	}

	ns := eventTime.UnixNano()
	tx.times[id] = ns

	bucket := tx.bucketOf(ns)
	bm, ok := tx.buckets[bucket]
	if !ok {
		bm = roaring.New()
		tx.buckets[bucket] = bm
	}
	bm.Add(uint32(id))
}

func (tx *temporalIndex) remove(id claim.LocalID, eventTime time.Time, known bool) {
	if !known {
		tx.unknown.Remove(uint32(id))
		return
	}

	delete(tx.times, id)

	bucket := tx.bucketOf(eventTime.UnixNano())
	if bm, ok := tx.buckets[bucket]; ok {
		bm.Remove(uint32(id))
		if bm.IsEmpty() {
			delete(tx.buckets, bucket)
		}
	}
}

// windowBitmap collects the rows inside the window into a fresh bitmap.
// Buckets entirely inside the window are taken wholesale; edge buckets
// are refined against the exact timestamps.
func (tx *temporalIndex) windowBitmap(w TimeWindow) *roaring.Bitmap {
	out := roaring.New()
	width := int64(tx.width)

	for bucket, bm := range tx.buckets {
		start := bucket * width
		end := start + width

		if !w.From.IsZero() && end <= w.From.UnixNano() {
			continue
		}
		if !w.To.IsZero() && start >= w.To.UnixNano() {
			continue
		}

		inside := true
		if !w.From.IsZero() && start < w.From.UnixNano() {
			inside = false
		}
		if !w.To.IsZero() && end > w.To.UnixNano() {
			inside = false
		}

		if inside {
			out.Or(bm)
			continue
		}

		bm.Iterate(func(raw uint32) bool {
			if ns, ok := tx.times[claim.LocalID(raw)]; ok && w.containsNano(ns) {
				out.Add(raw)
			}
			return true
		})
	}

	return out
}
