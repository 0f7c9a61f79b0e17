// Package metadata maintains the per-partition secondary indexes over
// claims: a lexical inverted index with BM25 scoring, an entity tag
// index, and a bucketed temporal index. All three are backed by roaring
// bitmaps of arena row ids and combine into prefilter candidate sets for
// the retrieval pipeline.
package metadata

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memgo/claim"
)

// Options configures the metadata index.
type Options struct {
	// BucketWidth is the temporal bucket size.
	BucketWidth time.Duration
}

// DefaultOptions holds the default metadata configuration.
var DefaultOptions = Options{
	BucketWidth: 24 * time.Hour,
}

// Index holds the secondary indexes of one tenant partition behind a
// single read-many write-one lock.
type Index struct {
	mu  sync.RWMutex
	lex *lexicalIndex
	ent *entityIndex
	tmp *temporalIndex
}

// New creates an empty metadata index.
func New(optFns ...func(o *Options)) *Index {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = DefaultOptions.BucketWidth
	}

	return &Index{
		lex: newLexicalIndex(),
		ent: newEntityIndex(),
		tmp: newTemporalIndex(opts.BucketWidth),
	}
}

// Add indexes one claim under its arena row id. Rows arrive in arena
// order, once each.
func (ix *Index) Add(id claim.LocalID, c *claim.Claim) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.lex.add(id, c.Content)
	ix.ent.add(id, c.Entities)
	ix.tmp.add(id, c.EventTime, c.HasEventTime)
}

// Remove drops a tombstoned claim from every index. The claim supplies
// the content, entities and event time to unindex.
func (ix *Index) Remove(id claim.LocalID, c *claim.Claim) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.lex.remove(id, c.Content)
	ix.ent.remove(id, c.Entities)
	ix.tmp.remove(id, c.EventTime, c.HasEventTime)
}

// Prefilter intersects the active filter kinds into one candidate set.
// A nil bitmap means unrestricted: no filter kind was active. A non-nil
// empty bitmap means the filters eliminated every row. The returned
// bitmap is owned by the caller.
func (ix *Index) Prefilter(f Filters) (*roaring.Bitmap, PrefilterStats) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var (
		stats  PrefilterStats
		result *roaring.Bitmap
	)

	if terms := tokenizeAll(f.Terms); len(terms) > 0 {
		bm := ix.lex.termsBitmap(terms, f.TermMode)
		stats.LexicalActive = true
		stats.LexicalCount = bm.GetCardinality()
		result = bm
	}

	if len(f.Entities) > 0 {
		bm := ix.ent.tagsBitmap(f.Entities)
		stats.EntityActive = true
		stats.EntityCount = bm.GetCardinality()
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}

	if f.Window != nil {
		bm := ix.tmp.windowBitmap(*f.Window)
		stats.TemporalActive = true
		stats.TemporalCount = bm.GetCardinality()
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
	}

	if result == nil {
		return nil, stats
	}

	stats.FusedCount = result.GetCardinality()
	return result, stats
}

// BM25 scores every row matching at least one of the query terms. The
// terms go through the same tokenization as indexed content.
func (ix *Index) BM25(terms []string) map[claim.LocalID]float32 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return ix.lex.score(tokenizeAll(terms))
}

func tokenizeAll(terms []string) []string {
	var out []string
	for _, t := range terms {
		out = append(out, Tokenize(t)...)
	}
	return out
}

// Stats summarizes index size for logging and diagnostics.
type Stats struct {
	Docs        int
	Terms       int
	Entities    int
	Buckets     int
	UnknownTime uint64
}

// Stats returns the current index counters.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return Stats{
		Docs:        int(ix.lex.docs.GetCardinality()),
		Terms:       len(ix.lex.postings),
		Entities:    len(ix.ent.tags),
		Buckets:     len(ix.tmp.buckets),
		UnknownTime: ix.tmp.unknown.GetCardinality(),
	}
}
