// Package searcher provides reusable execution state for graph and scan
// searches: bounded priority queues plus a visited-row set, pooled so the
// steady state allocates nothing.
package searcher

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Searcher owns the scratch memory for one search operation.
//
// Searcher is NOT safe for concurrent use. Acquire one per goroutine with
// Get and return it with Put.
type Searcher struct {
	// Visited tracks rows already expanded during graph traversal.
	Visited *bitset.BitSet

	// Results is a max-heap holding the best candidates found so far,
	// bounded to ef elements.
	Results *PriorityQueue

	// Frontier is a min-heap of candidates still to be explored.
	Frontier *PriorityQueue

	// Scratch is a reusable buffer for query normalization.
	Scratch []float32
}

var pool = sync.Pool{
	New: func() any {
		return &Searcher{
			Visited:  bitset.New(1024),
			Results:  NewMax(128),
			Frontier: NewMin(128),
		}
	},
}

// Get retrieves a Searcher from the pool, reset and ready for use.
func Get() *Searcher {
	return pool.Get().(*Searcher)
}

// Put resets the Searcher and returns it to the pool.
func Put(s *Searcher) {
	s.Reset()
	pool.Put(s)
}

// Reset clears the searcher state for reuse without freeing memory.
func (s *Searcher) Reset() {
	s.Visited.ClearAll()
	s.Results.Reset()
	s.Frontier.Reset()
}

// ScratchFor returns the scratch buffer sized to dim, growing it if needed.
func (s *Searcher) ScratchFor(dim int) []float32 {
	if cap(s.Scratch) < dim {
		s.Scratch = make([]float32, dim)
	}
	s.Scratch = s.Scratch[:dim]
	return s.Scratch
}
