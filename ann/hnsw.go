// Package ann provides the approximate nearest neighbour index over claim
// embeddings: an HNSW graph with heuristic neighbor selection, logical
// deletes and per-search candidate restriction.
package ann

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/distance"
	"github.com/hupe1980/memgo/searcher"
)

// ErrInvalidK is returned when a search is requested with k < 1.
var ErrInvalidK = errors.New("ann: k must be positive")

// ErrIDOutOfOrder is returned when Insert receives an id that is not the
// next dense row id.
var ErrIDOutOfOrder = errors.New("ann: insert id out of order")

// DimensionMismatchError reports a vector whose length does not match the
// index dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("ann: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// RestrictFunc limits a search to rows for which it returns true.
// A nil RestrictFunc admits every row.
type RestrictFunc func(id claim.LocalID) bool

// Result is a search hit: a row id and its distance to the query.
type Result struct {
	ID       claim.LocalID
	Distance float32
}

// Options configures the index.
type Options struct {
	// M is the number of links created for a new row per layer.
	// The range 12-48 covers most embedding workloads.
	M int

	// MMax bounds the links kept per row on the upper layers.
	// Zero means M.
	MMax int

	// MMax0 bounds the links kept per row on the bottom layer.
	// Zero means 2*M.
	MMax0 int

	// EFConstruction is the candidate list size used while inserting.
	// Larger values improve graph quality at the cost of insert time.
	EFConstruction int

	// Expansion derives the search candidate list from k when a search
	// does not pass an explicit ef: ef = k * Expansion, clamped to
	// [MinEF, MaxEF].
	Expansion float64

	// MinEF and MaxEF bound the derived ef.
	MinEF int
	MaxEF int

	// Metric selects the distance used for both construction and search.
	Metric distance.Metric

	// Heuristic enables relative-neighborhood pruning when selecting
	// links. Disabling it falls back to plain nearest-M selection.
	Heuristic bool

	// Seed feeds the layer-assignment RNG so graph shape is reproducible
	// for a fixed insert order.
	Seed int64
}

// DefaultOptions holds the default index configuration.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	Expansion:      4,
	MinEF:          64,
	MaxEF:          512,
	Metric:         distance.MetricCosine,
	Heuristic:      true,
	Seed:           1,
}

type neighbor struct {
	id   claim.LocalID
	dist float32
}

type node struct {
	vector []float32
	level  int
	conns  [][]neighbor
}

// Index is an HNSW graph over dense row ids.
//
// Inserts take the write lock; searches run under the read lock, so a
// search never observes a half-linked row.
type Index struct {
	mu sync.RWMutex

	dim   int
	opts  Options
	mmax  int
	mmax0 int
	ml    float64

	ep       claim.LocalID
	maxLevel int
	nodes    []node

	tombstones *bitset.BitSet
	rng        *rand.Rand
	distFunc   distance.Func
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, optFns ...func(o *Options)) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("ann: dimension must be positive, got %d", dim)
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.M < 2 {
		// M == 1 would make the level normalization factor divide by zero.
		opts.M = 2
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultOptions.EFConstruction
	}
	if opts.Expansion <= 0 {
		opts.Expansion = DefaultOptions.Expansion
	}

	mmax := opts.MMax
	if mmax <= 0 {
		mmax = opts.M
	}
	mmax0 := opts.MMax0
	if mmax0 <= 0 {
		mmax0 = 2 * opts.M
	}

	distFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Index{
		dim:        dim,
		opts:       opts,
		mmax:       mmax,
		mmax0:      mmax0,
		ml:         1 / math.Log(float64(opts.M)),
		nodes:      make([]node, 0, 1024),
		tombstones: bitset.New(1024),
		rng:        rand.New(rand.NewSource(opts.Seed)),
		distFunc:   distFunc,
	}, nil
}

// Len returns the number of inserted rows, including tombstoned ones.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	return len(ix.nodes)
}

// Dimension returns the vector dimension of the index.
func (ix *Index) Dimension() int { return ix.dim }

// Metric returns the configured distance metric.
func (ix *Index) Metric() distance.Metric { return ix.opts.Metric }

// Insert adds a row to the graph. Ids must arrive densely in order: the
// first insert is row 0, the next row 1, and so on, matching the arena
// row assignment.
func (ix *Index) Insert(id claim.LocalID, vector []float32) error {
	if len(vector) != ix.dim {
		return &DimensionMismatchError{Expected: ix.dim, Actual: len(vector)}
	}

	vec := make([]float32, len(vector))
	copy(vec, vector)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if int(id) != len(ix.nodes) {
		return fmt.Errorf("%w: got %d, want %d", ErrIDOutOfOrder, id, len(ix.nodes))
	}

	level := ix.randomLevel()
	n := node{vector: vec, level: level, conns: make([][]neighbor, level+1)}

	if len(ix.nodes) == 0 {
		ix.nodes = append(ix.nodes, n)
		ix.ep = id
		ix.maxLevel = level
		return nil
	}

	s := searcher.Get()
	defer searcher.Put(s)

	// Greedy descent through the layers above the new row's level.
	currID := ix.ep
	currDist := ix.distFunc(vec, ix.nodes[currID].vector)
	for l := ix.maxLevel; l > level; l-- {
		currID, currDist = ix.greedyStep(vec, currID, currDist, l)
	}

	// Collect and select links for every layer the row participates in.
	for l := min(level, ix.maxLevel); l >= 0; l-- {
		ix.searchLayer(s, vec, currID, currDist, l, ix.opts.EFConstruction, nil)

		if best, ok := s.Results.MinItem(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		n.conns[l] = ix.selectNeighbors(s.Results, ix.opts.M)
	}

	ix.nodes = append(ix.nodes, n)

	// Link the neighbors back, making the row reachable.
	for l := min(level, ix.maxLevel); l >= 0; l-- {
		for _, nb := range ix.nodes[id].conns[l] {
			ix.linkNeighbor(nb.id, id, nb.dist, l)
		}
	}

	if level > ix.maxLevel {
		ix.ep = id
		ix.maxLevel = level
	}

	return nil
}

// Delete marks a row as removed. The row keeps its links so traversal can
// still route through it, but searches no longer return it.
func (ix *Index) Delete(id claim.LocalID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if int(id) < len(ix.nodes) {
		ix.tombstones.Set(uint(id))
	}
}

// KNNSearch returns the approximate k nearest rows to q. An ef <= 0
// derives the candidate list size from k via the configured expansion
// factor. restrict, when non-nil, limits which rows may appear in the
// result; the graph is still traversed through non-matching rows.
func (ix *Index) KNNSearch(q []float32, k, ef int, restrict RestrictFunc) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != ix.dim {
		return nil, &DimensionMismatchError{Expected: ix.dim, Actual: len(q)}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.nodes) == 0 {
		return nil, nil
	}

	ef = ix.searchEF(k, ef)

	s := searcher.Get()
	defer searcher.Put(s)

	currID := ix.ep
	currDist := ix.distFunc(q, ix.nodes[currID].vector)
	for l := ix.maxLevel; l > 0; l-- {
		currID, currDist = ix.greedyStep(q, currID, currDist, l)
	}

	ix.searchLayer(s, q, currID, currDist, 0, ef, restrict)

	return extractResults(s.Results, k), nil
}

// BruteSearch returns the exact k nearest rows to q by scanning every live
// row. It is the reference mode the graph search is validated against.
func (ix *Index) BruteSearch(q []float32, k int, restrict RestrictFunc) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != ix.dim {
		return nil, &DimensionMismatchError{Expected: ix.dim, Actual: len(q)}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pq := searcher.NewMax(k + 1)
	for i := range ix.nodes {
		id := claim.LocalID(i)
		if ix.tombstones.Test(uint(id)) {
			continue
		}
		if restrict != nil && !restrict(id) {
			continue
		}

		d := ix.distFunc(q, ix.nodes[i].vector)
		pq.PushItemBounded(searcher.PriorityQueueItem{Node: id, Distance: d}, k)
	}

	return extractResults(pq, k), nil
}

// ScanBitmap returns the exact k nearest rows among the bitmap members.
// For very selective candidate sets this beats graph traversal: the scan
// touches card(bm) rows instead of expanding ef frontier nodes.
func (ix *Index) ScanBitmap(q []float32, k int, bm *roaring.Bitmap) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(q) != ix.dim {
		return nil, &DimensionMismatchError{Expected: ix.dim, Actual: len(q)}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pq := searcher.NewMax(k + 1)
	bm.Iterate(func(raw uint32) bool {
		if int(raw) >= len(ix.nodes) {
			return true
		}
		id := claim.LocalID(raw)
		if ix.tombstones.Test(uint(id)) {
			return true
		}

		d := ix.distFunc(q, ix.nodes[raw].vector)
		pq.PushItemBounded(searcher.PriorityQueueItem{Node: id, Distance: d}, k)
		return true
	})

	return extractResults(pq, k), nil
}

// searchEF resolves the effective candidate list size for a search.
func (ix *Index) searchEF(k, ef int) int {
	if ef <= 0 {
		ef = int(float64(k) * ix.opts.Expansion)
		if ef < ix.opts.MinEF {
			ef = ix.opts.MinEF
		}
		if ix.opts.MaxEF > 0 && ef > ix.opts.MaxEF {
			ef = ix.opts.MaxEF
		}
	}
	if ef < k {
		ef = k
	}
	return ef
}

func (ix *Index) randomLevel() int {
	u := ix.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(u) * ix.ml))
}

// greedyStep walks to the closest reachable row on one layer.
func (ix *Index) greedyStep(q []float32, currID claim.LocalID, currDist float32, level int) (claim.LocalID, float32) {
	for changed := true; changed; {
		changed = false
		for _, nb := range ix.connsAt(currID, level) {
			d := ix.distFunc(q, ix.nodes[nb.id].vector)
			if d < currDist {
				currID = nb.id
				currDist = d
				changed = true
			}
		}
	}
	return currID, currDist
}

func (ix *Index) connsAt(id claim.LocalID, level int) []neighbor {
	nd := &ix.nodes[id]
	if level >= len(nd.conns) {
		return nil
	}
	return nd.conns[level]
}

// searchLayer expands the ef best candidates on one layer, starting from
// the given entry row. Results land in s.Results as a max-heap bounded to
// ef; only rows passing restrict and not tombstoned are admitted, while
// traversal continues through every row.
func (ix *Index) searchLayer(s *searcher.Searcher, q []float32, epID claim.LocalID, epDist float32, level, ef int, restrict RestrictFunc) {
	s.Reset()
	s.Visited.Set(uint(epID))

	// The entry row always seeds the frontier, even when filtered out of
	// the results, so traversal has a starting point.
	s.Frontier.PushItem(searcher.PriorityQueueItem{Node: epID, Distance: epDist})
	if ix.admissible(epID, restrict) {
		s.Results.PushItem(searcher.PriorityQueueItem{Node: epID, Distance: epDist})
	}

	for s.Frontier.Len() > 0 {
		curr, _ := s.Frontier.PopItem()

		if s.Results.Len() >= ef {
			worst, _ := s.Results.TopItem()
			if curr.Distance > worst.Distance {
				break
			}
		}

		for _, nb := range ix.connsAt(curr.Node, level) {
			if s.Visited.Test(uint(nb.id)) {
				continue
			}
			s.Visited.Set(uint(nb.id))

			d := ix.distFunc(q, ix.nodes[nb.id].vector)

			if s.Results.Len() >= ef {
				worst, _ := s.Results.TopItem()
				if d > worst.Distance {
					continue
				}
			}

			s.Frontier.PushItem(searcher.PriorityQueueItem{Node: nb.id, Distance: d})
			if ix.admissible(nb.id, restrict) {
				s.Results.PushItemBounded(searcher.PriorityQueueItem{Node: nb.id, Distance: d}, ef)
			}
		}
	}
}

func (ix *Index) admissible(id claim.LocalID, restrict RestrictFunc) bool {
	if ix.tombstones.Test(uint(id)) {
		return false
	}
	return restrict == nil || restrict(id)
}

// selectNeighbors drains the result heap into at most m links,
// nearest first.
func (ix *Index) selectNeighbors(results *searcher.PriorityQueue, m int) []neighbor {
	if ix.opts.Heuristic && results.Len() > m {
		return ix.selectNeighborsHeuristic(results, m)
	}
	return ix.selectNeighborsSimple(results, m)
}

func (ix *Index) selectNeighborsSimple(results *searcher.PriorityQueue, m int) []neighbor {
	for results.Len() > m {
		results.PopItem()
	}

	out := make([]neighbor, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		out[i] = neighbor{id: item.Node, dist: item.Distance}
	}
	return out
}

// selectNeighborsHeuristic applies relative-neighborhood pruning: a
// candidate is kept only if no already-selected link is closer to it than
// the candidate is to the new row. Pruned candidates fill remaining slots
// when fewer than m survive.
func (ix *Index) selectNeighborsHeuristic(results *searcher.PriorityQueue, m int) []neighbor {
	cands := make([]neighbor, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		cands[i] = neighbor{id: item.Node, dist: item.Distance}
	}

	out := make([]neighbor, 0, m)
	var dropped []neighbor
	for _, cand := range cands {
		if len(out) >= m {
			break
		}

		good := true
		for _, sel := range out {
			d := ix.distFunc(ix.nodes[cand.id].vector, ix.nodes[sel.id].vector)
			if d < cand.dist {
				good = false
				break
			}
		}

		if good {
			out = append(out, cand)
		} else {
			dropped = append(dropped, cand)
		}
	}

	for _, cand := range dropped {
		if len(out) >= m {
			break
		}
		out = append(out, cand)
	}

	return out
}

// linkNeighbor adds the reverse link src -> tgt, pruning back to the layer
// bound when the row overflows.
func (ix *Index) linkNeighbor(src, tgt claim.LocalID, dist float32, level int) {
	nd := &ix.nodes[src]
	if level >= len(nd.conns) {
		return
	}

	for _, nb := range nd.conns[level] {
		if nb.id == tgt {
			return
		}
	}
	nd.conns[level] = append(nd.conns[level], neighbor{id: tgt, dist: dist})

	maxConns := ix.mmax
	if level == 0 {
		maxConns = ix.mmax0
	}
	if len(nd.conns[level]) <= maxConns {
		return
	}

	pq := searcher.NewMax(len(nd.conns[level]))
	for _, nb := range nd.conns[level] {
		pq.PushItem(searcher.PriorityQueueItem{Node: nb.id, Distance: nb.dist})
	}
	nd.conns[level] = ix.selectNeighbors(pq, maxConns)
}

func extractResults(pq *searcher.PriorityQueue, k int) []Result {
	for pq.Len() > k {
		pq.PopItem()
	}

	out := make([]Result, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.PopItem()
		out[i] = Result{ID: item.Node, Distance: item.Distance}
	}
	return out
}
