package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/memgo/ann"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/distance"
	"github.com/hupe1980/memgo/metadata"
	"github.com/hupe1980/memgo/segcache"
)

// View bundles the live read structures of one tenant partition.
type View struct {
	Metadata  *metadata.Index
	ANN       *ann.Index
	Arena     *claim.Arena
	Relations *claim.RelationTable
}

// Source resolves tenants to their partition views. The engine facade
// implements it.
type Source interface {
	View(tenant claim.TenantID) (View, error)
}

// Options configure the pipeline.
type Options struct {
	// Weights control score fusion.
	Weights Weights

	// RecencyHalfLife is the decay half-life of the temporal signal.
	RecencyHalfLife time.Duration

	// CandidateLimit is the minimum number of ANN candidates generated
	// before re-ranking, regardless of TopK.
	CandidateLimit int

	// SelectivityRatio and SelectivityLimit decide when a prefiltered
	// candidate set is scanned exactly instead of traversing the graph:
	// sets no larger than SelectivityLimit rows, or than
	// SelectivityRatio of the live claim count, are scanned.
	SelectivityRatio float64
	SelectivityLimit uint64

	// DefaultTopK applies when a query does not set TopK.
	DefaultTopK int

	// Now supplies the recency clock. Nil means time.Now.
	Now func() time.Time

	// Logger receives degradation notices. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions are the default pipeline options.
var DefaultOptions = Options{
	Weights:          DefaultWeights,
	RecencyHalfLife:  30 * 24 * time.Hour,
	CandidateLimit:   100,
	SelectivityRatio: 0.02,
	SelectivityLimit: 2000,
	DefaultTopK:      10,
}

// Pipeline executes retrieval queries against tenant partitions. It is
// read-only and safe for concurrent use.
type Pipeline struct {
	source Source
	cache  *segcache.Cache
	opts   Options
	log    *slog.Logger
}

// New creates a pipeline over the given source. The segment cache may
// be nil; claim attributes are then read from the arena directly.
func New(source Source, cache *segcache.Cache, optFns ...func(o *Options)) (*Pipeline, error) {
	if source == nil {
		return nil, errors.New("retrieval: nil source")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultOptions.DefaultTopK
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultOptions.CandidateLimit
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Pipeline{source: source, cache: cache, opts: opts, log: log}, nil
}

// Search runs one query through the pipeline stages and returns the
// ranked candidates with per-stage counts and degradation flags
// attached. An empty candidate list with a nil error is a normal
// outcome, not a failure.
func (p *Pipeline) Search(ctx context.Context, q Query) (Result, error) {
	start := time.Now()

	view, err := p.source.View(q.Tenant)
	if err != nil {
		return Result{}, err
	}
	if q.TopK <= 0 {
		q.TopK = p.opts.DefaultTopK
	}

	now := time.Now()
	if p.opts.Now != nil {
		now = p.opts.Now()
	}

	var res Result

	seg := p.segment(ctx, q.Tenant, &res.Stats)
	if seg != nil {
		defer seg.Release()
	}
	reader := rowReader{seg: seg, arena: view.Arena}

	var cands []cand
	if q.Mode == ModeExact {
		res.Stats.ExactScan = true
		cands, err = exactCandidates(view, q.Embedding)
		if err != nil {
			return Result{}, err
		}
	} else {
		bm, done := p.prefilter(view, q, &res.Stats)
		if done {
			res.Stats.Elapsed = time.Since(start)
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		cands, err = p.generate(view, q, bm, &res.Stats)
		if err != nil {
			return Result{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	scored := p.score(view, reader, q, cands, now, &res.Stats)
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	rank(scored)
	if len(scored) > q.TopK {
		scored = scored[:q.TopK]
	}

	res.Candidates = scored
	res.Stats.Returned = len(scored)
	res.Stats.Elapsed = time.Since(start)
	return res, nil
}

// prefilter runs the metadata stage. It returns done=true when the
// query is already answered (prefilter eliminated every candidate and
// the policy is ReturnEmpty).
func (p *Pipeline) prefilter(view View, q Query, st *Stats) (*roaring.Bitmap, bool) {
	filters := metadata.Filters{
		TermMode: q.TermMode,
		Entities: q.Entities,
		Window:   q.Window,
	}
	if q.Text != "" {
		filters.Terms = []string{q.Text}
	}
	if filters.Empty() {
		return nil, false
	}

	bm, stats := view.Metadata.Prefilter(filters)
	st.Prefilter = stats
	st.PrefilterCount = stats.FusedCount

	if bm != nil && bm.IsEmpty() {
		if q.OnEmptyPrefilter == ReturnEmpty {
			return nil, true
		}
		st.UnrestrictedFallback = true
		p.log.Debug("prefilter eliminated all candidates, searching unrestricted",
			"tenant", string(q.Tenant))
		return nil, false
	}
	return bm, false
}

// generate produces the candidate set for the hybrid path. With an
// embedding the ANN index is queried, restricted to the prefiltered set
// when one is present; selective sets are scanned exactly instead.
// Without an embedding the filtered set is the candidate set.
func (p *Pipeline) generate(view View, q Query, bm *roaring.Bitmap, st *Stats) ([]cand, error) {
	if q.Embedding == nil {
		return scanCandidates(view, bm, st), nil
	}

	annK := q.TopK
	if annK < p.opts.CandidateLimit {
		annK = p.opts.CandidateLimit
	}

	var (
		results []ann.Result
		err     error
	)
	switch {
	case bm == nil:
		results, err = view.ANN.KNNSearch(q.Embedding, annK, q.EF, nil)
	case p.selective(bm.GetCardinality(), view.Arena.LiveLen()):
		st.ExactScan = true
		results, err = view.ANN.ScanBitmap(q.Embedding, annK, bm)
	default:
		results, err = view.ANN.KNNSearch(q.Embedding, annK, q.EF, func(id claim.LocalID) bool {
			return bm.Contains(uint32(id))
		})
	}
	if err != nil {
		return nil, err
	}

	st.ANNCandidates = len(results)
	cands := make([]cand, len(results))
	for i, r := range results {
		cands[i] = cand{local: r.ID, dist: r.Distance, hasDist: true}
	}
	return cands, nil
}

func (p *Pipeline) selective(card uint64, live int) bool {
	if card <= p.opts.SelectivityLimit {
		return true
	}
	return float64(card) <= p.opts.SelectivityRatio*float64(live)
}

// scanCandidates collects the candidate set directly when the query
// carries no embedding.
func scanCandidates(view View, bm *roaring.Bitmap, st *Stats) []cand {
	st.ExactScan = true

	if bm != nil {
		cands := make([]cand, 0, bm.GetCardinality())
		bm.Iterate(func(raw uint32) bool {
			cands = append(cands, cand{local: claim.LocalID(raw)})
			return true
		})
		return cands
	}

	cands := make([]cand, 0, view.Arena.LiveLen())
	view.Arena.Range(func(local claim.LocalID, _ *claim.Claim) bool {
		cands = append(cands, cand{local: local})
		return true
	})
	return cands
}

// exactCandidates scans every live claim, computing dense distances
// directly against the arena. This is the reference path the optimized
// pipeline is validated against.
func exactCandidates(view View, embedding []float32) ([]cand, error) {
	var distFunc distance.Func
	if embedding != nil {
		if d := view.ANN.Dimension(); d != len(embedding) {
			return nil, &ann.DimensionMismatchError{Expected: d, Actual: len(embedding)}
		}
		var err error
		distFunc, err = distance.Provider(view.ANN.Metric())
		if err != nil {
			return nil, err
		}
	}

	cands := make([]cand, 0, view.Arena.LiveLen())
	view.Arena.Range(func(local claim.LocalID, c *claim.Claim) bool {
		cc := cand{local: local}
		if distFunc != nil && len(c.Embedding) == len(embedding) {
			cc.dist = distFunc(embedding, c.Embedding)
			cc.hasDist = true
		}
		cands = append(cands, cc)
		return true
	})
	return cands, nil
}

// cand is a pre-scoring candidate row.
type cand struct {
	local   claim.LocalID
	dist    float32
	hasDist bool
}

// score computes the fused score for every candidate, then applies the
// support-only and temporal-window policies.
func (p *Pipeline) score(view View, reader rowReader, q Query, cands []cand, now time.Time, st *Stats) []Candidate {
	metric := view.ANN.Metric()

	var (
		bm25   map[claim.LocalID]float32
		maxLex float32
	)
	if q.Text != "" {
		bm25 = view.Metadata.BM25([]string{q.Text})
		for _, s := range bm25 {
			if s > maxLex {
				maxLex = s
			}
		}
	}

	var qtags map[string]struct{}
	if len(q.Entities) > 0 {
		qtags = make(map[string]struct{}, len(q.Entities))
		for _, tag := range q.Entities {
			qtags[tag] = struct{}{}
		}
	}

	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		row, ok := reader.row(c.local)
		if !ok {
			continue
		}

		var s Signals
		if maxLex > 0 {
			s.Lexical = float64(bm25[c.local] / maxLex)
		}
		if c.hasDist {
			s.Dense = similarity(metric, c.dist)
		}
		s.Entity = entityOverlap(qtags, row.Entities)
		if row.HasEventTime {
			s.Temporal = recency(now, row.EventTime, p.opts.RecencyHalfLife)
		}
		if q.Target != 0 && row.ID != q.Target {
			if kind, ok := view.Relations.Dominant(row.ID, q.Target); ok && kind == claim.RelationContradicts {
				s.Contradiction = 1
			}
		}

		st.Scored++
		fused := p.opts.Weights.fuse(s)

		if q.SupportOnly && s.Contradiction == 1 {
			continue
		}
		if q.Window != nil && (!row.HasEventTime || !q.Window.Contains(row.EventTime)) {
			continue
		}

		out = append(out, Candidate{ID: row.ID, Score: fused, Signals: s})
	}
	return out
}

// rank orders candidates by descending fused score; ties break by
// ascending claim id so results are reproducible.
func rank(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ID < cands[j].ID
	})
}

// segment fetches the tenant's cached segment. Cache failures degrade
// to arena reads instead of failing the query.
func (p *Pipeline) segment(ctx context.Context, tenant claim.TenantID, st *Stats) *segcache.Segment {
	if p.cache == nil {
		return nil
	}

	seg, stale, err := p.cache.Get(ctx, tenant)
	if err != nil {
		p.log.Warn("segment unavailable, reading through to the arena",
			"tenant", string(tenant), "error", err)
		return nil
	}
	if stale {
		st.StaleSegment = true
	}
	return seg
}

// rowReader resolves claim attributes from the cached segment with
// read-through to the arena for rows the segment predates.
type rowReader struct {
	seg   *segcache.Segment
	arena *claim.Arena
}

type rowAttrs struct {
	ID           claim.ID
	Entities     []string
	EventTime    time.Time
	HasEventTime bool
}

func (r rowReader) row(local claim.LocalID) (rowAttrs, bool) {
	if r.seg != nil {
		if row, ok := r.seg.Row(local); ok {
			return rowAttrs{
				ID:           row.ID,
				Entities:     row.Entities,
				EventTime:    row.EventTime,
				HasEventTime: row.HasEventTime,
			}, true
		}
	}

	c, ok := r.arena.ByLocal(local)
	if !ok {
		return rowAttrs{}, false
	}
	return rowAttrs{
		ID:           c.ID,
		Entities:     c.Entities,
		EventTime:    c.EventTime,
		HasEventTime: c.HasEventTime,
	}, true
}
