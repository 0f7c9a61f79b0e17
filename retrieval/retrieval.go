// Package retrieval implements the hybrid query pipeline: metadata
// prefiltering, ANN candidate generation, score fusion, and the
// contradiction and temporal policies, plus the exact full-scan
// baseline the optimized path is validated against.
package retrieval

import (
	"time"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/metadata"
)

// Mode selects the query execution strategy.
type Mode int

const (
	// ModeHybrid runs the optimized prefilter + ANN pipeline.
	ModeHybrid Mode = iota
	// ModeExact scores every live claim with no prefilter and no ANN.
	// It is the reference the optimized pipeline is checked against.
	ModeExact
)

// EmptyPrefilterPolicy decides what happens when the prefilter
// eliminates every candidate.
type EmptyPrefilterPolicy int

const (
	// FallbackUnrestricted retries without the prefilter restriction and
	// flags the response.
	FallbackUnrestricted EmptyPrefilterPolicy = iota
	// ReturnEmpty returns an empty result instead.
	ReturnEmpty
)

// Query is one retrieval request against a tenant partition.
//
// Embedding and Text are both optional, but at least one signal
// (embedding, text, entities, or window) should be present for the
// result to be meaningful. Without an embedding the dense signal is
// zero and candidates come from the filtered set directly.
type Query struct {
	Tenant claim.TenantID

	// Embedding is the dense query vector.
	Embedding []float32

	// Text drives the lexical prefilter and the BM25 score component.
	Text string

	// TermMode controls whether all or any text terms must match
	// during prefiltering.
	TermMode metadata.TermMode

	// Entities restricts candidates to claims carrying every tag.
	Entities []string

	// Window restricts candidates to claims whose event time falls
	// inside it. Claims with unknown event time are excluded whenever
	// a window is active.
	Window *metadata.TimeWindow

	// Target is the claim the contradiction penalty and the
	// support-only policy are judged against.
	Target claim.ID

	// SupportOnly excludes candidates whose dominant relation to
	// Target is a contradiction.
	SupportOnly bool

	// TopK bounds the number of returned candidates. Zero selects the
	// pipeline default.
	TopK int

	// EF overrides the ANN search breadth. Zero selects the index
	// default.
	EF int

	Mode Mode

	OnEmptyPrefilter EmptyPrefilterPolicy
}

// Signals are the per-signal score components of one candidate.
// Contradiction is 1 when the candidate's dominant relation to the
// query target is a contradiction, 0 otherwise.
type Signals struct {
	Lexical       float64
	Dense         float64
	Entity        float64
	Temporal      float64
	Contradiction float64
}

// Candidate is one ranked result.
type Candidate struct {
	ID      claim.ID
	Score   float64
	Signals Signals
}

// Stats describes how a query moved through the pipeline stages.
type Stats struct {
	// Prefilter carries the per-kind breakdown of the prefilter stage.
	Prefilter metadata.PrefilterStats

	// PrefilterCount is the fused candidate count after prefiltering.
	PrefilterCount uint64

	// ANNCandidates is the number of candidates the ANN stage produced.
	ANNCandidates int

	// Scored is the number of candidates that received a fused score.
	Scored int

	// Returned is the number of candidates after policy and truncation.
	Returned int

	// UnrestrictedFallback reports that the prefilter eliminated every
	// candidate and the pipeline fell back to an unrestricted search.
	UnrestrictedFallback bool

	// StaleSegment reports that claim attributes were served from a
	// segment behind the partition's current generation.
	StaleSegment bool

	// ExactScan reports that candidates were produced by exact
	// scanning instead of graph traversal.
	ExactScan bool

	Elapsed time.Duration
}

// Result is a ranked candidate list plus per-stage observability.
type Result struct {
	Candidates []Candidate
	Stats      Stats
}
