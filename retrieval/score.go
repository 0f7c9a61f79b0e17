package retrieval

import (
	"math"
	"time"

	"github.com/hupe1980/memgo/distance"
)

// Weights control how the per-signal scores combine into the fused
// score. The contradiction weight is a penalty and enters negatively.
type Weights struct {
	Lexical       float64
	Dense         float64
	Entity        float64
	Temporal      float64
	Contradiction float64
}

// DefaultWeights favor dense similarity, with the lexical and temporal
// signals as secondary evidence.
var DefaultWeights = Weights{
	Lexical:       0.25,
	Dense:         0.45,
	Entity:        0.10,
	Temporal:      0.20,
	Contradiction: 0.30,
}

func (w Weights) fuse(s Signals) float64 {
	return w.Lexical*s.Lexical +
		w.Dense*s.Dense +
		w.Entity*s.Entity +
		w.Temporal*s.Temporal -
		w.Contradiction*s.Contradiction
}

// similarity converts a metric distance into a score in which larger is
// better. Cosine distances map to [-1, 1], squared L2 to (0, 1], and
// negative-dot back to the raw inner product.
func similarity(m distance.Metric, d float32) float64 {
	switch m {
	case distance.MetricL2:
		return 1 / (1 + float64(d))
	case distance.MetricDot:
		return float64(-d)
	default:
		return 1 - float64(d)
	}
}

// recency maps the age of a claim's event time onto (0, 1] with an
// exponential half-life decay. Event times in the future score 1.
func recency(now, eventTime time.Time, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}

	age := now.Sub(eventTime)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

// entityOverlap is the fraction of query tags the claim carries.
func entityOverlap(query map[string]struct{}, tags []string) float64 {
	if len(query) == 0 {
		return 0
	}

	var hits int
	for _, tag := range tags {
		if _, ok := query[tag]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
