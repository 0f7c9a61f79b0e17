package ann

import "github.com/hupe1980/memgo/claim"

// RecallPoint is one cell of a recall curve: the fraction of exact top-k
// rows the graph search recovered at a given ef, averaged over queries.
type RecallPoint struct {
	EF     int
	K      int
	Recall float64
}

// EvaluateRecall measures graph search recall against the exact scan for
// every (ef, k) combination. Points are ordered by ef, then k, so the
// recall trend over ef reads directly off the slice. Empty inputs yield
// no points.
func (ix *Index) EvaluateRecall(queries [][]float32, ks, efs []int) ([]RecallPoint, error) {
	if len(queries) == 0 || len(ks) == 0 || len(efs) == 0 {
		return nil, nil
	}

	maxK := 0
	for _, k := range ks {
		if k <= 0 {
			return nil, ErrInvalidK
		}
		if k > maxK {
			maxK = k
		}
	}

	truth := make([][]Result, len(queries))
	for i, q := range queries {
		exact, err := ix.BruteSearch(q, maxK, nil)
		if err != nil {
			return nil, err
		}
		truth[i] = exact
	}

	points := make([]RecallPoint, 0, len(efs)*len(ks))
	for _, ef := range efs {
		for _, k := range ks {
			var total float64
			for i, q := range queries {
				got, err := ix.KNNSearch(q, k, ef, nil)
				if err != nil {
					return nil, err
				}
				total += recallAt(got, truth[i], k)
			}
			points = append(points, RecallPoint{EF: ef, K: k, Recall: total / float64(len(queries))})
		}
	}

	return points, nil
}

// recallAt computes recall@k of got against the exact top-k. When the
// dataset holds fewer than k rows, the denominator shrinks to match.
func recallAt(got, truth []Result, k int) float64 {
	if k > len(truth) {
		k = len(truth)
	}
	if k == 0 {
		return 0
	}

	want := make(map[claim.LocalID]struct{}, k)
	for _, r := range truth[:k] {
		want[r.ID] = struct{}{}
	}

	hits := 0
	n := min(k, len(got))
	for _, r := range got[:n] {
		if _, ok := want[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
