package ann

import (
	"testing"

	"github.com/hupe1980/memgo/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRecall_Curve(t *testing.T) {
	rng := testutil.NewRNG(21)
	vectors := rng.UnitVectors(600, 16)
	ix := buildIndex(t, vectors)

	queries := rng.UnitVectors(40, 16)
	ks := []int{1, 10}
	efs := []int{10, 64, 600}

	points, err := ix.EvaluateRecall(queries, ks, efs)
	require.NoError(t, err)
	require.Len(t, points, len(ks)*len(efs))

	for _, p := range points {
		assert.GreaterOrEqual(t, p.Recall, 0.0)
		assert.LessOrEqual(t, p.Recall, 1.0)
	}

	// Recall never drops as ef grows, for a fixed k.
	byK := make(map[int][]RecallPoint)
	for _, p := range points {
		byK[p.K] = append(byK[p.K], p)
	}
	for k, curve := range byK {
		for i := 1; i < len(curve); i++ {
			assert.Greater(t, curve[i].EF, curve[i-1].EF)
			assert.GreaterOrEqual(t, curve[i].Recall, curve[i-1].Recall,
				"recall@%d dropped from ef=%d to ef=%d", k, curve[i-1].EF, curve[i].EF)
		}
	}

	// Exhaustive ef recovers essentially everything.
	for _, p := range points {
		if p.EF == 600 {
			assert.GreaterOrEqual(t, p.Recall, 0.98, "recall@%d at ef=%d", p.K, p.EF)
		}
	}
}

func TestEvaluateRecall_Inputs(t *testing.T) {
	rng := testutil.NewRNG(23)
	vectors := rng.UnitVectors(50, 8)
	ix := buildIndex(t, vectors)

	// Empty inputs yield no points.
	points, err := ix.EvaluateRecall(nil, []int{1}, []int{10})
	require.NoError(t, err)
	assert.Nil(t, points)

	points, err = ix.EvaluateRecall(rng.UnitVectors(2, 8), nil, []int{10})
	require.NoError(t, err)
	assert.Nil(t, points)

	points, err = ix.EvaluateRecall(rng.UnitVectors(2, 8), []int{1}, nil)
	require.NoError(t, err)
	assert.Nil(t, points)

	// Invalid k
	_, err = ix.EvaluateRecall(rng.UnitVectors(2, 8), []int{0}, []int{10})
	assert.ErrorIs(t, err, ErrInvalidK)
}

func TestRecallAt(t *testing.T) {
	truth := []Result{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}

	got := []Result{{ID: 1}, {ID: 9}, {ID: 3}}
	assert.InDelta(t, 2.0/3.0, recallAt(got, truth, 3), 1e-9)

	// k capped at the ground-truth size.
	assert.InDelta(t, 0.75, recallAt([]Result{{ID: 1}, {ID: 2}, {ID: 3}}, truth, 10), 1e-9)

	// Empty ground truth.
	assert.Zero(t, recallAt(got, nil, 5))
}
