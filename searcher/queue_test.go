package searcher

import (
	"testing"

	"github.com/hupe1980/memgo/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityQueueMinOrder(t *testing.T) {
	pq := NewMin(4)
	for _, d := range []float32{5, 1, 3, 2, 4} {
		pq.PushItem(PriorityQueueItem{Node: claim.LocalID(d), Distance: d})
	}

	var got []float32
	for pq.Len() > 0 {
		item, ok := pq.PopItem()
		require.True(t, ok)
		got = append(got, item.Distance)
	}

	assert.Equal(t, []float32{1, 2, 3, 4, 5}, got)
}

func TestPriorityQueueMaxOrder(t *testing.T) {
	pq := NewMax(4)
	for _, d := range []float32{5, 1, 3, 2, 4} {
		pq.PushItem(PriorityQueueItem{Node: claim.LocalID(d), Distance: d})
	}

	var got []float32
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		got = append(got, item.Distance)
	}

	assert.Equal(t, []float32{5, 4, 3, 2, 1}, got)
}

func TestPriorityQueuePushItemBounded(t *testing.T) {
	// Max-heap bounded to 3 keeps the 3 smallest distances.
	pq := NewMax(3)
	for _, d := range []float32{9, 4, 7, 1, 8, 3} {
		pq.PushItemBounded(PriorityQueueItem{Node: claim.LocalID(d), Distance: d}, 3)
	}

	require.Equal(t, 3, pq.Len())

	var got []float32
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		got = append(got, item.Distance)
	}

	assert.Equal(t, []float32{4, 3, 1}, got)
}

func TestPriorityQueueMinItem(t *testing.T) {
	pq := NewMax(4)

	_, ok := pq.MinItem()
	assert.False(t, ok)

	for _, d := range []float32{6, 2, 9} {
		pq.PushItem(PriorityQueueItem{Node: claim.LocalID(d), Distance: d})
	}

	best, ok := pq.MinItem()
	require.True(t, ok)
	assert.Equal(t, float32(2), best.Distance)
	assert.Equal(t, claim.LocalID(2), best.Node)
}

func TestPriorityQueueReset(t *testing.T) {
	pq := NewMin(4)
	pq.PushItem(PriorityQueueItem{Node: 1, Distance: 1})
	pq.Reset()

	assert.Equal(t, 0, pq.Len())
	_, ok := pq.PopItem()
	assert.False(t, ok)
}

func TestSearcherPoolReset(t *testing.T) {
	s := Get()
	s.Visited.Set(42)
	s.Results.PushItem(PriorityQueueItem{Node: 1, Distance: 1})
	s.Frontier.PushItem(PriorityQueueItem{Node: 2, Distance: 2})
	Put(s)

	s = Get()
	defer Put(s)

	assert.False(t, s.Visited.Test(42))
	assert.Equal(t, 0, s.Results.Len())
	assert.Equal(t, 0, s.Frontier.Len())
}
