package metadata

import (
	"testing"
	"time"

	"github.com/hupe1980/memgo/claim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_WindowExcludesUnknownTime(t *testing.T) {
	ix := New()
	ix.Add(0, &claim.Claim{Content: "a", EventTime: day(0), HasEventTime: true})
	ix.Add(1, &claim.Claim{Content: "b", EventTime: day(10), HasEventTime: true})
	ix.Add(2, &claim.Claim{Content: "c"}) // unknown event time

	// A window spanning everything still excludes unknown-time rows.
	bm, stats := ix.Prefilter(Filters{Window: &TimeWindow{From: day(-100), To: day(100)}})
	require.NotNil(t, bm)
	assert.Equal(t, []uint32{0, 1}, bm.ToArray())
	assert.False(t, bm.Contains(2))
	assert.Equal(t, uint64(2), stats.TemporalCount)

	// Open-ended windows exclude them too.
	bm, _ = ix.Prefilter(Filters{Window: &TimeWindow{From: day(-100)}})
	require.NotNil(t, bm)
	assert.False(t, bm.Contains(2))

	bm, _ = ix.Prefilter(Filters{Window: &TimeWindow{To: day(100)}})
	require.NotNil(t, bm)
	assert.False(t, bm.Contains(2))
}

func TestIndex_WindowEdgeRefinement(t *testing.T) {
	ix := New(func(o *Options) { o.BucketWidth = time.Hour })

	at := func(h, m int) time.Time {
		return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
	}
	ix.Add(0, &claim.Claim{Content: "a", EventTime: at(10, 0), HasEventTime: true})
	ix.Add(1, &claim.Claim{Content: "b", EventTime: at(10, 30), HasEventTime: true})
	ix.Add(2, &claim.Claim{Content: "c", EventTime: at(11, 30), HasEventTime: true})

	// A window cutting through a bucket keeps only exact matches.
	bm, _ := ix.Prefilter(Filters{Window: &TimeWindow{From: at(10, 15), To: at(11, 0)}})
	require.NotNil(t, bm)
	assert.Equal(t, []uint32{1}, bm.ToArray())

	// Half-open end: a row exactly at To is excluded.
	bm, _ = ix.Prefilter(Filters{Window: &TimeWindow{From: at(10, 0), To: at(10, 30)}})
	require.NotNil(t, bm)
	assert.Equal(t, []uint32{0}, bm.ToArray())

	// Inclusive start: a row exactly at From is included.
	bm, _ = ix.Prefilter(Filters{Window: &TimeWindow{From: at(10, 30), To: at(12, 0)}})
	require.NotNil(t, bm)
	assert.Equal(t, []uint32{1, 2}, bm.ToArray())
}

func TestTimeWindow_Contains(t *testing.T) {
	w := TimeWindow{From: day(0), To: day(10)}
	assert.True(t, w.Contains(day(0)))
	assert.True(t, w.Contains(day(5)))
	assert.False(t, w.Contains(day(10)))
	assert.False(t, w.Contains(day(-1)))

	assert.True(t, TimeWindow{From: day(0)}.Contains(day(1000)))
	assert.True(t, TimeWindow{To: day(10)}.Contains(day(-1000)))
	assert.True(t, TimeWindow{}.Contains(day(0)))
}

func TestIndex_WindowAfterRemove(t *testing.T) {
	ix := New()
	c := &claim.Claim{Content: "a", EventTime: day(1), HasEventTime: true}
	ix.Add(0, c)
	ix.Add(1, &claim.Claim{Content: "b", EventTime: day(1), HasEventTime: true})

	ix.Remove(0, c)

	bm, _ := ix.Prefilter(Filters{Window: &TimeWindow{From: day(0), To: day(2)}})
	require.NotNil(t, bm)
	assert.Equal(t, []uint32{1}, bm.ToArray())
}
