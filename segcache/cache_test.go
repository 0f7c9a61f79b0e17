package segcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu    sync.Mutex
	gens  map[claim.TenantID]uint64
	rows  map[claim.TenantID][]Row
	fail  atomic.Bool
	loads atomic.Int64
	delay time.Duration
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		gens: make(map[claim.TenantID]uint64),
		rows: make(map[claim.TenantID][]Row),
	}
}

func (l *fakeLoader) LoadSegment(_ context.Context, tenant claim.TenantID) (*Segment, error) {
	l.loads.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if l.fail.Load() {
		return nil, errors.New("load failed")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rows := append([]Row(nil), l.rows[tenant]...)
	return NewSegment(tenant, l.gens[tenant], rows), nil
}

func (l *fakeLoader) Generation(tenant claim.TenantID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gens[tenant]
}

func (l *fakeLoader) bump(tenant claim.TenantID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gens[tenant]++
}

func (l *fakeLoader) setRows(tenant claim.TenantID, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{ID: claim.ID(i + 1), Live: true}
	}
	l.rows[tenant] = rows
}

func TestCache_GetLoadsAndCaches(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 3)

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	seg, stale, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Len(t, seg.Rows, 3)
	seg.Release()

	seg, stale, err = c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, stale)
	seg.Release()

	assert.Equal(t, int64(1), loader.loads.Load())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.ResidentSegments)
}

func TestCache_SyncRefreshOnGenerationBump(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	seg, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seg.Generation)
	seg.Release()

	loader.bump("t1")
	loader.setRows("t1", 2)

	seg, stale, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, uint64(1), seg.Generation)
	assert.Len(t, seg.Rows, 2)
	seg.Release()

	assert.Equal(t, int64(2), loader.loads.Load())
}

func TestCache_BackgroundModeServesStale(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)

	c, err := New(loader, func(o *Options) { o.Mode = RefreshBackground })
	require.NoError(t, err)
	defer c.Close()

	seg, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	seg.Release()

	loader.bump("t1")

	// The stale segment is served immediately.
	seg, stale, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, uint64(0), seg.Generation)
	seg.Release()

	// The background worker catches up.
	assert.Eventually(t, func() bool {
		seg, stale, err := c.Get(context.Background(), "t1")
		if err != nil {
			return false
		}
		defer seg.Release()
		return !stale && seg.Generation == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCache_RefreshFailureServesLastGood(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 2)

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	seg, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	seg.Release()

	loader.bump("t1")
	loader.fail.Store(true)

	// The stale segment survives the failed refresh; no error surfaces.
	seg, stale, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, uint64(0), seg.Generation)
	assert.Len(t, seg.Rows, 2)
	seg.Release()

	st := c.Stats()
	assert.GreaterOrEqual(t, st.RefreshFailures, int64(1))
	assert.GreaterOrEqual(t, st.StaleServed, int64(1))

	// Recovery picks up the new generation.
	loader.fail.Store(false)
	seg, stale, err = c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, uint64(1), seg.Generation)
	seg.Release()
}

func TestCache_FirstLoadFailure(t *testing.T) {
	loader := newFakeLoader()
	loader.fail.Store(true)

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	seg, _, err := c.Get(context.Background(), "t1")
	assert.Error(t, err)
	assert.Nil(t, seg)
}

func TestCache_EvictionLRU(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)
	loader.setRows("t2", 1)
	loader.setRows("t3", 1)

	// Each one-row segment is 64 bytes; two fit, three do not.
	c, err := New(loader, func(o *Options) { o.Capacity = 150 })
	require.NoError(t, err)
	defer c.Close()

	get := func(tenant claim.TenantID) {
		seg, _, err := c.Get(context.Background(), tenant)
		require.NoError(t, err)
		seg.Release()
	}

	get("t1")
	get("t2")
	get("t1") // touch t1 so t2 is the eviction candidate
	get("t3")

	st := c.Stats()
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, 2, st.ResidentSegments)

	// t2 was evicted and reloads; t1 and t3 are hits.
	before := loader.loads.Load()
	get("t1")
	get("t3")
	assert.Equal(t, before, loader.loads.Load())
	get("t2")
	assert.Equal(t, before+1, loader.loads.Load())
}

func TestCache_BudgetHeldUntilRelease(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)

	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c, err := New(loader, func(o *Options) { o.Controller = rc })
	require.NoError(t, err)
	defer c.Close()

	held, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(64), rc.MemoryUsage())

	// A refresh evicts the old segment, but its budget stays reserved
	// while the query still holds it.
	loader.bump("t1")
	fresh, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fresh.Generation)
	assert.Equal(t, int64(64), rc.MemoryUsage())
	fresh.Release()

	held.Release()
	assert.Equal(t, int64(0), rc.MemoryUsage())
}

func TestCache_SingleflightDedupe(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)
	loader.delay = 50 * time.Millisecond

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seg, _, err := c.Get(context.Background(), "t1")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			seg.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), loader.loads.Load())
}

func TestCache_RefreshAsync(t *testing.T) {
	loader := newFakeLoader()
	loader.setRows("t1", 1)

	c, err := New(loader)
	require.NoError(t, err)
	defer c.Close()

	seg, _, err := c.Get(context.Background(), "t1")
	require.NoError(t, err)
	seg.Release()

	loader.bump("t1")

	ch, err := c.RefreshAsync("t1")
	require.NoError(t, err)

	res := <-ch
	require.NoError(t, res.Err)
	require.NotNil(t, res.Segment)
	assert.Equal(t, uint64(1), res.Segment.Generation)
	res.Segment.Release()
}

func TestCache_Close(t *testing.T) {
	loader := newFakeLoader()

	c, err := New(loader)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err = c.Get(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.RefreshAsync("t1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSegment_RowLookup(t *testing.T) {
	seg := NewSegment("t1", 0, []Row{
		{ID: 10, Live: true},
		{ID: 11, Live: false},
	})

	row, ok := seg.Row(0)
	require.True(t, ok)
	assert.Equal(t, claim.ID(10), row.ID)
	assert.True(t, row.Live)

	row, ok = seg.Row(1)
	require.True(t, ok)
	assert.False(t, row.Live)

	// Rows appended after the build are misses.
	_, ok = seg.Row(2)
	assert.False(t, ok)
}
