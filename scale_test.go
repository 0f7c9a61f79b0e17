package memgo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/testutil"
)

// insertBulk loads n claims like insertCorpus but wraps event times
// within one year, so dense similarity stays the dominant ranking
// signal at any corpus size.
func insertBulk(t *testing.T, mg *memgo.Memgo, tenant claim.TenantID, seed int64, n, dim int) []claim.ID {
	t.Helper()
	ctx := context.Background()

	vecs := testutil.NewRNG(seed).UnitVectors(n, dim)

	ids := make([]claim.ID, n)
	for i := 0; i < n; i++ {
		et := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i%365)
		res, err := mg.Insert(ctx, memgo.ClaimInput{
			Tenant:    tenant,
			Content:   fmt.Sprintf("bulk observation %d", i),
			Embedding: vecs[i],
			Entities:  []string{fmt.Sprintf("sensor:%d", i%7)},
			EventTime: &et,
		})
		require.NoError(t, err)
		ids[i] = res.ClaimID
	}
	return ids
}

// A claim queried with its own embedding must come back first, through
// the optimized pipeline and the exact baseline alike.
func TestHybridMatchesExactOnLargeCorpus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large corpus test in short mode")
	}

	ctx := context.Background()
	mg, err := memgo.Open(t.TempDir())
	require.NoError(t, err)
	defer mg.Close()

	ids := insertBulk(t, mg, "acme", 42, 2000, 32)

	probeVec := testutil.NewRNG(42).UnitVectors(2000, 32)[1234]
	probeID := ids[1234]

	hybrid, err := mg.Search(ctx, retrieval.Query{
		Tenant:    "acme",
		Embedding: probeVec,
		TopK:      10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, hybrid.Candidates)
	assert.Equal(t, probeID, hybrid.Candidates[0].ID)
	assert.False(t, hybrid.Stats.ExactScan)
	assert.Equal(t, 100, hybrid.Stats.ANNCandidates)

	exact, err := mg.Search(ctx, retrieval.Query{
		Tenant:    "acme",
		Embedding: probeVec,
		TopK:      10,
		Mode:      retrieval.ModeExact,
	})
	require.NoError(t, err)
	require.NotEmpty(t, exact.Candidates)
	assert.True(t, exact.Stats.ExactScan)
	assert.Equal(t, probeID, exact.Candidates[0].ID)

	assert.Equal(t, exact.Candidates[0].ID, hybrid.Candidates[0].ID)
}

// A checkpoint followed by three times as many appends and a crash must
// replay every claim from the snapshot plus the post-checkpoint log.
func TestCrashReplayRestoresCheckpointAndLog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping crash replay test in short mode")
	}

	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)

	first := insertBulk(t, mg, "acme", 42, 1000, 32)

	rep, err := mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, claim.Sequence(1000), rep.SnapshotSeq)
	require.Equal(t, 1000, rep.LiveClaims)

	second := insertBulk(t, mg, "acme", 77, 3000, 32)

	// Abandon the engine without closing it. The default policy syncs
	// every append, so the directory holds exactly what a crash at the
	// last acknowledged insert would leave behind.
	mg2, err := memgo.Open(dir)
	require.NoError(t, err)
	defer mg2.Close()

	reports := mg2.ReplayReports()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, 1000, r.SnapshotRecords)
	assert.Equal(t, 3000, r.LogRecords)
	assert.Equal(t, 4000, r.RestoredClaims)
	assert.Equal(t, claim.Sequence(1000), r.SnapshotSeq)
	assert.Equal(t, claim.Sequence(4000), r.LastSeq)
	assert.Nil(t, r.CorruptTail)
	assert.True(t, r.ProbeRan)
	assert.True(t, r.ProbeHit)

	for _, id := range []claim.ID{first[0], first[999], second[0], second[2999]} {
		_, err := mg2.Get("acme", id)
		require.NoError(t, err)
	}

	res, err := mg2.Insert(ctx, memgo.ClaimInput{
		Tenant:    "acme",
		Content:   "first claim after recovery",
		Embedding: testutil.NewRNG(9).UnitVector(32),
	})
	require.NoError(t, err)
	assert.Equal(t, claim.Sequence(4001), res.Sequence)
	assert.Greater(t, res.ClaimID, second[2999])
}
