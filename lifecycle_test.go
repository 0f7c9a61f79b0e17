package memgo_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo"
	"github.com/hupe1980/memgo/claim"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/retrieval"
	"github.com/hupe1980/memgo/testutil"
)

// insertCorpus loads n claims with reproducible unit vectors and a few
// entity tags, returning the assigned ids in insert order. Batches that
// share a tenant need distinct seeds to keep embeddings distinct.
func insertCorpus(t *testing.T, mg *memgo.Memgo, tenant claim.TenantID, seed int64, n, dim int) []claim.ID {
	t.Helper()
	ctx := context.Background()

	vecs := testutil.NewRNG(seed).UnitVectors(n, dim)

	ids := make([]claim.ID, n)
	for i := 0; i < n; i++ {
		et := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		res, err := mg.Insert(ctx, memgo.ClaimInput{
			Tenant:    tenant,
			Content:   fmt.Sprintf("observation %d from batch", i),
			Embedding: vecs[i],
			Entities:  []string{fmt.Sprintf("sensor:%d", i%7)},
			EventTime: &et,
		})
		require.NoError(t, err)
		ids[i] = res.ClaimID
	}
	return ids
}

func activeLogPath(t *testing.T, dir string, tenant claim.TenantID) string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, string(tenant), "log", "*.mlog"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	return matches[len(matches)-1]
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)

	ids := insertCorpus(t, mg, "acme", 42, 60, 32)
	otherIDs := insertCorpus(t, mg, "globex", 43, 10, 16)

	// A relation edge recorded before shutdown must survive the replay.
	rel, err := mg.Insert(ctx, memgo.ClaimInput{
		Tenant:    "acme",
		Content:   "correction for observation 3",
		Embedding: testutil.NewRNG(7).UnitVector(32),
		Relations: []claim.Relation{{Kind: claim.RelationContradicts, Target: ids[3]}},
	})
	require.NoError(t, err)
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	assert.Equal(t, []claim.TenantID{"acme", "globex"}, mg.Tenants())

	for i, id := range ids {
		got, err := mg.Get("acme", id)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("observation %d from batch", i), got.Content)
	}
	got, err := mg.Get("acme", rel.ClaimID)
	require.NoError(t, err)
	require.Len(t, got.Relations, 1)
	assert.Equal(t, ids[3], got.Relations[0].Target)

	for _, id := range otherIDs {
		_, err := mg.Get("globex", id)
		require.NoError(t, err)
	}

	reports := mg.ReplayReports()
	require.Len(t, reports, 2)

	acme := reports[0]
	assert.Equal(t, claim.TenantID("acme"), acme.Tenant)
	assert.Equal(t, 61, acme.RestoredClaims)
	assert.Equal(t, 61, acme.LogRecords)
	assert.Equal(t, 0, acme.SnapshotRecords)
	assert.Equal(t, claim.Sequence(61), acme.LastSeq)
	assert.Nil(t, acme.CorruptTail)
	assert.True(t, acme.ProbeRan)
	assert.True(t, acme.ProbeHit)
	assert.Equal(t, rel.ClaimID, acme.ProbeClaimID)

	// The mutation counter is runtime state and restarts with the process.
	gen, err := mg.Generation("acme")
	require.NoError(t, err)
	assert.Zero(t, gen)

	// Appends resume above the replayed sequence.
	res, err := mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "acme", Content: "post reopen", Embedding: testutil.NewRNG(9).UnitVector(32),
	})
	require.NoError(t, err)
	assert.Equal(t, claim.Sequence(62), res.Sequence)
	assert.Greater(t, res.ClaimID, rel.ClaimID)
}

func TestCheckpointCompactsHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)

	ids := insertCorpus(t, mg, "acme", 42, 120, 24)
	for i := 0; i < 20; i++ {
		require.NoError(t, mg.Delete(ctx, "acme", ids[i*3]))
	}

	report, err := mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, claim.TenantID("acme"), report.Tenant)
	assert.NotEmpty(t, report.Snapshot)
	assert.NotEmpty(t, report.RotatedLog)
	assert.Equal(t, claim.Sequence(140), report.SnapshotSeq)
	assert.Equal(t, 100, report.LiveClaims)
	assert.Equal(t, 20, report.Compacted)

	// Claims appended after the boundary live in the rotated log.
	post := insertCorpus(t, mg, "acme", 77, 30, 24)
	require.NoError(t, mg.Delete(ctx, "acme", post[0]))
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	reports := mg.ReplayReports()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, 100, rep.SnapshotRecords)
	assert.Equal(t, 31, rep.LogRecords)
	assert.Equal(t, 129, rep.RestoredClaims)
	assert.Equal(t, claim.Sequence(140), rep.SnapshotSeq)
	assert.Equal(t, claim.Sequence(171), rep.LastSeq)
	assert.True(t, rep.ProbeRan)
	assert.True(t, rep.ProbeHit)

	// Compacted claims are gone, survivors are intact.
	_, err = mg.Get("acme", ids[0])
	assert.ErrorIs(t, err, memgo.ErrNotFound)
	_, err = mg.Get("acme", ids[1])
	assert.NoError(t, err)
	_, err = mg.Get("acme", post[0])
	assert.ErrorIs(t, err, memgo.ErrNotFound)
	_, err = mg.Get("acme", post[1])
	assert.NoError(t, err)
}

func TestCheckpointNoopWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	mg, err := memgo.Open(t.TempDir())
	require.NoError(t, err)
	defer mg.Close()

	insertCorpus(t, mg, "acme", 42, 10, 8)

	first, err := mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	require.NotEmpty(t, first.RotatedLog)

	second, err := mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, second.RotatedLog)
	assert.Equal(t, first.Snapshot, second.Snapshot)
	assert.Equal(t, first.SnapshotSeq, second.SnapshotSeq)
	assert.Zero(t, second.LiveClaims)
}

func TestCheckpointAll(t *testing.T) {
	ctx := context.Background()
	mg, err := memgo.Open(t.TempDir())
	require.NoError(t, err)
	defer mg.Close()

	insertCorpus(t, mg, "beta", 42, 15, 8)
	insertCorpus(t, mg, "alpha", 43, 10, 8)

	reports, err := mg.CheckpointAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, claim.TenantID("alpha"), reports[0].Tenant)
	assert.Equal(t, 10, reports[0].LiveClaims)
	assert.Equal(t, claim.TenantID("beta"), reports[1].Tenant)
	assert.Equal(t, 15, reports[1].LiveClaims)
}

func TestCorruptTailTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)
	ids := insertCorpus(t, mg, "acme", 42, 20, 16)
	require.NoError(t, mg.Close())

	// Simulate a torn append: garbage past the last committed record.
	logPath := activeLogPath(t, dir, "acme")
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("\xff\xff\xff\xff torn tail bytes \x00\x01\x02"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	reports := mg.ReplayReports()
	require.Len(t, reports, 1)
	rep := reports[0]
	require.NotNil(t, rep.CorruptTail)
	assert.Positive(t, rep.TruncatedBytes)
	assert.Equal(t, 20, rep.RestoredClaims)
	assert.Equal(t, claim.Sequence(20), rep.LastSeq)

	for _, id := range ids {
		_, err := mg.Get("acme", id)
		require.NoError(t, err)
	}

	// The log was truncated to its valid prefix; appends continue cleanly
	// and survive another cycle.
	res, err := mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "acme", Content: "after repair", Embedding: testutil.NewRNG(3).UnitVector(16),
	})
	require.NoError(t, err)
	assert.Equal(t, claim.Sequence(21), res.Sequence)
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	rep = mg.ReplayReports()[0]
	assert.Nil(t, rep.CorruptTail)
	assert.Equal(t, 21, rep.RestoredClaims)
}

func TestTombstoneReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)
	ids := insertCorpus(t, mg, "acme", 42, 3, 8)
	require.NoError(t, mg.Delete(ctx, "acme", ids[1]))
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	_, err = mg.Get("acme", ids[1])
	assert.ErrorIs(t, err, memgo.ErrNotFound)
	_, err = mg.Get("acme", ids[0])
	assert.NoError(t, err)
	_, err = mg.Get("acme", ids[2])
	assert.NoError(t, err)

	rep := mg.ReplayReports()[0]
	assert.Equal(t, 2, rep.RestoredClaims)
	assert.Equal(t, 4, rep.LogRecords)

	// Searching with the deleted claim's own vector must not resurface it.
	res, err := mg.Search(ctx, retrieval.Query{
		Tenant: "acme", Embedding: testutil.NewRNG(42).UnitVectors(3, 8)[1], TopK: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	for _, c := range res.Candidates {
		assert.NotEqual(t, ids[1], c.ID)
	}
}

func TestClaimIDsNeverReassigned(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)

	ids := insertCorpus(t, mg, "acme", 42, 5, 8)
	highest := ids[len(ids)-1]

	// Compact the highest id out of history entirely, then reopen: the
	// manifest's high-water mark must keep it from being handed out again.
	require.NoError(t, mg.Delete(ctx, "acme", highest))
	_, err = mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	res, err := mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "acme", Content: "fresh", Embedding: testutil.NewRNG(5).UnitVector(8),
	})
	require.NoError(t, err)
	assert.Greater(t, res.ClaimID, highest)
}

func TestUnsafeDurabilityRefusedAtOpen(t *testing.T) {
	_, err := memgo.Open(t.TempDir(), memgo.WithDurabilityPolicy(claimlog.DurabilityPolicy{
		SyncEveryN: 64,
	}))
	var unsafeErr *claimlog.UnsafeDurabilityConfigError
	require.ErrorAs(t, err, &unsafeErr)

	// The same batching becomes valid once the loss window is acknowledged.
	mg, err := memgo.Open(t.TempDir(), memgo.WithDurabilityPolicy(claimlog.DurabilityPolicy{
		SyncEveryN:          64,
		MaxUnsyncedDuration: 50 * time.Millisecond,
		AckRelaxed:          true,
	}))
	require.NoError(t, err)
	require.NoError(t, mg.Close())
}

func TestRelaxedDurabilityRoundTrip(t *testing.T) {
	dir := t.TempDir()

	mg, err := memgo.Open(dir, memgo.WithDurabilityPolicy(claimlog.DurabilityPolicy{
		SyncEveryN:          32,
		AppendBufferDepth:   16,
		MaxUnsyncedDuration: 50 * time.Millisecond,
		AckRelaxed:          true,
	}))
	require.NoError(t, err)
	ids := insertCorpus(t, mg, "acme", 42, 50, 16)
	// Close syncs the tail, so a clean shutdown loses nothing.
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	for _, id := range ids {
		_, err := mg.Get("acme", id)
		require.NoError(t, err)
	}
}

func TestReplayIdempotence(t *testing.T) {
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)
	insertCorpus(t, mg, "acme", 42, 25, 16)
	require.NoError(t, mg.Close())

	var last *claimlog.ReplayReport
	for cycle := 0; cycle < 3; cycle++ {
		mg, err = memgo.Open(dir)
		require.NoError(t, err)

		rep := mg.ReplayReports()[0]
		assert.Equal(t, 25, rep.RestoredClaims, "cycle %d", cycle)
		assert.Equal(t, claim.Sequence(25), rep.LastSeq, "cycle %d", cycle)
		if last != nil {
			assert.Equal(t, last.LogRecords, rep.LogRecords, "cycle %d", cycle)
			assert.Equal(t, last.SnapshotRecords, rep.SnapshotRecords, "cycle %d", cycle)
		}
		last = rep
		require.NoError(t, mg.Close())
	}
}

func TestSearchAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	mg, err := memgo.Open(dir)
	require.NoError(t, err)
	ids := insertCorpus(t, mg, "acme", 42, 40, 32)
	_, err = mg.Checkpoint(ctx, "acme")
	require.NoError(t, err)
	more := insertCorpus(t, mg, "acme", 77, 20, 32)
	require.NoError(t, mg.Close())

	mg, err = memgo.Open(dir)
	require.NoError(t, err)
	defer mg.Close()

	// Query with the exact stored vectors: each claim is its own nearest
	// neighbor, whether it was restored from the snapshot or the log.
	vecs := testutil.NewRNG(42).UnitVectors(40, 32)
	for _, probe := range []int{0, 17, 39} {
		res, err := mg.Search(ctx, retrieval.Query{Tenant: "acme", Embedding: vecs[probe], TopK: 1})
		require.NoError(t, err)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, ids[probe], res.Candidates[0].ID)
	}

	res, err := mg.Search(ctx, retrieval.Query{
		Tenant:    "acme",
		Embedding: testutil.NewRNG(77).UnitVectors(20, 32)[12],
		TopK:      1,
	})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, more[12], res.Candidates[0].ID)
}
