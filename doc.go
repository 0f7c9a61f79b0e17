// Package memgo provides an embedded evidence memory engine for Go.
//
// Memgo stores claims (content, embedding, entity tags, optional event
// time, typed relations to earlier claims) in per-tenant partitions and
// retrieves them with a hybrid pipeline. Features include:
//
//   - Durable append-only claim log with CRC-framed records, tunable
//     fsync policies (per-append, group commit, interval), checkpoint
//     compaction, and crash-safe replay with corrupt-tail truncation
//   - HNSW graph index over claim embeddings
//   - Metadata prefiltering (entity tags, event-time windows, lexical
//     terms) on Roaring Bitmap inverted indexes
//   - Score fusion of lexical, dense, entity, and temporal signals with
//     contradiction-aware ranking policies
//   - Bounded segment cache serving claim attributes to the scorer,
//     with generation-based staleness tracking
//   - Snapshot and log-segment export, plus archival to blob stores
//     (local directory, S3, MinIO)
//
// # Quick Start
//
//	ctx := context.Background()
//
//	mg, err := memgo.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mg.Close()
//
//	res, err := mg.Insert(ctx, memgo.ClaimInput{
//	    Tenant:    "acme",
//	    Content:   "invoice 41 was paid on 2024-03-01",
//	    Embedding: embedding,
//	    Entities:  []string{"invoice:41"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	hits, err := mg.Search(ctx, retrieval.Query{
//	    Tenant:    "acme",
//	    Embedding: queryEmbedding,
//	    Text:      "invoice paid",
//	    TopK:      10,
//	})
//
// Every append is fsynced before it is acknowledged unless a relaxed
// durability policy is configured. Checkpoints compact the log into a
// snapshot without blocking concurrent appends or queries.
//
// # Durability Tuning
//
// Batched syncing trades a bounded loss window for throughput and must
// be acknowledged explicitly; unsafe combinations are refused at Open:
//
//	mg, err := memgo.Open("./data", memgo.WithDurabilityPolicy(claimlog.DurabilityPolicy{
//	    SyncEveryN:          64,
//	    MaxUnsyncedDuration: 5 * time.Millisecond,
//	    AckRelaxed:          true,
//	}))
package memgo
