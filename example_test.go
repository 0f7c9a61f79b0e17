package memgo_test

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/memgo"
	minioblob "github.com/hupe1980/memgo/blobstore/minio"
	s3blob "github.com/hupe1980/memgo/blobstore/s3"
	"github.com/hupe1980/memgo/claimlog"
	"github.com/hupe1980/memgo/retrieval"
)

// Example demonstrates inserting claims and running a hybrid search.
func Example() {
	dir := "./example_memgo"
	defer os.RemoveAll(dir) // Cleanup after example

	mg, err := memgo.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	ctx := context.Background()
	paid := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)

	// Insert claims with embeddings, entity tags and event times
	_, err = mg.Insert(ctx, memgo.ClaimInput{
		Tenant:    "support",
		Content:   "invoice 41 was paid in full",
		Embedding: []float32{1, 0, 0, 0},
		Entities:  []string{"invoice:41"},
		EventTime: &paid,
	})
	if err != nil {
		log.Fatal(err)
	}
	_, err = mg.Insert(ctx, memgo.ClaimInput{
		Tenant:    "support",
		Content:   "shipment 7 arrived damaged",
		Embedding: []float32{0, 1, 0, 0},
		Entities:  []string{"shipment:7"},
	})
	if err != nil {
		log.Fatal(err)
	}

	// Hybrid search: lexical prefilter plus dense similarity
	res, err := mg.Search(ctx, retrieval.Query{
		Tenant:    "support",
		Text:      "invoice paid",
		Embedding: []float32{0.9, 0.1, 0, 0},
		TopK:      1,
	})
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range res.Candidates {
		got, _ := mg.Get("support", c.ID)
		fmt.Println(got.Content)
	}
	// Output: invoice 41 was paid in full
}

// Example_checkpoint demonstrates compacting a tenant's history into a
// snapshot.
func Example_checkpoint() {
	dir := "./example_checkpoint"
	defer os.RemoveAll(dir) // Cleanup after example

	mg, err := memgo.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	ctx := context.Background()
	first, _ := mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "support", Content: "draft note", Embedding: []float32{1, 0},
	})
	mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "support", Content: "final note", Embedding: []float32{0, 1},
	})
	mg.Delete(ctx, "support", first.ClaimID)

	report, err := mg.Checkpoint(ctx, "support")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("snapshot holds %d claims, %d compacted\n", report.LiveClaims, report.Compacted)
	// Output: snapshot holds 1 claims, 1 compacted
}

// Example_durability demonstrates trading the per-append fsync for
// batched syncing with an acknowledged, bounded loss window.
func Example_durability() {
	dir := "./example_durability"
	defer os.RemoveAll(dir) // Cleanup after example

	mg, err := memgo.Open(dir, memgo.WithDurabilityPolicy(claimlog.DurabilityPolicy{
		SyncEveryN:          128,
		AppendBufferDepth:   32,
		MaxUnsyncedDuration: 50 * time.Millisecond,
		AckRelaxed:          true,
	}))
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	fmt.Println("batched durability enabled")
	// Output: batched durability enabled
}

// Example_restore demonstrates moving a tenant between engines through
// an exported snapshot.
func Example_restore() {
	src := "./example_restore_src"
	dst := "./example_restore_dst"
	defer os.RemoveAll(src)
	defer os.RemoveAll(dst)

	mg, err := memgo.Open(src)
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	ctx := context.Background()
	mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "support", Content: "first", Embedding: []float32{1, 0},
	})
	mg.Insert(ctx, memgo.ClaimInput{
		Tenant: "support", Content: "second", Embedding: []float32{0, 1},
	})
	if _, err := mg.Checkpoint(ctx, "support"); err != nil {
		log.Fatal(err)
	}

	var snap bytes.Buffer
	if _, err := mg.ExportSnapshot(ctx, "support", &snap); err != nil {
		log.Fatal(err)
	}
	if err := memgo.Restore(dst, "support", &snap, nil); err != nil {
		log.Fatal(err)
	}

	restored, err := memgo.Open(dst)
	if err != nil {
		log.Fatal(err)
	}
	defer restored.Close()

	fmt.Printf("restored %d claims\n", restored.ReplayReports()[0].RestoredClaims)
	// Output: restored 2 claims
}

// Example_s3Archive demonstrates archiving a checkpoint to Amazon S3
// with a DynamoDB commit log guarding the pointer update, then
// rebuilding a standby from the archive.
func Example_s3Archive() {
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatal(err)
	}
	store := s3blob.NewStore(awss3.NewFromConfig(cfg), "my-archive-bucket", "memgo")
	commit := s3blob.NewCommitStore(store, dynamodb.NewFromConfig(cfg),
		"memgo-archives", "s3://my-archive-bucket/memgo")

	mg, err := memgo.Open("./data")
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	if _, err := mg.Checkpoint(ctx, "support"); err != nil {
		log.Fatal(err)
	}
	info, err := mg.ArchiveCheckpoint(ctx, "support", commit)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("archived %s (%d bytes)\n", info.SnapshotKey, info.Bytes)

	if err := memgo.RestoreFromArchive(ctx, "./standby", "support", commit); err != nil {
		log.Fatal(err)
	}
}

// Example_minioArchive demonstrates archiving to any S3-compatible
// object store through the MinIO client.
func Example_minioArchive() {
	ctx := context.Background()

	client, err := minio.New("minio.example.com:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("ACCESS_KEY", "SECRET_KEY", ""),
		Secure: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	store := minioblob.NewStore(client, "memgo-archive", "prod")

	mg, err := memgo.Open("./data")
	if err != nil {
		log.Fatal(err)
	}
	defer mg.Close()

	if _, err := mg.Checkpoint(ctx, "support"); err != nil {
		log.Fatal(err)
	}
	info, err := mg.ArchiveCheckpoint(ctx, "support", store)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("archived %s\n", info.SnapshotKey)
}
