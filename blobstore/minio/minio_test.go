package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memgo/blobstore"
)

// TestStoreIntegration requires a running MinIO instance.
// Skip if not available.
func TestStoreIntegration(t *testing.T) {
	endpoint := "localhost:9000"
	accessKey := "minioadmin"
	secretKey := "minioadmin"
	bucket := "test-memgo"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()

	// Check if MinIO is reachable
	if _, err = client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix")

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "acme/snapshot/000001.msnap", bytes.NewReader(data), int64(len(data))))

	blob, err := store.Open(ctx, "acme/snapshot/000001.msnap")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, len(data))
	n, err := blob.ReadAt(buf, 0)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	// Ranged read of the middle of the object.
	part := make([]byte, 5)
	n, err = blob.ReadAt(part, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, "minio", string(part))

	// Tail read past the end reports EOF with the bytes that exist.
	tail := make([]byte, 10)
	n, err = blob.ReadAt(tail, int64(len(data))-5)
	require.Equal(t, 5, n)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "acme/")
	require.NoError(t, err)
	assert.Contains(t, names, "acme/snapshot/000001.msnap")

	// Streaming put with unknown size.
	require.NoError(t, store.Put(ctx, "acme/stream", bytes.NewReader([]byte("streamed data")), -1))
	blob2, err := store.Open(ctx, "acme/stream")
	require.NoError(t, err)
	assert.Equal(t, int64(13), blob2.Size())
	require.NoError(t, blob2.Close())

	require.NoError(t, store.Delete(ctx, "acme/snapshot/000001.msnap"))
	_, err = store.Open(ctx, "acme/snapshot/000001.msnap")
	require.True(t, errors.Is(err, blobstore.ErrNotFound))

	_ = store.Delete(ctx, "acme/stream")
}
