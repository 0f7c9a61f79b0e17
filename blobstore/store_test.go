package blobstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBlob(t *testing.T, store Store, name string) []byte {
	t.Helper()
	ctx := context.Background()

	b, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer b.Close()

	data, err := io.ReadAll(io.NewSectionReader(b, 0, b.Size()))
	require.NoError(t, err)
	return data
}

// testStoreConformance runs the behavior every Store implementation
// must share.
func testStoreConformance(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("OpenMissing", func(t *testing.T) {
		_, err := store.Open(ctx, "missing/blob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("PutOpenRead", func(t *testing.T) {
		content := []byte("archived snapshot bytes")
		require.NoError(t, store.Put(ctx, "acme/snapshot/000001.msnap", bytes.NewReader(content), int64(len(content))))

		b, err := store.Open(ctx, "acme/snapshot/000001.msnap")
		require.NoError(t, err)
		defer b.Close()

		assert.EqualValues(t, len(content), b.Size())

		got := make([]byte, len(content))
		n, err := b.ReadAt(got, 0)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
		require.Equal(t, len(content), n)
		assert.Equal(t, content, got)
	})

	t.Run("ReadAtOffset", func(t *testing.T) {
		content := []byte("0123456789")
		require.NoError(t, store.Put(ctx, "acme/offset", bytes.NewReader(content), int64(len(content))))

		b, err := store.Open(ctx, "acme/offset")
		require.NoError(t, err)
		defer b.Close()

		got := make([]byte, 4)
		n, err := b.ReadAt(got, 3)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
		}
		require.Equal(t, 4, n)
		assert.Equal(t, []byte("3456"), got)

		// Reads past the end report EOF.
		_, err = b.ReadAt(got, int64(len(content)))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "acme/CHECKPOINT", strings.NewReader("v1"), 2))
		require.NoError(t, store.Put(ctx, "acme/CHECKPOINT", strings.NewReader("v2-longer"), 9))
		assert.Equal(t, []byte("v2-longer"), readBlob(t, store, "acme/CHECKPOINT"))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "globex/snapshot/000002.msnap", strings.NewReader("x"), 1))

		names, err := store.List(ctx, "acme/")
		require.NoError(t, err)
		assert.Equal(t, []string{"acme/CHECKPOINT", "acme/offset", "acme/snapshot/000001.msnap"}, names)

		names, err = store.List(ctx, "globex/")
		require.NoError(t, err)
		assert.Equal(t, []string{"globex/snapshot/000002.msnap"}, names)

		names, err = store.List(ctx, "nothing/")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "acme/doomed", strings.NewReader("x"), 1))
		require.NoError(t, store.Delete(ctx, "acme/doomed"))

		_, err := store.Open(ctx, "acme/doomed")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing blob is not an error.
		assert.NoError(t, store.Delete(ctx, "acme/doomed"))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		assert.Error(t, store.Put(canceled, "acme/ctx", strings.NewReader("x"), 1))
		_, err := store.Open(canceled, "acme/CHECKPOINT")
		assert.Error(t, err)
		assert.Error(t, store.Delete(canceled, "acme/CHECKPOINT"))
		_, err = store.List(canceled, "acme/")
		assert.Error(t, err)
	})
}
