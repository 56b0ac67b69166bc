package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"local":  NewLocalStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
}

func TestBlobStore_Lifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello world, this is a segment body")

			w, err := store.Create(ctx, "v-a/segment-000001.seg")
			require.NoError(t, err)
			n, err := w.Write(data)
			require.NoError(t, err)
			require.Equal(t, len(data), n)
			require.NoError(t, w.Close())

			b, err := store.Open(ctx, "v-a/segment-000001.seg")
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), b.Size())

			buf := make([]byte, 5)
			n, err = b.ReadAt(ctx, buf, 6)
			require.NoError(t, err)
			assert.Equal(t, "world", string(buf[:n]))

			all, err := ReadAll(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, data, all)
			require.NoError(t, b.Close())

			require.NoError(t, store.Put(ctx, "v-a/CURRENT", []byte("MANIFEST-000001.bin")))
			require.NoError(t, store.Put(ctx, "v-b/CURRENT", []byte("MANIFEST-000002.bin")))

			names, err := store.List(ctx, "v-a/")
			require.NoError(t, err)
			assert.Equal(t, []string{"v-a/CURRENT", "v-a/segment-000001.seg"}, names)

			require.NoError(t, store.Delete(ctx, "v-a/segment-000001.seg"))
			require.NoError(t, store.Delete(ctx, "v-a/segment-000001.seg"))
			_, err = store.Open(ctx, "v-a/segment-000001.seg")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBlobStore_Abort(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w, err := store.Create(ctx, "partial.seg")
			require.NoError(t, err)
			_, _ = w.Write([]byte("half"))
			require.NoError(t, w.Abort())

			_, err = store.Open(ctx, "partial.seg")
			assert.ErrorIs(t, err, ErrNotFound)

			names, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Empty(t, names)
		})
	}
}

func TestSub(t *testing.T) {
	ctx := context.Background()
	root := NewMemoryStore()
	sub := Sub(root, "/v-minilm/")

	require.NoError(t, sub.Put(ctx, "segment-000001.seg", []byte("x")))
	require.NoError(t, root.Put(ctx, "v-other/segment-000001.seg", []byte("y")))

	data, err := ReadFile(ctx, root, "v-minilm/segment-000001.seg")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	names, err := sub.List(ctx, "segment-")
	require.NoError(t, err)
	assert.Equal(t, []string{"segment-000001.seg"}, names)

	all, err := root.List(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v-minilm", "v-other"}, TopLevel(all))

	require.NoError(t, DeletePrefix(ctx, root, "v-other/"))
	all, err = root.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"v-minilm/segment-000001.seg"}, all)

	assert.Same(t, root, Sub(root, ""))
}

func TestLocalStore_ListSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	w, err := store.Create(ctx, "a/b.seg")
	require.NoError(t, err)
	_, _ = w.Write([]byte("pending"))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(dir, "a", "b.seg"))
	require.NoError(t, err)

	data, err := ReadFile(ctx, store, "a/b.seg")
	require.NoError(t, err)
	assert.Equal(t, "pending", string(data))
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "not-yet"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryStore_Corrupt(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "x", []byte{0x00, 0x01}))

	assert.True(t, store.Corrupt("x", 1))
	assert.False(t, store.Corrupt("x", 5))
	assert.False(t, store.Corrupt("y", 0))

	data, err := ReadFile(ctx, store, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFE}, data)
}
