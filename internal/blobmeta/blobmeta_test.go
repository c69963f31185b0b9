package blobmeta

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepstore/internal/extent"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "blobmeta.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestWriter(t *testing.T) (*extent.WriterPool, *extent.Reader) {
	t.Helper()
	dir := t.TempDir()
	destSet, err := extent.NewDestinationSet([]extent.Destination{{ID: "d0", RootPath: dir, MaxConcurrency: 2}})
	require.NoError(t, err)
	cat, err := extent.Open(filepath.Join(dir, "extents.catalog"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return extent.NewWriterPool(destSet, cat, 0, 0), extent.NewReader(destSet, cat)
}

func TestCreateContainerIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))
	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))
}

func TestPutGetBlobRoundTrip(t *testing.T) {
	store := newTestStore(t)
	writer, reader := newTestWriter(t)
	ctx := context.Background()

	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))

	d1, err := writer.Append(ctx, "d0", []byte("block-one"))
	require.NoError(t, err)
	d2, err := writer.Append(ctx, "d0", []byte("block-two"))
	require.NoError(t, err)

	blob := &Blob{
		Container: "c1",
		Name:      "myblob",
		Blocks: []Block{
			{BlockID: "b1", Descriptor: d1},
			{BlockID: "b2", Descriptor: d2},
		},
		ContentType: "text/plain",
		Size:        int64(len("block-one") + len("block-two")),
	}
	require.NoError(t, store.PutBlob(ctx, blob))

	got, err := store.GetBlob(ctx, "c1", "myblob")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Blocks, 2)
	require.Equal(t, "b1", got.Blocks[0].BlockID)
	require.Equal(t, "b2", got.Blocks[1].BlockID)
	require.Equal(t, "text/plain", got.ContentType)

	for i, blk := range got.Blocks {
		rc, err := reader.Read(ctx, blk.Descriptor.ExtentID, blk.Descriptor.Offset, blk.Descriptor.Count)
		require.NoError(t, err)
		buf, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		if i == 0 {
			require.Equal(t, "block-one", string(buf))
		} else {
			require.Equal(t, "block-two", string(buf))
		}
	}
}

func TestGetBlobMissingReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetBlob(context.Background(), "c1", "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

// PutBlob replaces a blob's full block list on recommit, matching the
// block-blob commit semantics.
func TestPutBlobReplacesBlockList(t *testing.T) {
	store := newTestStore(t)
	writer, _ := newTestWriter(t)
	ctx := context.Background()
	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))

	d1, err := writer.Append(ctx, "d0", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, store.PutBlob(ctx, &Blob{
		Container: "c1", Name: "b", Blocks: []Block{{BlockID: "x", Descriptor: d1}},
	}))

	d2, err := writer.Append(ctx, "d0", []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, store.PutBlob(ctx, &Blob{
		Container: "c1", Name: "b", Blocks: []Block{{BlockID: "y", Descriptor: d2}},
	}))

	got, err := store.GetBlob(ctx, "c1", "b")
	require.NoError(t, err)
	require.Len(t, got.Blocks, 1)
	require.Equal(t, "y", got.Blocks[0].BlockID)
}

func TestDeleteBlobRemovesMetadataOnly(t *testing.T) {
	store := newTestStore(t)
	writer, _ := newTestWriter(t)
	ctx := context.Background()
	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))

	d1, err := writer.Append(ctx, "d0", []byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, store.PutBlob(ctx, &Blob{
		Container: "c1", Name: "b", Blocks: []Block{{BlockID: "x", Descriptor: d1}},
	}))

	require.NoError(t, store.DeleteBlob(ctx, "c1", "b"))
	got, err := store.GetBlob(ctx, "c1", "b")
	require.NoError(t, err)
	require.Nil(t, got)
}

// The reference pager surfaces every committed block's extent id, the only
// coupling the garbage collector needs.
func TestReferencedExtentPagerSurfacesAllBlockExtents(t *testing.T) {
	store := newTestStore(t)
	writer, _ := newTestWriter(t)
	ctx := context.Background()
	require.NoError(t, store.CreateContainer(ctx, &Container{Name: "c1", AccountName: "acct1"}))

	var descs []extent.Descriptor
	for i := 0; i < 3; i++ {
		d, err := writer.Append(ctx, "d0", []byte("x"))
		require.NoError(t, err)
		descs = append(descs, d)
	}
	var blocks []Block
	for i, d := range descs {
		blocks = append(blocks, Block{BlockID: string(rune('a' + i)), Descriptor: d})
	}
	require.NoError(t, store.PutBlob(ctx, &Blob{Container: "c1", Name: "multi", Blocks: blocks}))

	pager := store.OpenReferencedExtentPager()
	seen := map[string]bool{}
	for {
		ids, done, err := pager.NextPage(ctx)
		require.NoError(t, err)
		for _, id := range ids {
			seen[id] = true
		}
		if done {
			break
		}
	}
	for _, d := range descs {
		require.True(t, seen[d.ExtentID], "extent %s must be surfaced as referenced", d.ExtentID)
	}
}
