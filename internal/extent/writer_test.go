package extent

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepstore/internal/coreerrors"
)

func newTestStore(t *testing.T, maxConcurrency int) (*WriterPool, *Reader, *Catalog) {
	t.Helper()
	dir := t.TempDir()
	destSet, err := NewDestinationSet([]Destination{
		{ID: "d0", RootPath: dir, MaxConcurrency: maxConcurrency},
	})
	require.NoError(t, err)

	cat, err := Open(dir+"/catalog", 0)
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	writer := NewWriterPool(destSet, cat, 0, 0)
	reader := NewReader(destSet, cat)
	return writer, reader, cat
}

// Scenario 1 (spec.md §8): append/read basic.
func TestAppendReadBasic(t *testing.T) {
	writer, reader, _ := newTestStore(t, 4)
	ctx := context.Background()

	desc, err := writer.Append(ctx, "", []byte("Hello World"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), desc.Offset)
	require.Equal(t, uint64(11), desc.Count)

	rc, err := reader.Read(ctx, desc.ExtentID, desc.Offset, desc.Count)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "Hello World", string(got))
}

// Scenario 2 (spec.md §8): two concurrent 1 MiB writers against a
// destination with MaxConcurrency=1 both succeed, landing on distinct
// extents because the second must wait for the first to release.
func TestTwoWritersRotationSerializesOnSingleSlot(t *testing.T) {
	writer, reader, _ := newTestStore(t, 1)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("x"), 1<<20)

	var wg sync.WaitGroup
	descs := make([]Descriptor, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			descs[i], errs[i] = writer.Append(ctx, "d0", payload)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.NotEqual(t, descs[0].ExtentID, descs[1].ExtentID)

	for _, d := range descs {
		rc, err := reader.Read(ctx, d.ExtentID, d.Offset, d.Count)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

// P5: writing the same bytes twice produces two distinct descriptors with
// equal count; reading either yields identical bytes.
func TestRoundTripDistinctDescriptors(t *testing.T) {
	writer, reader, _ := newTestStore(t, 2)
	ctx := context.Background()

	body := []byte("same payload twice")

	d1, err := writer.Append(ctx, "", body)
	require.NoError(t, err)
	d2, err := writer.Append(ctx, "", body)
	require.NoError(t, err)

	require.Equal(t, d1.Count, d2.Count)
	require.NotEqual(t, d1, d2)

	for _, d := range []Descriptor{d1, d2} {
		rc, err := reader.Read(ctx, d.ExtentID, d.Offset, d.Count)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		require.Equal(t, body, got)
	}
}

func TestAppendUnknownDestination(t *testing.T) {
	writer, _, _ := newTestStore(t, 1)
	_, err := writer.Append(context.Background(), "does-not-exist", []byte("x"))
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.KindUnknownDestination, kind)
}

func TestReadRangeExceeded(t *testing.T) {
	writer, reader, _ := newTestStore(t, 1)
	ctx := context.Background()

	desc, err := writer.Append(ctx, "", []byte("short"))
	require.NoError(t, err)

	_, err = reader.Read(ctx, desc.ExtentID, 0, desc.Count+1)
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.KindRangeExceeded, kind)
}

func TestReadExtentNotFound(t *testing.T) {
	_, reader, _ := newTestStore(t, 1)
	_, err := reader.Read(context.Background(), "nonexistent", 0, 1)
	require.Error(t, err)
	kind, ok := coreerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, coreerrors.KindExtentNotFound, kind)
}

func TestAppendRotatesPastThreshold(t *testing.T) {
	dir := t.TempDir()
	destSet, err := NewDestinationSet([]Destination{{ID: "d0", RootPath: dir, MaxConcurrency: 1}})
	require.NoError(t, err)
	cat, err := Open(dir+"/catalog", 0)
	require.NoError(t, err)
	defer cat.Close()

	writer := NewWriterPool(destSet, cat, 10 /* tiny rotation threshold */, time.Minute)
	ctx := context.Background()

	d1, err := writer.Append(ctx, "d0", []byte("0123456789ABCDEF"))
	require.NoError(t, err)
	d2, err := writer.Append(ctx, "d0", []byte("more"))
	require.NoError(t, err)

	require.NotEqual(t, d1.ExtentID, d2.ExtentID, "append past rotation threshold should open a fresh extent")
}
