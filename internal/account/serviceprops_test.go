package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPropertiesStore(t *testing.T) *PropertiesStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "serviceprops.db")
	store, err := OpenProperties(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Scenario 5 (spec.md §8): an account that has never called
// setServiceProperties sees the documented defaults, including the current
// emulator version as its default service version.
func TestGetReturnsDefaultsWhenNeverSet(t *testing.T) {
	store := newTestPropertiesStore(t)
	got, err := store.Get(context.Background(), "neveraccessed")
	require.NoError(t, err)

	want := DefaultServiceProperties()
	require.Equal(t, want, got)
	require.Equal(t, EmulatorVersion, got.DefaultServiceVersion)
	require.True(t, got.Logging.Read)
	require.True(t, got.Logging.Write)
	require.True(t, got.Logging.Delete)
	require.False(t, got.HourMetrics.Enabled)
	require.Nil(t, got.CORS)
}

func TestUpsertPersistsAndRoundTrips(t *testing.T) {
	store := newTestPropertiesStore(t)
	ctx := context.Background()

	newVersion := "2024-05-04"
	merged, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{
		DefaultServiceVersion: &newVersion,
	})
	require.NoError(t, err)
	require.Equal(t, newVersion, merged.DefaultServiceVersion)

	got, err := store.Get(ctx, "acct1")
	require.NoError(t, err)
	require.Equal(t, newVersion, got.DefaultServiceVersion)
}

// Unsupplied top-level properties are preserved across Upsert calls
// (spec.md §4.H's absent-preserves rule).
func TestUpsertPreservesUnsuppliedFields(t *testing.T) {
	store := newTestPropertiesStore(t)
	ctx := context.Background()

	logging := LoggingProperties{Read: true, Write: true, Delete: true, RetentionDays: 7}
	_, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{Logging: &logging})
	require.NoError(t, err)

	cors := []CORSRule{{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}}
	merged, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{CORS: &cors})
	require.NoError(t, err)

	// Logging set in the first call must survive the second call, which
	// didn't mention it.
	require.Equal(t, logging, merged.Logging)
	require.Equal(t, cors, merged.CORS)
}

// CORS has the documented special case: an explicit empty slice clears the
// rules (replaces), distinct from a nil pointer which preserves.
func TestUpsertCORSExplicitEmptySliceClears(t *testing.T) {
	store := newTestPropertiesStore(t)
	ctx := context.Background()

	cors := []CORSRule{{AllowedOrigins: []string{"*"}}}
	_, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{CORS: &cors})
	require.NoError(t, err)

	empty := []CORSRule{}
	merged, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{CORS: &empty})
	require.NoError(t, err)
	require.Empty(t, merged.CORS)

	got, err := store.Get(ctx, "acct1")
	require.NoError(t, err)
	require.Empty(t, got.CORS)
}

// A nil CORS pointer in the update preserves whatever is currently stored.
func TestUpsertCORSNilPreserves(t *testing.T) {
	store := newTestPropertiesStore(t)
	ctx := context.Background()

	cors := []CORSRule{{AllowedOrigins: []string{"https://example.com"}}}
	_, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{CORS: &cors})
	require.NoError(t, err)

	newVersion := "2024-05-04"
	merged, err := store.Upsert(ctx, "acct1", ServicePropertiesUpdate{DefaultServiceVersion: &newVersion})
	require.NoError(t, err)
	require.Equal(t, cors, merged.CORS)
}

func TestUpsertIsolatedPerAccount(t *testing.T) {
	store := newTestPropertiesStore(t)
	ctx := context.Background()

	v := "2024-05-04"
	_, err := store.Upsert(ctx, "acct-a", ServicePropertiesUpdate{DefaultServiceVersion: &v})
	require.NoError(t, err)

	gotB, err := store.Get(ctx, "acct-b")
	require.NoError(t, err)
	require.Equal(t, EmulatorVersion, gotB.DefaultServiceVersion, "unrelated account must still see defaults")
}
