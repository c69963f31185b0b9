package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bleepstore/bleepstore/internal/account"
	"github.com/bleepstore/bleepstore/internal/blobmeta"
	"github.com/bleepstore/bleepstore/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ShutdownTimeout: 5},
		ExtentStore: config.ExtentStoreConfig{
			CatalogPath:             filepath.Join(dir, "extents.catalog"),
			AutosaveIntervalSeconds: 0,
			RotationBytes:           1 << 20,
			IdleTimeoutSeconds:      60,
		},
		Destinations: []config.DestinationConfig{
			{ID: "d0", RootPath: filepath.Join(dir, "extents", "d0"), MaxConcurrency: 2},
		},
		GC: config.GCConfig{
			IntervalSeconds:         3600,
			UnmodifiedWindowSeconds: 3600,
		},
		AccountsDBPath:      filepath.Join(dir, "accounts.db"),
		BlobMetadataDBPath:  filepath.Join(dir, "blobmeta.db"),
		QueueMetadataDBPath: filepath.Join(dir, "queuemeta.db"),
		Logging:             config.LoggingConfig{Level: "error", Format: "text"},
	}
}

func TestOpenWiresEveryComponent(t *testing.T) {
	cfg := newTestConfig(t)
	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NotNil(t, store.Destinations)
	require.NotNil(t, store.Catalog)
	require.NotNil(t, store.Writer)
	require.NotNil(t, store.Reader)
	require.NotNil(t, store.GC)
	require.NotNil(t, store.Accounts)
	require.NotNil(t, store.ServiceProperties)
	require.NotNil(t, store.BlobMeta)
	require.NotNil(t, store.QueueMeta)
}

// End-to-end exercise of the reference/lifecycle protocol (spec.md §4.G)
// through the fully wired Store: append, persist the descriptor, then a
// synchronous sweep must leave the still-referenced extent untouched.
func TestOpenEndToEndAppendPersistSweep(t *testing.T) {
	cfg := newTestConfig(t)
	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Accounts.EnsureSeeded(ctx, "devstoreaccount1", "key1"))
	require.NoError(t, store.BlobMeta.CreateContainer(ctx, &blobmeta.Container{Name: "c1", AccountName: "devstoreaccount1"}))

	desc, err := store.Writer.Append(ctx, "d0", []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, store.BlobMeta.PutBlob(ctx, &blobmeta.Blob{
		Container: "c1",
		Name:      "b1",
		Blocks:    []blobmeta.Block{{BlockID: "only", Descriptor: desc}},
	}))

	store.SweepNow(ctx)

	rec, err := store.Catalog.Get(desc.ExtentID)
	require.NoError(t, err)
	require.NotNil(t, rec, "referenced extent must survive a sweep")
}

func TestEnsureSeededReachableThroughStore(t *testing.T) {
	cfg := newTestConfig(t)
	store, err := Open(cfg)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Accounts.EnsureSeeded(ctx, "devstoreaccount1", "bleepstorekey"))

	acct, err := store.Accounts.Get(ctx, "devstoreaccount1")
	require.NoError(t, err)
	require.NotNil(t, acct)
	require.Equal(t, "bleepstorekey", acct.Key)

	props, err := store.ServiceProperties.Get(ctx, "devstoreaccount1")
	require.NoError(t, err)
	require.Equal(t, account.EmulatorVersion, props.DefaultServiceVersion)
}
