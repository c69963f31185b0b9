package account

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "accounts.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAccountPutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Account{
		Name:        "acct1",
		Key:         "secretkey",
		Enabled:     true,
		Permissions: "rwdl",
	}))

	got, err := store.Get(ctx, "acct1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "acct1", got.Name)
	require.Equal(t, "secretkey", got.Key)
	require.True(t, got.Enabled)
	require.Equal(t, "rwdl", got.Permissions)
	require.False(t, got.CreatedAt.IsZero())
}

func TestAccountGetMissingReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	got, err := store.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAccountPutGeneratesKeyWhenBlank(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := &Account{Name: "acct2", Enabled: true}
	require.NoError(t, store.Put(ctx, a))
	require.NotEmpty(t, a.Key)

	got, err := store.Get(ctx, "acct2")
	require.NoError(t, err)
	require.Equal(t, a.Key, got.Key)
}

func TestAccountPutReplacesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Account{Name: "acct3", Key: "k1", Enabled: true}))
	require.NoError(t, store.Put(ctx, &Account{Name: "acct3", Key: "k2", Enabled: false}))

	got, err := store.Get(ctx, "acct3")
	require.NoError(t, err)
	require.Equal(t, "k2", got.Key)
	require.False(t, got.Enabled)
}

// Scenario 5 (spec.md §8): seeding the default account is idempotent and
// never overwrites an account that already exists.
func TestEnsureSeededIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureSeeded(ctx, "devstoreaccount1", "bleepstorekey"))
	first, err := store.Get(ctx, "devstoreaccount1")
	require.NoError(t, err)

	// A second call with a different key must not clobber the existing
	// account.
	require.NoError(t, store.EnsureSeeded(ctx, "devstoreaccount1", "adifferentkey"))
	second, err := store.Get(ctx, "devstoreaccount1")
	require.NoError(t, err)

	require.Equal(t, first.Key, second.Key)
	require.Equal(t, "bleepstorekey", second.Key)
}
