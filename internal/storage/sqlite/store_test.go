package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelworks/keld/internal/keltest"
	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/internal/storage/storetest"
	"github.com/kelworks/keld/pkg/keystate"
)

func TestEventStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.EventStore {
		store, err := Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)

	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	st, err := keystate.Apply(nil, &icp.Event)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, icp, st))
	require.NoError(t, store.EscrowInsert(ctx, storage.EscrowOutOfOrder, c.Interact()))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.SN)
	assert.True(t, st.LastDigest.Equals(got.LastDigest))

	held, err := reopened.EscrowAll(ctx, storage.EscrowOutOfOrder)
	require.NoError(t, err)
	assert.Len(t, held, 1)
}
