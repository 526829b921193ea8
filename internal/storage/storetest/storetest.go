// Package storetest runs the EventStore contract against any backend. Both
// the memory and sqlite packages invoke it from their own tests, so the two
// engines cannot drift apart behaviorally.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelworks/keld/internal/keltest"
	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.EventStore

// Run exercises the full EventStore contract.
func Run(t *testing.T, factory Factory) {
	t.Run("key state roundtrip", func(t *testing.T) { testKeyState(t, factory(t)) })
	t.Run("append and log order", func(t *testing.T) { testAppendAndLog(t, factory(t)) })
	t.Run("append is atomic per sequence number", func(t *testing.T) { testAppendDuplicate(t, factory(t)) })
	t.Run("seals visible after append", func(t *testing.T) { testSeals(t, factory(t)) })
	t.Run("receipts dedupe per witness", func(t *testing.T) { testReceipts(t, factory(t)) })
	t.Run("transferable receipts", func(t *testing.T) { testTransferableReceipts(t, factory(t)) })
	t.Run("escrow insert list remove", func(t *testing.T) { testEscrows(t, factory(t)) })
	t.Run("escrow insert overwrites same key", func(t *testing.T) { testEscrowOverwrite(t, factory(t)) })
}

func appendChain(t *testing.T, store storage.EventStore, msgs ...*event.SignedEvent) *keystate.KeyState {
	t.Helper()
	ctx := context.Background()
	var st *keystate.KeyState
	for _, msg := range msgs {
		var err error
		st, err = keystate.Apply(st, &msg.Event)
		require.NoError(t, err)
		require.NoError(t, store.AppendEvent(ctx, msg, st))
	}
	return st
}

func testKeyState(t *testing.T, store storage.EventStore) {
	ctx := context.Background()

	_, err := store.GetKeyState(ctx, "B.missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	want := appendChain(t, store, icp)

	got, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, want.SN, got.SN)
	assert.True(t, want.LastDigest.Equals(got.LastDigest))
	require.Len(t, got.Keys, 1)
	assert.True(t, want.Keys[0].Equal(got.Keys[0]))
	assert.True(t, want.Threshold.Equal(got.Threshold))
}

func testAppendAndLog(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	ixn := c.Interact()
	rot := c.Rotate(keltest.Rotation{})
	appendChain(t, store, icp, ixn, rot)

	log, err := store.KeyEventLog(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, log, 3)
	for i, msg := range log {
		assert.Equal(t, uint64(i), msg.Event.SN)
	}
	assert.Equal(t, event.Inception, log[0].Event.Type)
	assert.Equal(t, event.Interaction, log[1].Event.Type)
	assert.Equal(t, event.Rotation, log[2].Event.Type)

	got, err := store.GetEvent(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, event.Interaction, got.Event.Type)

	_, err = store.GetEvent(ctx, c.ID, 9)
	require.ErrorIs(t, err, storage.ErrNotFound)

	ids, err := store.Identifiers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []event.Identifier{c.ID}, ids)
}

func testAppendDuplicate(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	st := appendChain(t, store, icp)

	err := store.AppendEvent(ctx, icp, st)
	require.Error(t, err)

	log, err := store.KeyEventLog(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func testSeals(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()

	seal := event.Seal{Identifier: "E.delegate", SN: 0, Digest: c.Last}
	ixn := c.Interact(seal)
	appendChain(t, store, icp, ixn)

	ok, err := store.HasSeal(ctx, c.ID, seal)
	require.NoError(t, err)
	assert.True(t, ok)

	other := seal
	other.SN = 7
	ok, err = store.HasSeal(ctx, c.ID, other)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasSeal(ctx, "B.other", seal)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testReceipts(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	w1, w2 := keltest.NewWitness(t), keltest.NewWitness(t)

	body := event.Receipt{Identifier: c.ID, SN: 0, EventDigest: c.Last}
	require.NoError(t, store.AddReceipt(ctx, body, w1.Couplet(icp)))
	require.NoError(t, store.AddReceipt(ctx, body, w1.Couplet(icp)))
	require.NoError(t, store.AddReceipt(ctx, body, w2.Couplet(icp)))

	recs, err := store.Receipts(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.Body.EventDigest.Equals(c.Last))
	}

	recs, err = store.Receipts(ctx, c.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testTransferableReceipts(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	target := keltest.NewController(t, keltest.Config{})
	signer := keltest.NewController(t, keltest.Config{})
	targetICP := target.Incept()
	signerICP := signer.Incept()

	tr := signer.Endorse(targetICP, signerICP)
	require.NoError(t, store.AddTransferableReceipt(ctx, tr))

	got, err := store.TransferableReceipts(ctx, target.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, signer.ID, got[0].SignerSeal.Identifier)
	assert.True(t, got[0].Body.EventDigest.Equals(tr.Body.EventDigest))
}

func testEscrows(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{})
	c.Incept()
	ixn1 := c.Interact()
	ixn2 := c.Interact()

	require.NoError(t, store.EscrowInsert(ctx, storage.EscrowOutOfOrder, ixn1))
	require.NoError(t, store.EscrowInsert(ctx, storage.EscrowOutOfOrder, ixn2))

	held, err := store.EscrowList(ctx, storage.EscrowOutOfOrder, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, uint64(1), held[0].Event.SN)

	all, err := store.EscrowAll(ctx, storage.EscrowOutOfOrder)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Other escrows are unaffected.
	all, err = store.EscrowAll(ctx, storage.EscrowPartiallySigned)
	require.NoError(t, err)
	assert.Empty(t, all)

	d1, err := ixn1.Digest()
	require.NoError(t, err)
	require.NoError(t, store.EscrowRemove(ctx, storage.EscrowOutOfOrder, c.ID, 1, d1))

	held, err = store.EscrowList(ctx, storage.EscrowOutOfOrder, c.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, held)

	all, err = store.EscrowAll(ctx, storage.EscrowOutOfOrder)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testEscrowOverwrite(t *testing.T, store storage.EventStore) {
	ctx := context.Background()
	c := keltest.NewController(t, keltest.Config{Keys: 2, SelfAddressing: true})
	icp := c.Incept()

	partial := c.PartialCopy(icp, 0)
	require.NoError(t, store.EscrowInsert(ctx, storage.EscrowPartiallySigned, partial))
	require.NoError(t, store.EscrowInsert(ctx, storage.EscrowPartiallySigned, icp))

	held, err := store.EscrowList(ctx, storage.EscrowPartiallySigned, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Len(t, held[0].Signatures, 2)
}
