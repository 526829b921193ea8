package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelworks/keld/internal/keltest"
	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/internal/storage/memory"
	"github.com/kelworks/keld/pkg/event"
)

func newProcessor(t *testing.T) (storage.EventStore, *Processor) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store, New(store, WithLogger(logger))
}

func escrowSizes(t *testing.T, store storage.EventStore) map[storage.EscrowReason]int {
	t.Helper()
	out := make(map[storage.EscrowReason]int)
	for _, reason := range storage.Reasons {
		held, err := store.EscrowAll(context.Background(), reason)
		require.NoError(t, err)
		out[reason] = len(held)
	}
	return out
}

func requireEmptyEscrows(t *testing.T, store storage.EventStore, except ...storage.EscrowReason) {
	t.Helper()
	skip := make(map[storage.EscrowReason]bool)
	for _, r := range except {
		skip[r] = true
	}
	for reason, n := range escrowSizes(t, store) {
		if !skip[reason] {
			assert.Zero(t, n, "escrow %s should be empty", reason)
		}
	}
}

func TestAcceptChain(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{})

	for i, msg := range []*event.SignedEvent{c.Incept(), c.Interact(), c.Rotate(keltest.Rotation{}), c.Interact()} {
		res, err := p.Process(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, Accepted, res.Outcome, "event %d", i)
		require.NotNil(t, res.State)
		assert.Equal(t, uint64(i), res.State.SN)
	}

	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.SN)
	assert.True(t, st.LastDigest.Equals(c.Last))
	requireEmptyEscrows(t, store)
}

func TestIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()

	_, err := p.Process(ctx, icp)
	require.NoError(t, err)

	res, err := p.Process(ctx, icp)
	require.NoError(t, err)
	assert.Equal(t, AlreadyFinalized, res.Outcome)

	log, err := store.KeyEventLog(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1)
	requireEmptyEscrows(t, store)
}

func TestOutOfOrderCascade(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	ixn1 := c.Interact()
	ixn2 := c.Interact()

	// Deliver in reverse: 2, 1, 0.
	res, err := p.Process(ctx, ixn2)
	require.NoError(t, err)
	assert.Equal(t, OutOfOrder, res.Outcome)

	res, err = p.Process(ctx, ixn1)
	require.NoError(t, err)
	assert.Equal(t, OutOfOrder, res.Outcome)
	assert.Equal(t, 2, escrowSizes(t, store)[storage.EscrowOutOfOrder])

	res, err = p.Process(ctx, icp)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)

	// The inception drags the whole held chain in behind it.
	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.SN)
	requireEmptyEscrows(t, store)
}

func TestDuplicityDetectionAndRetention(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	ixn := c.Interact()

	_, err := p.Process(ctx, icp)
	require.NoError(t, err)
	_, err = p.Process(ctx, ixn)
	require.NoError(t, err)

	// A conflicting event at sn 1: same chain position, different seals.
	fork := ixn.Event
	fork.Seals = []event.Seal{{Identifier: c.ID, SN: 0, Digest: fork.Prior}}
	forkMsg := c.ReSign(&fork)

	res, err := p.Process(ctx, forkMsg)
	require.NoError(t, err)
	assert.Equal(t, Duplicitous, res.Outcome)

	// The accepted log and state are untouched.
	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.SN)
	got, err := store.GetEvent(ctx, c.ID, 1)
	require.NoError(t, err)
	wantDigest, err := ixn.Digest()
	require.NoError(t, err)
	gotDigest, err := got.Digest()
	require.NoError(t, err)
	assert.True(t, wantDigest.Equals(gotDigest))

	// The evidence is retained and survives further log growth.
	held, err := store.EscrowAll(ctx, storage.EscrowDuplicitous)
	require.NoError(t, err)
	require.Len(t, held, 1)

	_, err = p.Process(ctx, c.Interact())
	require.NoError(t, err)
	held, err = store.EscrowAll(ctx, storage.EscrowDuplicitous)
	require.NoError(t, err)
	assert.Len(t, held, 1, "duplicitous evidence is never dropped")
}

func TestPartialSignatureAccumulation(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{Keys: 2, SelfAddressing: true})
	icp := c.Incept()

	first := c.PartialCopy(icp, 0)
	res, err := p.Process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, PartiallySigned, res.Outcome)
	assert.Equal(t, uint(1), res.Missing)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowPartiallySigned])

	// Redelivering the same partial copy changes nothing.
	_, err = p.Process(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowPartiallySigned])

	// The second signature arrives on its own copy; the escrow merges and
	// promotes.
	second := c.PartialCopy(icp, 1)
	res, err = p.Process(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, PartiallySigned, res.Outcome)

	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.SN)
	requireEmptyEscrows(t, store)
}

func TestWitnessReceiptsOneAtATime(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	w1, w2 := keltest.NewWitness(t), keltest.NewWitness(t)
	c := keltest.NewController(t, keltest.Config{
		Witnesses:        []event.PublicKey{w1.PublicKey(), w2.PublicKey()},
		WitnessThreshold: 2,
	})
	icp := c.Incept()

	res, err := p.Process(ctx, icp)
	require.NoError(t, err)
	assert.Equal(t, PartiallyWitnessed, res.Outcome)
	assert.Equal(t, uint(2), res.Missing)

	res, err = p.Process(ctx, w1.SignedReceipt(icp))
	require.NoError(t, err)
	assert.Equal(t, ReceiptRecorded, res.Outcome)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowPartiallyWitnessed], "one receipt is not enough")

	// A duplicate from the same witness does not help.
	_, err = p.Process(ctx, w1.SignedReceipt(icp))
	require.NoError(t, err)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowPartiallyWitnessed])

	res, err = p.Process(ctx, w2.SignedReceipt(icp))
	require.NoError(t, err)
	assert.Equal(t, ReceiptRecorded, res.Outcome)

	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.SN)
	requireEmptyEscrows(t, store)

	log, err := store.KeyEventLog(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, log, 1, "finalized exactly once")
}

func TestAttachedReceiptsCountImmediately(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	w := keltest.NewWitness(t)
	c := keltest.NewController(t, keltest.Config{
		Witnesses:        []event.PublicKey{w.PublicKey()},
		WitnessThreshold: 1,
	})
	icp := c.Incept()
	icp.Receipts = []event.WitnessReceipt{w.Couplet(icp)}

	res, err := p.Process(ctx, icp)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)

	recs, err := store.Receipts(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "travelling couplets are persisted")
}

func TestEarlyReceiptKept(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	w := keltest.NewWitness(t)
	c := keltest.NewController(t, keltest.Config{
		Witnesses:        []event.PublicKey{w.PublicKey()},
		WitnessThreshold: 1,
	})
	icp := c.Incept()

	// The receipt arrives before its event.
	res, err := p.Process(ctx, w.SignedReceipt(icp))
	require.NoError(t, err)
	assert.Equal(t, ReceiptRecorded, res.Outcome)

	// When the event arrives, the stored receipt already satisfies the
	// threshold.
	res, err = p.Process(ctx, icp)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)
	requireEmptyEscrows(t, store)
}

func TestDelegationApproval(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	delegator := keltest.NewController(t, keltest.Config{})

	_, err := p.Process(ctx, delegator.Incept())
	require.NoError(t, err)

	delegate := keltest.NewController(t, keltest.Config{Delegator: delegator.ID})
	dip := delegate.Incept()

	res, err := p.Process(ctx, dip)
	require.NoError(t, err)
	assert.Equal(t, DelegationPending, res.Outcome)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowDelegation])

	// The delegator anchors the approval seal; the cascade finalizes the
	// delegated inception.
	approval := delegator.Interact(delegate.SealOf(dip))
	res, err = p.Process(ctx, approval)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res.Outcome)

	st, err := store.GetKeyState(ctx, delegate.ID)
	require.NoError(t, err)
	assert.Equal(t, delegator.ID, st.Delegator)
	requireEmptyEscrows(t, store)
}

func TestEscrowMoveBetweenReasons(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	w := keltest.NewWitness(t)
	c := keltest.NewController(t, keltest.Config{
		Witnesses:        []event.PublicKey{w.PublicKey()},
		WitnessThreshold: 1,
	})
	icp := c.Incept()
	icp.Receipts = []event.WitnessReceipt{w.Couplet(icp)}
	ixn1 := c.Interact()
	ixn2 := c.Interact()

	// sn 2 arrives first: out of order.
	res, err := p.Process(ctx, ixn2)
	require.NoError(t, err)
	assert.Equal(t, OutOfOrder, res.Outcome)

	_, err = p.Process(ctx, icp)
	require.NoError(t, err)
	_, err = p.Process(ctx, ixn1)
	require.NoError(t, err)
	assert.Equal(t, 1, escrowSizes(t, store)[storage.EscrowPartiallyWitnessed])

	// sn 1 gets its receipt: it finalizes, and sn 2 moves from the
	// out-of-order escrow to the partially witnessed one.
	_, err = p.Process(ctx, w.SignedReceipt(ixn1))
	require.NoError(t, err)
	sizes := escrowSizes(t, store)
	assert.Zero(t, sizes[storage.EscrowOutOfOrder])
	assert.Equal(t, 1, sizes[storage.EscrowPartiallyWitnessed])

	_, err = p.Process(ctx, w.SignedReceipt(ixn2))
	require.NoError(t, err)

	st, err := store.GetKeyState(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.SN)
	requireEmptyEscrows(t, store)
}

func TestRejections(t *testing.T) {
	ctx := context.Background()
	_, p := newProcessor(t)
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	_, err := p.Process(ctx, icp)
	require.NoError(t, err)

	t.Run("prior digest mismatch", func(t *testing.T) {
		ixn := c.Interact()
		broken := ixn.Event
		wrong, err := event.ComputeDigest(event.DefaultDigestAlgorithm, []byte("not the prior"))
		require.NoError(t, err)
		broken.Prior = wrong

		_, err = p.Process(ctx, c.ReSign(&broken))
		require.ErrorIs(t, err, ErrPriorDigestMismatch)
		assert.True(t, IsRejection(err))

		// Keep the fixture chain aligned with the accepted log.
		_, err = p.Process(ctx, ixn)
		require.NoError(t, err)
	})

	t.Run("rotation threshold differs from commitment", func(t *testing.T) {
		rot := c.Rotate(keltest.Rotation{})
		_, err := p.Process(ctx, rot)
		require.NoError(t, err)

		c2 := keltest.NewController(t, keltest.Config{Keys: 2, SelfAddressing: true})
		icp2 := c2.Incept()
		_, err = p.Process(ctx, icp2)
		require.NoError(t, err)

		rot2 := c2.Rotate(keltest.Rotation{})
		tampered := rot2.Event
		tampered.Threshold = event.Threshold{Count: 1}
		_, err = p.Process(ctx, c2.ReSign(&tampered))
		require.ErrorIs(t, err, ErrPreRotationFailed)
	})

	t.Run("malformed events", func(t *testing.T) {
		bad := icp.Event
		bad.Type = "xyz"
		_, err := p.Process(ctx, &event.SignedEvent{Event: bad})
		require.ErrorIs(t, err, ErrMalformedEvent)

		late := icp.Event
		late.SN = 5
		_, err = p.Process(ctx, &event.SignedEvent{Event: late})
		require.ErrorIs(t, err, ErrMalformedEvent)
	})
}

func TestTransferableReceipts(t *testing.T) {
	ctx := context.Background()
	store, p := newProcessor(t)
	target := keltest.NewController(t, keltest.Config{})
	endorser := keltest.NewController(t, keltest.Config{})
	targetICP := target.Incept()
	endorserICP := endorser.Incept()

	_, err := p.Process(ctx, targetICP)
	require.NoError(t, err)

	tr := endorser.Endorse(targetICP, endorserICP)
	_, err = p.Process(ctx, tr)
	require.ErrorIs(t, err, ErrUnknownSigner, "endorser's log is not established yet")

	_, err = p.Process(ctx, endorserICP)
	require.NoError(t, err)

	res, err := p.Process(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, ReceiptRecorded, res.Outcome)

	stored, err := store.TransferableReceipts(ctx, target.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, endorser.ID, stored[0].SignerSeal.Identifier)

	// Tampered endorsement.
	badBody := *tr
	badBody.Signatures = nil
	_, err = p.Process(ctx, &badBody)
	require.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestInvalidStandaloneReceipt(t *testing.T) {
	ctx := context.Background()
	_, p := newProcessor(t)
	w := keltest.NewWitness(t)
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()

	r := w.SignedReceipt(icp)
	r.Receipts[0].Signature[0] ^= 0xff
	_, err := p.Process(ctx, r)
	require.ErrorIs(t, err, ErrInvalidReceipt)
}
