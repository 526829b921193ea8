package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelworks/keld/internal/keltest"
	"github.com/kelworks/keld/pkg/event"
)

type signer struct {
	pub  event.PublicKey
	priv ed25519.PrivateKey
}

func newSigners(t *testing.T, n int) []signer {
	t.Helper()
	out := make([]signer, n)
	for i := range out {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		out[i] = signer{
			pub:  event.PublicKey{Algorithm: event.Ed25519, Raw: pub},
			priv: priv,
		}
	}
	return out
}

func keysOf(signers []signer) []event.PublicKey {
	out := make([]event.PublicKey, len(signers))
	for i, s := range signers {
		out[i] = s.pub
	}
	return out
}

func TestValidIndices(t *testing.T) {
	signers := newSigners(t, 3)
	input := []byte("input")

	sigs := []event.Signature{
		{KeyIndex: 0, Value: ed25519.Sign(signers[0].priv, input)},
		{KeyIndex: 0, Value: ed25519.Sign(signers[0].priv, input)},  // duplicate
		{KeyIndex: 1, Value: ed25519.Sign(signers[2].priv, input)},  // wrong key
		{KeyIndex: 2, Value: ed25519.Sign(signers[2].priv, input)},  // valid
		{KeyIndex: 9, Value: ed25519.Sign(signers[0].priv, input)},  // out of range
		{KeyIndex: -1, Value: ed25519.Sign(signers[0].priv, input)}, // out of range
	}

	assert.Equal(t, []int{0, 2}, ValidIndices(input, sigs, keysOf(signers)))
	assert.Empty(t, ValidIndices([]byte("other"), sigs[:1], keysOf(signers)))
}

func TestThreshold(t *testing.T) {
	signers := newSigners(t, 3)
	input := []byte("input")
	sign := func(indices ...int) []event.Signature {
		var out []event.Signature
		for _, i := range indices {
			out = append(out, event.Signature{KeyIndex: i, Value: ed25519.Sign(signers[i].priv, input)})
		}
		return out
	}

	th := event.Threshold{Count: 2}
	assert.True(t, Threshold(input, sign(0, 2), keysOf(signers), th))
	assert.False(t, Threshold(input, sign(1), keysOf(signers), th))

	weighted := event.Threshold{Weights: []event.Fraction{{Num: 1, Den: 2}, {Num: 1, Den: 2}, {Num: 1, Den: 4}}}
	assert.True(t, Threshold(input, sign(0, 1), keysOf(signers), weighted))
	assert.False(t, Threshold(input, sign(1, 2), keysOf(signers), weighted))
}

func TestPreRotation(t *testing.T) {
	signers := newSigners(t, 2)
	keys := keysOf(signers)

	committed := make([]cid.Cid, len(keys))
	for i, k := range keys {
		d, err := k.Commitment(event.DefaultDigestAlgorithm)
		require.NoError(t, err)
		committed[i] = d
	}

	assert.True(t, PreRotation(keys, committed))
	assert.False(t, PreRotation(keys, nil), "no commitment means no rotation")
	assert.False(t, PreRotation(keys[:1], committed), "length mismatch")
	assert.False(t, PreRotation([]event.PublicKey{keys[1], keys[0]}, committed), "index alignment matters")

	other := newSigners(t, 1)
	assert.False(t, PreRotation([]event.PublicKey{keys[0], other[0].pub}, committed))
}

func TestPreRotationHonorsCommittedAlgorithm(t *testing.T) {
	signers := newSigners(t, 1)
	k := signers[0].pub

	sha, err := k.Commitment(event.SHA2256)
	require.NoError(t, err)
	assert.True(t, PreRotation([]event.PublicKey{k}, []cid.Cid{sha}),
		"commitment verifies under the hash function it names")
}

func TestWitnessReceipts(t *testing.T) {
	c := keltest.NewController(t, keltest.Config{})
	icp := c.Incept()
	digest, err := icp.Digest()
	require.NoError(t, err)

	w1, w2, stranger := keltest.NewWitness(t), keltest.NewWitness(t), keltest.NewWitness(t)
	witnesses := []event.PublicKey{w1.PublicKey(), w2.PublicKey()}

	r1 := w1.Couplet(icp)
	assert.True(t, WitnessReceipt(r1, digest, w1.PublicKey()))
	assert.False(t, WitnessReceipt(r1, digest, w2.PublicKey()), "couplet bound to its witness")

	couplets := []event.WitnessReceipt{
		r1,
		r1, // duplicate witness
		w2.Couplet(icp),
		stranger.Couplet(icp), // not in the configured set
	}
	assert.Equal(t, 2, CountWitnessReceipts(couplets, digest, witnesses))

	tampered := r1
	tampered.Signature = append([]byte(nil), r1.Signature...)
	tampered.Signature[0] ^= 0xff
	assert.Equal(t, 0, CountWitnessReceipts([]event.WitnessReceipt{tampered}, digest, witnesses))
}

func TestTransferableReceipt(t *testing.T) {
	target := keltest.NewController(t, keltest.Config{})
	endorser := keltest.NewController(t, keltest.Config{Keys: 2, SelfAddressing: true})
	targetICP := target.Incept()
	endorserICP := endorser.Incept()

	tr := endorser.Endorse(targetICP, endorserICP)
	assert.True(t, TransferableReceipt(tr, endorserICP.Event.Keys, endorserICP.Event.Threshold))

	short := *tr
	short.Signatures = tr.Signatures[:1]
	assert.False(t, TransferableReceipt(&short, endorserICP.Event.Keys, endorserICP.Event.Threshold),
		"below the endorser's threshold")

	other := keltest.NewController(t, keltest.Config{})
	otherICP := other.Incept()
	assert.False(t, TransferableReceipt(tr, otherICP.Event.Keys, otherICP.Event.Threshold),
		"wrong signer keys")
}
