// Package keltest provides signing fixtures for tests: controllers that
// build correctly chained, signed key events, and witnesses that issue
// receipt couplets.
package keltest

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/kelworks/keld/pkg/event"
)

// Config tunes a test controller. The zero value gives a single-key
// controller with no witnesses and a basic identifier.
type Config struct {
	Keys      int
	Threshold event.Threshold

	Witnesses        []event.PublicKey
	WitnessThreshold uint

	Delegator      event.Identifier
	SelfAddressing bool
}

// Controller drives one identifier's log: it holds the current and
// pre-committed next signing keys and builds each event chained onto the
// last one it built. Callers may submit the built events in any order.
type Controller struct {
	t *testing.T

	ID   event.Identifier
	SN   uint64
	Last cid.Cid

	cfg     Config
	current []ed25519.PrivateKey
	next    []ed25519.PrivateKey

	threshold     event.Threshold
	nextThreshold event.Threshold
}

// NewController creates a controller with freshly generated ed25519 keys.
func NewController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Keys <= 0 {
		cfg.Keys = 1
	}
	if cfg.Threshold.Count == 0 && len(cfg.Threshold.Weights) == 0 {
		cfg.Threshold = event.Threshold{Count: uint(cfg.Keys)}
	}
	c := &Controller{
		t:             t,
		cfg:           cfg,
		current:       generateKeys(t, cfg.Keys),
		next:          generateKeys(t, cfg.Keys),
		threshold:     cfg.Threshold,
		nextThreshold: cfg.Threshold,
	}
	return c
}

// Incept builds and fully signs the inception event, deriving the
// controller's identifier.
func (c *Controller) Incept() *event.SignedEvent {
	c.t.Helper()
	ev, err := event.NewInception(event.InceptionConfig{
		Keys:             publicKeys(c.current),
		Threshold:        c.threshold,
		NextDigests:      c.commitments(c.next),
		NextThreshold:    c.nextThreshold,
		Witnesses:        c.cfg.Witnesses,
		WitnessThreshold: c.cfg.WitnessThreshold,
		Delegator:        c.cfg.Delegator,
		SelfAddressing:   c.cfg.SelfAddressing,
	})
	require.NoError(c.t, err)
	c.ID = ev.Identifier
	c.SN = 0
	c.Last = c.digest(ev)
	return c.sign(ev, c.current, allIndices(len(c.current)))
}

// Rotation tunes one rotation event.
type Rotation struct {
	WitnessCuts      []event.PublicKey
	WitnessAdds      []event.PublicKey
	WitnessThreshold uint
	Seals            []event.Seal
}

// Rotate reveals the pre-committed next keys as the new current set, commits
// a freshly generated next set, and signs with the revealed keys.
func (c *Controller) Rotate(r Rotation) *event.SignedEvent {
	c.t.Helper()
	c.current = c.next
	c.next = generateKeys(c.t, len(c.current))
	c.threshold = c.nextThreshold

	wt := c.cfg.WitnessThreshold
	if r.WitnessThreshold != 0 || len(r.WitnessCuts) > 0 || len(r.WitnessAdds) > 0 {
		wt = r.WitnessThreshold
	}
	ev, err := event.NewRotation(event.RotationConfig{
		Identifier:       c.ID,
		SN:               c.SN + 1,
		Prior:            c.Last,
		Keys:             publicKeys(c.current),
		Threshold:        c.threshold,
		NextDigests:      c.commitments(c.next),
		NextThreshold:    c.nextThreshold,
		WitnessCuts:      r.WitnessCuts,
		WitnessAdds:      r.WitnessAdds,
		WitnessThreshold: wt,
		Seals:            r.Seals,
		Delegator:        c.cfg.Delegator,
	})
	require.NoError(c.t, err)
	c.SN = ev.SN
	c.Last = c.digest(ev)
	return c.sign(ev, c.current, allIndices(len(c.current)))
}

// Interact builds an interaction event anchoring the given seals.
func (c *Controller) Interact(seals ...event.Seal) *event.SignedEvent {
	c.t.Helper()
	ev, err := event.NewInteraction(c.ID, c.SN+1, c.Last, seals, 0)
	require.NoError(c.t, err)
	c.SN = ev.SN
	c.Last = c.digest(ev)
	return c.sign(ev, c.current, allIndices(len(c.current)))
}

// PartialCopy returns a copy of the message carrying only the signatures at
// the given key indices.
func (c *Controller) PartialCopy(msg *event.SignedEvent, indices ...int) *event.SignedEvent {
	c.t.Helper()
	out := &event.SignedEvent{Event: msg.Event}
	for _, sig := range msg.Signatures {
		for _, want := range indices {
			if sig.KeyIndex == want {
				out.Signatures = append(out.Signatures, sig)
			}
		}
	}
	return out
}

// ReSign signs an arbitrary event with the controller's current keys,
// used to build validly signed but semantically broken events.
func (c *Controller) ReSign(ev *event.KeyEvent) *event.SignedEvent {
	c.t.Helper()
	return c.sign(ev, c.current, allIndices(len(c.current)))
}

// SealOf returns the seal a delegator anchors to approve the given event.
func (c *Controller) SealOf(msg *event.SignedEvent) event.Seal {
	c.t.Helper()
	return event.Seal{
		Identifier: msg.Event.Identifier,
		SN:         msg.Event.SN,
		Digest:     c.digest(&msg.Event),
	}
}

// Endorse builds a transferable receipt over target, signed with the
// controller's current keys and sealed to its latest establishment event.
func (c *Controller) Endorse(target *event.SignedEvent, establishment *event.SignedEvent) *event.TransferableReceipt {
	c.t.Helper()
	body := event.Receipt{
		Identifier:  target.Event.Identifier,
		SN:          target.Event.SN,
		EventDigest: c.digest(&target.Event),
	}
	input, err := body.SigningInput()
	require.NoError(c.t, err)

	r := &event.TransferableReceipt{
		Body: body,
		SignerSeal: event.Seal{
			Identifier: establishment.Event.Identifier,
			SN:         establishment.Event.SN,
			Digest:     c.digest(&establishment.Event),
		},
	}
	for i, priv := range c.current {
		r.Signatures = append(r.Signatures, event.Signature{
			KeyIndex: i,
			Value:    ed25519.Sign(priv, input),
		})
	}
	return r
}

func (c *Controller) digest(ev *event.KeyEvent) cid.Cid {
	c.t.Helper()
	d, err := ev.ComputeDigest()
	require.NoError(c.t, err)
	return d
}

func (c *Controller) sign(ev *event.KeyEvent, keys []ed25519.PrivateKey, indices []int) *event.SignedEvent {
	c.t.Helper()
	input, err := ev.SigningInput()
	require.NoError(c.t, err)
	msg := &event.SignedEvent{Event: *ev}
	for _, i := range indices {
		msg.Signatures = append(msg.Signatures, event.Signature{
			KeyIndex: i,
			Value:    ed25519.Sign(keys[i], input),
		})
	}
	return msg
}

func (c *Controller) commitments(keys []ed25519.PrivateKey) []cid.Cid {
	c.t.Helper()
	out := make([]cid.Cid, len(keys))
	for i, k := range publicKeys(keys) {
		d, err := k.Commitment(event.DefaultDigestAlgorithm)
		require.NoError(c.t, err)
		out[i] = d
	}
	return out
}

// Witness issues non-transferable receipt couplets.
type Witness struct {
	t    *testing.T
	priv ed25519.PrivateKey
}

// NewWitness creates a witness with a fresh ed25519 key.
func NewWitness(t *testing.T) *Witness {
	t.Helper()
	keys := generateKeys(t, 1)
	return &Witness{t: t, priv: keys[0]}
}

// PublicKey returns the witness's verification key.
func (w *Witness) PublicKey() event.PublicKey {
	return event.PublicKey{
		Algorithm: event.Ed25519,
		Raw:       w.priv.Public().(ed25519.PublicKey),
	}
}

// Couplet signs the event's digest bytes.
func (w *Witness) Couplet(msg *event.SignedEvent) event.WitnessReceipt {
	w.t.Helper()
	d, err := msg.Digest()
	require.NoError(w.t, err)
	return event.WitnessReceipt{
		Witness:   w.PublicKey(),
		Signature: ed25519.Sign(w.priv, d.Bytes()),
	}
}

// SignedReceipt wraps a couplet as a standalone receipt message.
func (w *Witness) SignedReceipt(msg *event.SignedEvent) *event.SignedReceipt {
	w.t.Helper()
	d, err := msg.Digest()
	require.NoError(w.t, err)
	return &event.SignedReceipt{
		Body: event.Receipt{
			Identifier:  msg.Event.Identifier,
			SN:          msg.Event.SN,
			EventDigest: d,
		},
		Receipts: []event.WitnessReceipt{w.Couplet(msg)},
	}
}

func generateKeys(t *testing.T, n int) []ed25519.PrivateKey {
	t.Helper()
	out := make([]ed25519.PrivateKey, n)
	for i := range out {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		out[i] = priv
	}
	return out
}

func publicKeys(keys []ed25519.PrivateKey) []event.PublicKey {
	out := make([]event.PublicKey, len(keys))
	for i, k := range keys {
		out[i] = event.PublicKey{
			Algorithm: event.Ed25519,
			Raw:       k.Public().(ed25519.PublicKey),
		}
	}
	return out
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
