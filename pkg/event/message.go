package event

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/ipfs/go-cid"
)

// Message is any decoded inbound message the processor accepts: a signed key
// event, a witness receipt, or a transferable receipt.
type Message interface {
	// MessageIdentifier names the log the message belongs to, used for
	// per-identifier serialization.
	MessageIdentifier() Identifier
}

// WitnessReceipt is a non-transferable receipt couplet: a witness's basic
// key and its signature over the receipted event's digest bytes. It is
// verifiable without any stored state.
type WitnessReceipt struct {
	Witness   PublicKey `json:"witness"`
	Signature []byte    `json:"signature"`
}

// Verify checks the couplet signature over the receipted event digest.
func (r WitnessReceipt) Verify(eventDigest cid.Cid) bool {
	if !eventDigest.Defined() {
		return false
	}
	return r.Witness.Verify(eventDigest.Bytes(), r.Signature)
}

// SignedEvent is a key event plus the signatures over it and any receipt
// couplets that travelled with it.
type SignedEvent struct {
	Event      KeyEvent         `json:"event"`
	Signatures []Signature      `json:"signatures"`
	Receipts   []WitnessReceipt `json:"receipts,omitempty"`
}

func (m *SignedEvent) MessageIdentifier() Identifier { return m.Event.Identifier }

// Digest returns the digest of the carried event.
func (m *SignedEvent) Digest() (cid.Cid, error) { return m.Event.ComputeDigest() }

// Receipt identifies the event a receipt vouches for.
type Receipt struct {
	Identifier  Identifier `json:"identifier"`
	SN          uint64     `json:"sn"`
	EventDigest cid.Cid    `json:"eventDigest"`
}

// SigningInput returns the canonical JSON bytes transferable-receipt
// signatures are computed over.
func (r Receipt) SigningInput() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("serialize receipt: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize receipt: %w", err)
	}
	return canonical, nil
}

// SignedReceipt is a standalone receipt message carrying one or more witness
// couplets for a single event.
type SignedReceipt struct {
	Body     Receipt          `json:"body"`
	Receipts []WitnessReceipt `json:"receipts"`
}

func (m *SignedReceipt) MessageIdentifier() Identifier { return m.Body.Identifier }

// TransferableReceipt is a receipt signed with another controller's own
// current keys, evidenced by a seal of that controller's establishment
// event. Signatures are over the body's canonical JSON.
type TransferableReceipt struct {
	Body       Receipt     `json:"body"`
	SignerSeal Seal        `json:"signerSeal"`
	Signatures []Signature `json:"signatures"`
}

func (m *TransferableReceipt) MessageIdentifier() Identifier { return m.Body.Identifier }
