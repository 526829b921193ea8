// Package storage defines the store interface the processing engine runs
// against. All event-processing and escrow components are expressed against
// this interface, never against a concrete engine; the memory backend serves
// tests and embedded use, the sqlite backend is the durable one.
package storage

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
)

// ErrNotFound is returned for missing key states and events.
var ErrNotFound = errors.New("not found")

// EscrowReason names one of the typed holding areas.
type EscrowReason string

const (
	EscrowOutOfOrder         EscrowReason = "out-of-order"
	EscrowPartiallySigned    EscrowReason = "partially-signed"
	EscrowPartiallyWitnessed EscrowReason = "partially-witnessed"
	EscrowDelegation         EscrowReason = "delegation"
	EscrowDuplicitous        EscrowReason = "duplicitous"
)

// Reasons lists every escrow, for diagnostics and sweeps.
var Reasons = []EscrowReason{
	EscrowOutOfOrder,
	EscrowPartiallySigned,
	EscrowPartiallyWitnessed,
	EscrowDelegation,
	EscrowDuplicitous,
}

// Valid reports whether r names a known escrow.
func (r EscrowReason) Valid() bool {
	switch r {
	case EscrowOutOfOrder, EscrowPartiallySigned, EscrowPartiallyWitnessed,
		EscrowDelegation, EscrowDuplicitous:
		return true
	}
	return false
}

// ReceiptRecord is one stored witness couplet together with the receipt body
// identifying the event it vouches for.
type ReceiptRecord struct {
	Body    event.Receipt        `json:"body"`
	Couplet event.WitnessReceipt `json:"couplet"`
}

// EventStore is the storage contract for the engine.
//
// AppendEvent must persist the event and replace the key-state snapshot as
// one atomic unit: both succeed or both fail, with no partial write visible.
// Seals anchored by the appended event must become visible to HasSeal in the
// same unit, since delegation approval is checked against the finalized log.
type EventStore interface {
	// Key state snapshots.
	GetKeyState(ctx context.Context, id event.Identifier) (*keystate.KeyState, error)

	// Finalized key event log.
	GetEvent(ctx context.Context, id event.Identifier, sn uint64) (*event.SignedEvent, error)
	AppendEvent(ctx context.Context, msg *event.SignedEvent, st *keystate.KeyState) error
	KeyEventLog(ctx context.Context, id event.Identifier) ([]*event.SignedEvent, error)
	Identifiers(ctx context.Context) ([]event.Identifier, error)

	// Witness receipts, keyed by (identifier, sn); deduplicated per
	// (event digest, witness).
	AddReceipt(ctx context.Context, body event.Receipt, couplet event.WitnessReceipt) error
	Receipts(ctx context.Context, id event.Identifier, sn uint64) ([]ReceiptRecord, error)

	// Transferable receipts, stored as endorsements.
	AddTransferableReceipt(ctx context.Context, r *event.TransferableReceipt) error
	TransferableReceipts(ctx context.Context, id event.Identifier, sn uint64) ([]*event.TransferableReceipt, error)

	// HasSeal reports whether the delegator's finalized log anchors the
	// given seal.
	HasSeal(ctx context.Context, delegator event.Identifier, seal event.Seal) (bool, error)

	// Escrow tables, keyed by (reason, identifier, sn, event digest).
	// Insert overwrites an existing entry with the same key, which is how
	// merged signature sets are persisted.
	EscrowInsert(ctx context.Context, reason EscrowReason, msg *event.SignedEvent) error
	EscrowList(ctx context.Context, reason EscrowReason, id event.Identifier, sn uint64) ([]*event.SignedEvent, error)
	EscrowAll(ctx context.Context, reason EscrowReason) ([]*event.SignedEvent, error)
	EscrowRemove(ctx context.Context, reason EscrowReason, id event.Identifier, sn uint64, digest cid.Cid) error
}
