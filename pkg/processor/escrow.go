package processor

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
)

// deferralKind maps a deferral outcome to the notification kind that routes
// an event into its escrow.
func deferralKind(o Outcome) (Kind, bool) {
	switch o {
	case OutOfOrder:
		return KindOutOfOrder, true
	case PartiallySigned:
		return KindPartiallySigned, true
	case PartiallyWitnessed:
		return KindPartiallyWitnessed, true
	case DelegationPending:
		return KindDelegationPending, true
	case Duplicitous:
		return KindDuplicitous, true
	}
	return "", false
}

func reasonKind(r storage.EscrowReason) Kind {
	switch r {
	case storage.EscrowOutOfOrder:
		return KindOutOfOrder
	case storage.EscrowPartiallySigned:
		return KindPartiallySigned
	case storage.EscrowPartiallyWitnessed:
		return KindPartiallyWitnessed
	case storage.EscrowDelegation:
		return KindDelegationPending
	default:
		return KindDuplicitous
	}
}

// finalize appends the event atomically with its new key state, persists any
// attached receipt couplets as stored evidence, and publishes KeyEventAdded,
// which drives the escrow cascade.
func finalize(ctx context.Context, bus *Bus, store storage.EventStore, msg *event.SignedEvent, st *keystate.KeyState) error {
	if err := store.AppendEvent(ctx, msg, st); err != nil {
		return err
	}
	digest, err := msg.Digest()
	if err != nil {
		return err
	}
	body := event.Receipt{Identifier: msg.Event.Identifier, SN: msg.Event.SN, EventDigest: digest}
	for _, c := range msg.Receipts {
		if c.Verify(digest) {
			if err := store.AddReceipt(ctx, body, c); err != nil {
				return err
			}
		}
	}
	return bus.Notify(ctx, Notification{Kind: KindKeyEventAdded, Event: msg})
}

// escrowCore is the shared re-admission machinery. Escrows hold the store
// and validator; the bus arrives by parameter on every call.
type escrowCore struct {
	store     storage.EventStore
	validator *Validator
	logger    *slog.Logger
	reason    storage.EscrowReason
}

// readmit re-drives one held entry through the validator against the
// now-current key state. A positive outcome promotes it; a different
// deferral moves it to the corresponding escrow; a structural rejection
// drops it. Storage faults propagate.
func (e escrowCore) readmit(ctx context.Context, bus *Bus, msg *event.SignedEvent) error {
	digest, err := msg.Digest()
	if err != nil {
		return err
	}
	id, sn := msg.Event.Identifier, msg.Event.SN

	res, err := e.validator.Validate(ctx, msg)
	if err != nil {
		if IsRejection(err) {
			e.logger.Warn("dropping escrowed event",
				"escrow", string(e.reason), "identifier", id.String(), "sn", sn, "error", err)
			return e.store.EscrowRemove(ctx, e.reason, id, sn, digest)
		}
		return err
	}

	switch res.Outcome {
	case Accepted:
		if err := e.store.EscrowRemove(ctx, e.reason, id, sn, digest); err != nil {
			return err
		}
		return finalize(ctx, bus, e.store, msg, res.State)
	case AlreadyFinalized:
		return e.store.EscrowRemove(ctx, e.reason, id, sn, digest)
	default:
		kind, ok := deferralKind(res.Outcome)
		if !ok || kind == reasonKind(e.reason) {
			// Still blocked for the same reason; the entry stays.
			return nil
		}
		// Resolving one blocker exposed another: move the entry.
		if err := e.store.EscrowRemove(ctx, e.reason, id, sn, digest); err != nil {
			return err
		}
		return bus.Notify(ctx, Notification{Kind: kind, Event: msg})
	}
}

// OutOfOrderEscrow holds events waiting for an earlier sequence number.
type OutOfOrderEscrow struct{ escrowCore }

func NewOutOfOrderEscrow(store storage.EventStore, v *Validator, logger *slog.Logger) *OutOfOrderEscrow {
	return &OutOfOrderEscrow{escrowCore{store, v, logger, storage.EscrowOutOfOrder}}
}

func (e *OutOfOrderEscrow) Notify(ctx context.Context, bus *Bus, n Notification) error {
	switch n.Kind {
	case KindOutOfOrder:
		return e.store.EscrowInsert(ctx, e.reason, n.Event)
	case KindKeyEventAdded:
		// The log grew: the direct successor may now be admissible. Each
		// promotion publishes KeyEventAdded again, so chains drain to a
		// fixed point.
		entries, err := e.store.EscrowList(ctx, e.reason, n.Identifier(), n.SN()+1)
		if err != nil {
			return err
		}
		for _, msg := range entries {
			if err := e.readmit(ctx, bus, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// PartiallySignedEscrow holds events short of their signing threshold and
// merges signature sets of copies carrying the same digest.
type PartiallySignedEscrow struct{ escrowCore }

func NewPartiallySignedEscrow(store storage.EventStore, v *Validator, logger *slog.Logger) *PartiallySignedEscrow {
	return &PartiallySignedEscrow{escrowCore{store, v, logger, storage.EscrowPartiallySigned}}
}

func (e *PartiallySignedEscrow) Notify(ctx context.Context, bus *Bus, n Notification) error {
	if n.Kind != KindPartiallySigned {
		return nil
	}
	msg := n.Event
	digest, err := msg.Digest()
	if err != nil {
		return err
	}

	merged := msg
	existing, err := e.store.EscrowList(ctx, e.reason, msg.Event.Identifier, msg.Event.SN)
	if err != nil {
		return err
	}
	for _, prev := range existing {
		prevDigest, err := prev.Digest()
		if err != nil {
			return err
		}
		if prevDigest.Equals(digest) {
			merged = mergeSignatures(prev, msg)
			break
		}
	}

	if err := e.store.EscrowInsert(ctx, e.reason, merged); err != nil {
		return err
	}
	return e.readmit(ctx, bus, merged)
}

// mergeSignatures unions the signature and receipt sets of two copies of the
// same event instance.
func mergeSignatures(a, b *event.SignedEvent) *event.SignedEvent {
	merged := &event.SignedEvent{
		Event:      a.Event,
		Signatures: append([]event.Signature(nil), a.Signatures...),
		Receipts:   append([]event.WitnessReceipt(nil), a.Receipts...),
	}
	for _, sig := range b.Signatures {
		dup := false
		for _, have := range merged.Signatures {
			if have.KeyIndex == sig.KeyIndex && bytes.Equal(have.Value, sig.Value) {
				dup = true
				break
			}
		}
		if !dup {
			merged.Signatures = append(merged.Signatures, sig)
		}
	}
	for _, c := range b.Receipts {
		dup := false
		for _, have := range merged.Receipts {
			if have.Witness.Equal(c.Witness) {
				dup = true
				break
			}
		}
		if !dup {
			merged.Receipts = append(merged.Receipts, c)
		}
	}
	return merged
}

// PartiallyWitnessedEscrow holds events short of their witness threshold.
type PartiallyWitnessedEscrow struct{ escrowCore }

func NewPartiallyWitnessedEscrow(store storage.EventStore, v *Validator, logger *slog.Logger) *PartiallyWitnessedEscrow {
	return &PartiallyWitnessedEscrow{escrowCore{store, v, logger, storage.EscrowPartiallyWitnessed}}
}

func (e *PartiallyWitnessedEscrow) Notify(ctx context.Context, bus *Bus, n Notification) error {
	switch n.Kind {
	case KindPartiallyWitnessed:
		msg := n.Event
		digest, err := msg.Digest()
		if err != nil {
			return err
		}
		// Persist attached couplets so later receipts merge with them.
		body := event.Receipt{Identifier: msg.Event.Identifier, SN: msg.Event.SN, EventDigest: digest}
		for _, c := range msg.Receipts {
			if c.Verify(digest) {
				if err := e.store.AddReceipt(ctx, body, c); err != nil {
					return err
				}
			}
		}
		return e.store.EscrowInsert(ctx, e.reason, msg)
	case KindReceiptAdded:
		entries, err := e.store.EscrowList(ctx, e.reason, n.Identifier(), n.SN())
		if err != nil {
			return err
		}
		for _, msg := range entries {
			if err := e.readmit(ctx, bus, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// DelegationEscrow holds delegated events waiting for the delegator's
// approval seal to appear in the delegator's own log.
type DelegationEscrow struct{ escrowCore }

func NewDelegationEscrow(store storage.EventStore, v *Validator, logger *slog.Logger) *DelegationEscrow {
	return &DelegationEscrow{escrowCore{store, v, logger, storage.EscrowDelegation}}
}

func (e *DelegationEscrow) Notify(ctx context.Context, bus *Bus, n Notification) error {
	switch n.Kind {
	case KindDelegationPending:
		return e.store.EscrowInsert(ctx, e.reason, n.Event)
	case KindKeyEventAdded:
		// Seals anchored by the finalized event may approve held entries.
		for _, seal := range n.Event.Event.Seals {
			entries, err := e.store.EscrowList(ctx, e.reason, seal.Identifier, seal.SN)
			if err != nil {
				return err
			}
			for _, msg := range entries {
				if err := e.readmit(ctx, bus, msg); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DuplicitousEscrow permanently records conflicting events as evidence. It
// never promotes and never deletes.
type DuplicitousEscrow struct{ escrowCore }

func NewDuplicitousEscrow(store storage.EventStore, logger *slog.Logger) *DuplicitousEscrow {
	return &DuplicitousEscrow{escrowCore{store, nil, logger, storage.EscrowDuplicitous}}
}

func (e *DuplicitousEscrow) Notify(ctx context.Context, _ *Bus, n Notification) error {
	if n.Kind != KindDuplicitous {
		return nil
	}
	e.logger.Warn("duplicitous event recorded",
		"identifier", n.Identifier().String(), "sn", n.SN())
	return e.store.EscrowInsert(ctx, e.reason, n.Event)
}
