package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/kelworks/keld/internal/storage"
	"github.com/kelworks/keld/pkg/event"
	"github.com/kelworks/keld/pkg/keystate"
	"github.com/kelworks/keld/pkg/verify"
)

// Validator decides whether a candidate signed event is immediately
// acceptable against the controller's current key state, must wait in an
// escrow, or is duplicitous. It holds no state of its own beyond the store.
type Validator struct {
	store storage.EventStore
}

// NewValidator creates a validator over the given store.
func NewValidator(store storage.EventStore) *Validator {
	return &Validator{store: store}
}

// Validate runs the admission checks in order: sequencing, fork detection,
// prior-digest linkage, signature threshold, pre-rotation, delegation
// approval, witness threshold. Deferral conditions come back as outcomes;
// structural and cryptographic inconsistencies come back as errors and are
// never escrowed.
func (v *Validator) Validate(ctx context.Context, msg *event.SignedEvent) (Result, error) {
	ev := &msg.Event

	if err := checkShape(ev); err != nil {
		return Result{}, err
	}
	digest, err := ev.ComputeDigest()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	st, err := v.store.GetKeyState(ctx, ev.Identifier)
	if errors.Is(err, storage.ErrNotFound) {
		st = nil
	} else if err != nil {
		return Result{}, err
	}

	// Sequencing and fork detection.
	if st == nil {
		// checkShape already guarantees sn 0 events are inceptions.
		if ev.SN != 0 {
			return Result{Outcome: OutOfOrder}, nil
		}
	} else {
		switch {
		case ev.SN <= st.SN:
			stored, err := v.store.GetEvent(ctx, ev.Identifier, ev.SN)
			if errors.Is(err, storage.ErrNotFound) {
				// State ahead of the log would be a store defect.
				return Result{}, fmt.Errorf("key state at sn %d but no event at sn %d for %q", st.SN, ev.SN, ev.Identifier)
			}
			if err != nil {
				return Result{}, err
			}
			storedDigest, err := stored.Digest()
			if err != nil {
				return Result{}, err
			}
			if storedDigest.Equals(digest) {
				return Result{Outcome: AlreadyFinalized}, nil
			}
			return Result{Outcome: Duplicitous}, nil
		case ev.SN > st.SN+1:
			return Result{Outcome: OutOfOrder}, nil
		}
		if ev.Type == event.Inception || ev.Type == event.DelegatedInception {
			return Result{}, fmt.Errorf("%w: %s at sn %d", ErrMalformedEvent, ev.Type, ev.SN)
		}
		if !ev.Prior.Equals(st.LastDigest) {
			return Result{}, fmt.Errorf("%w: event %q sn %d", ErrPriorDigestMismatch, ev.Identifier, ev.SN)
		}
	}

	// Signature threshold. Establishment events are verified against the
	// keys they themselves declare (rotations reveal the pre-committed next
	// set); interactions against the current state's keys.
	signingKeys, signingThreshold := ev.Keys, ev.Threshold
	if ev.Type == event.Interaction {
		signingKeys, signingThreshold = st.Keys, st.Threshold
	}
	if err := signingThreshold.Validate(len(signingKeys)); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	input, err := ev.SigningInput()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	validIdx := verify.ValidIndices(input, msg.Signatures, signingKeys)
	if !signingThreshold.Satisfied(validIdx, len(signingKeys)) {
		missing := uint(1)
		if !signingThreshold.IsWeighted() && uint(len(validIdx)) < signingThreshold.Count {
			missing = signingThreshold.Count - uint(len(validIdx))
		}
		return Result{Outcome: PartiallySigned, Missing: missing}, nil
	}

	// Pre-rotation: revealed keys must hash to the committed digests, and
	// the revealed threshold must be the committed one.
	if ev.Type == event.Rotation || ev.Type == event.DelegatedRotation {
		if !verify.PreRotation(ev.Keys, st.NextDigests) {
			return Result{}, fmt.Errorf("%w: event %q sn %d", ErrPreRotationFailed, ev.Identifier, ev.SN)
		}
		if !ev.Threshold.Equal(st.NextThreshold) {
			return Result{}, fmt.Errorf("%w: threshold differs from commitment", ErrPreRotationFailed)
		}
	}

	// Delegation approval.
	if ev.Type == event.DelegatedInception || ev.Type == event.DelegatedRotation {
		if ev.Type == event.DelegatedRotation && st.Delegator != ev.Delegator {
			return Result{}, fmt.Errorf("%w: delegator %q does not match state", ErrMalformedEvent, ev.Delegator)
		}
		approved, err := v.store.HasSeal(ctx, ev.Delegator, event.Seal{
			Identifier: ev.Identifier,
			SN:         ev.SN,
			Digest:     digest,
		})
		if err != nil {
			return Result{}, err
		}
		if !approved {
			return Result{Outcome: DelegationPending}, nil
		}
	}

	newState, err := keystate.Apply(st, ev)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if newState.WitnessThreshold > uint(len(newState.Witnesses)) {
		return Result{}, fmt.Errorf("%w: witness threshold %d exceeds %d witnesses",
			ErrMalformedEvent, newState.WitnessThreshold, len(newState.Witnesses))
	}

	// Witness threshold against the post-event witness configuration.
	if newState.WitnessThreshold > 0 {
		couplets, err := v.gatherReceipts(ctx, msg, digest)
		if err != nil {
			return Result{}, err
		}
		count := verify.CountWitnessReceipts(couplets, digest, newState.Witnesses)
		if uint(count) < newState.WitnessThreshold {
			return Result{Outcome: PartiallyWitnessed, Missing: newState.WitnessThreshold - uint(count)}, nil
		}
	}

	return Result{Outcome: Accepted, State: newState}, nil
}

// gatherReceipts merges the couplets attached to the message with the ones
// already stored for this event, matched by digest.
func (v *Validator) gatherReceipts(ctx context.Context, msg *event.SignedEvent, digest cid.Cid) ([]event.WitnessReceipt, error) {
	couplets := append([]event.WitnessReceipt(nil), msg.Receipts...)
	stored, err := v.store.Receipts(ctx, msg.Event.Identifier, msg.Event.SN)
	if err != nil {
		return nil, err
	}
	for _, rec := range stored {
		if rec.Body.EventDigest.Equals(digest) {
			couplets = append(couplets, rec.Couplet)
		}
	}
	return couplets, nil
}

// checkShape rejects events that can never validate regardless of state.
func checkShape(ev *event.KeyEvent) error {
	if ev.Identifier.IsZero() {
		return fmt.Errorf("%w: empty identifier", ErrMalformedEvent)
	}
	switch ev.Type {
	case event.Inception, event.DelegatedInception:
		if ev.SN != 0 || ev.Prior.Defined() {
			return fmt.Errorf("%w: inception must be sn 0 with no prior", ErrMalformedEvent)
		}
		if err := event.VerifyIdentifierBinding(ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if ev.Type == event.DelegatedInception && ev.Delegator.IsZero() {
			return fmt.Errorf("%w: delegated inception without delegator", ErrMalformedEvent)
		}
	case event.Rotation, event.DelegatedRotation:
		if ev.SN == 0 || !ev.Prior.Defined() {
			return fmt.Errorf("%w: rotation requires sn > 0 and a prior digest", ErrMalformedEvent)
		}
		if len(ev.Keys) == 0 {
			return fmt.Errorf("%w: rotation reveals no keys", ErrMalformedEvent)
		}
		if ev.Type == event.DelegatedRotation && ev.Delegator.IsZero() {
			return fmt.Errorf("%w: delegated rotation without delegator", ErrMalformedEvent)
		}
	case event.Interaction:
		if ev.SN == 0 || !ev.Prior.Defined() {
			return fmt.Errorf("%w: interaction requires sn > 0 and a prior digest", ErrMalformedEvent)
		}
		if len(ev.Keys) != 0 {
			return fmt.Errorf("%w: interaction declares keys", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, ev.Type)
	}
	if len(ev.NextDigests) > 0 {
		if err := ev.NextThreshold.Validate(len(ev.NextDigests)); err != nil {
			return fmt.Errorf("%w: next %v", ErrMalformedEvent, err)
		}
	}
	return nil
}
