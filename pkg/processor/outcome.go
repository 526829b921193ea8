package processor

import (
	"errors"

	"github.com/kelworks/keld/pkg/keystate"
)

// Outcome is the per-message decision. Deferral outcomes mean the message
// was placed in an escrow, not rejected; hard rejects are errors, never
// outcomes.
type Outcome int

const (
	// Accepted: the event was finalized and key state advanced.
	Accepted Outcome = iota
	// AlreadyFinalized: idempotent redelivery of a finalized event; no
	// observable effect.
	AlreadyFinalized
	// OutOfOrder: an earlier sequence number is still missing.
	OutOfOrder
	// PartiallySigned: signatures below the signing threshold.
	PartiallySigned
	// PartiallyWitnessed: witness receipts below the witness threshold.
	PartiallyWitnessed
	// DelegationPending: the delegator's log does not yet anchor the
	// approval seal.
	DelegationPending
	// Duplicitous: a different event is already accepted at this sequence
	// number; recorded as evidence, state unchanged.
	Duplicitous
	// ReceiptRecorded: a receipt message was verified and stored.
	ReceiptRecorded
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyFinalized:
		return "already-finalized"
	case OutOfOrder:
		return "out-of-order"
	case PartiallySigned:
		return "partially-signed"
	case PartiallyWitnessed:
		return "partially-witnessed"
	case DelegationPending:
		return "delegation-pending"
	case Duplicitous:
		return "duplicitous"
	case ReceiptRecorded:
		return "receipt-recorded"
	default:
		return "unknown"
	}
}

// Result is the validator's decision for one candidate event.
type Result struct {
	Outcome Outcome

	// State is the new key state, set only when Outcome is Accepted.
	State *keystate.KeyState

	// Missing counts how many signatures or receipts the candidate is
	// short, for the partial outcomes. Weighted thresholds report 1.
	Missing uint
}

// Structural rejection errors. These are never escrowed: the input is
// malformed or cryptographically inconsistent and is discarded.
var (
	ErrMalformedEvent      = errors.New("malformed event")
	ErrPriorDigestMismatch = errors.New("prior event digest mismatch")
	ErrPreRotationFailed   = errors.New("pre-rotation verification failed")
	ErrInvalidReceipt      = errors.New("invalid receipt")
	ErrUnknownSigner       = errors.New("unknown receipt signer")
)

// IsRejection reports whether err is a structural rejection rather than a
// storage fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMalformedEvent) ||
		errors.Is(err, ErrPriorDigestMismatch) ||
		errors.Is(err, ErrPreRotationFailed) ||
		errors.Is(err, ErrInvalidReceipt) ||
		errors.Is(err, ErrUnknownSigner)
}
