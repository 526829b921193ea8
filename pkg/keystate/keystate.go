// Package keystate derives a controller's current verifiable key material by
// folding its accepted key events. A KeyState is never mutated in place:
// Apply returns a fresh snapshot, so the state at sequence N is always a pure
// function of the gapless event sequence [0..N].
package keystate

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/kelworks/keld/pkg/event"
)

// KeyState is the derived snapshot for one identifier.
type KeyState struct {
	Identifier event.Identifier `json:"identifier"`
	SN         uint64           `json:"sn"`
	LastDigest cid.Cid          `json:"lastDigest"`
	LastType   event.EventType  `json:"lastType"`

	Keys          []event.PublicKey `json:"keys"`
	Threshold     event.Threshold   `json:"threshold"`
	NextDigests   []cid.Cid         `json:"nextDigests,omitempty"`
	NextThreshold event.Threshold   `json:"nextThreshold"`

	Witnesses        []event.PublicKey `json:"witnesses,omitempty"`
	WitnessThreshold uint              `json:"witnessThreshold"`

	Delegator event.Identifier `json:"delegator,omitempty"`
}

// Apply folds one event into a new snapshot. prev is nil only for
// inceptions. Apply assumes the event has already been validated; it still
// rejects structurally impossible transitions so replay from storage can
// never fabricate state.
func Apply(prev *KeyState, e *event.KeyEvent) (*KeyState, error) {
	digest, err := e.ComputeDigest()
	if err != nil {
		return nil, err
	}

	if prev == nil {
		switch e.Type {
		case event.Inception, event.DelegatedInception:
		default:
			return nil, fmt.Errorf("cannot apply %s with no prior state", e.Type)
		}
		if e.SN != 0 {
			return nil, fmt.Errorf("inception at sn %d", e.SN)
		}
		return &KeyState{
			Identifier:       e.Identifier,
			SN:               0,
			LastDigest:       digest,
			LastType:         e.Type,
			Keys:             clone(e.Keys),
			Threshold:        e.Threshold,
			NextDigests:      cloneDigests(e.NextDigests),
			NextThreshold:    e.NextThreshold,
			Witnesses:        clone(e.Witnesses),
			WitnessThreshold: e.WitnessThreshold,
			Delegator:        e.Delegator,
		}, nil
	}

	if e.Identifier != prev.Identifier {
		return nil, fmt.Errorf("event for %q applied to state of %q", e.Identifier, prev.Identifier)
	}
	if e.SN != prev.SN+1 {
		return nil, fmt.Errorf("event sn %d does not follow state sn %d", e.SN, prev.SN)
	}

	next := *prev
	next.SN = e.SN
	next.LastDigest = digest
	next.LastType = e.Type

	switch e.Type {
	case event.Interaction:
		return &next, nil
	case event.Rotation, event.DelegatedRotation:
		if e.Type == event.DelegatedRotation && prev.Delegator.IsZero() {
			return nil, fmt.Errorf("delegated rotation on non-delegated identifier %q", e.Identifier)
		}
		next.Keys = clone(e.Keys)
		next.Threshold = e.Threshold
		next.NextDigests = cloneDigests(e.NextDigests)
		next.NextThreshold = e.NextThreshold
		next.Witnesses = rotateWitnesses(prev.Witnesses, e.WitnessCuts, e.WitnessAdds)
		next.WitnessThreshold = e.WitnessThreshold
		return &next, nil
	default:
		return nil, fmt.Errorf("cannot apply %s to established state", e.Type)
	}
}

// Replay folds an ordered event sequence from empty state.
func Replay(events []*event.KeyEvent) (*KeyState, error) {
	var st *KeyState
	for _, e := range events {
		var err error
		st, err = Apply(st, e)
		if err != nil {
			return nil, fmt.Errorf("replay sn %d: %w", e.SN, err)
		}
	}
	return st, nil
}

// rotateWitnesses removes cuts then appends adds, preserving order.
func rotateWitnesses(current, cuts, adds []event.PublicKey) []event.PublicKey {
	out := make([]event.PublicKey, 0, len(current)+len(adds))
	for _, w := range current {
		if !containsKey(cuts, w) {
			out = append(out, w)
		}
	}
	for _, w := range adds {
		if !containsKey(out, w) {
			out = append(out, w)
		}
	}
	return out
}

func containsKey(set []event.PublicKey, k event.PublicKey) bool {
	for _, c := range set {
		if c.Equal(k) {
			return true
		}
	}
	return false
}

func clone(keys []event.PublicKey) []event.PublicKey {
	if keys == nil {
		return nil
	}
	out := make([]event.PublicKey, len(keys))
	copy(out, keys)
	return out
}

func cloneDigests(ds []cid.Cid) []cid.Cid {
	if ds == nil {
		return nil
	}
	out := make([]cid.Cid, len(ds))
	copy(out, ds)
	return out
}
