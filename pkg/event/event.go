// Package event defines the key-event data model: identifiers, keys,
// thresholds, digests, the hash-chained key events themselves and their
// signed message forms. Everything here is immutable once created; digests
// are computed over the event's canonical JSON form (RFC 8785) so that the
// same event always produces the same digest regardless of how it was
// decoded.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/ipfs/go-cid"
)

// EventType discriminates the key-event variants.
type EventType string

const (
	Inception          EventType = "icp"
	Rotation           EventType = "rot"
	Interaction        EventType = "ixn"
	DelegatedInception EventType = "dip"
	DelegatedRotation  EventType = "drt"
)

// IsEstablishment reports whether the event changes key material.
func (t EventType) IsEstablishment() bool {
	switch t {
	case Inception, Rotation, DelegatedInception, DelegatedRotation:
		return true
	}
	return false
}

// Seal anchors a reference to an event in another (or the same) log:
// delegation approvals are seals of the delegated event placed in the
// delegator's log, and interaction events anchor arbitrary seals.
type Seal struct {
	Identifier Identifier `json:"identifier"`
	SN         uint64     `json:"sn"`
	Digest     cid.Cid    `json:"digest"`
}

// KeyEvent is one entry in a controller's hash-chained log. Which fields are
// meaningful depends on Type: establishment events carry key material and
// witness configuration, interactions only anchor seals. Prior is undefined
// only for inceptions.
type KeyEvent struct {
	Type       EventType  `json:"type"`
	Identifier Identifier `json:"identifier"`
	SN         uint64     `json:"sn"`
	Prior      cid.Cid    `json:"prior"`

	// Establishment fields.
	Keys          []PublicKey `json:"keys,omitempty"`
	Threshold     Threshold   `json:"threshold"`
	NextDigests   []cid.Cid   `json:"nextDigests,omitempty"`
	NextThreshold Threshold   `json:"nextThreshold"`

	// Witness configuration: inceptions declare the full list, rotations
	// declare cuts and adds against the current list.
	Witnesses        []PublicKey `json:"witnesses,omitempty"`
	WitnessCuts      []PublicKey `json:"witnessCuts,omitempty"`
	WitnessAdds      []PublicKey `json:"witnessAdds,omitempty"`
	WitnessThreshold uint        `json:"witnessThreshold"`

	// Seals anchored by this event (interaction data, delegation approvals).
	Seals []Seal `json:"seals,omitempty"`

	// Delegator is set on delegated establishment events.
	Delegator Identifier `json:"delegator,omitempty"`

	// DigestAlgorithm names the hash function for this event's digest and
	// its next-key commitments.
	DigestAlgorithm DigestAlgorithm `json:"digestAlgorithm"`
}

// SigningInput returns the canonical JSON bytes that signatures and the
// event digest are computed over.
func (e *KeyEvent) SigningInput() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return canonical, nil
}

// ComputeDigest returns the event's digest, the value later events reference
// as Prior and receipts reference as the receipted event digest.
func (e *KeyEvent) ComputeDigest() (cid.Cid, error) {
	input, err := e.SigningInput()
	if err != nil {
		return cid.Undef, err
	}
	return ComputeDigest(e.DigestAlgorithm, input)
}

// selfAddress computes the digest of the event with its identifier field
// cleared, which is what a self-addressing identifier binds to.
func (e *KeyEvent) selfAddress() (cid.Cid, error) {
	clone := *e
	clone.Identifier = ""
	input, err := clone.SigningInput()
	if err != nil {
		return cid.Undef, err
	}
	return ComputeDigest(e.DigestAlgorithm, input)
}

// VerifyIdentifierBinding checks that an inception event's identifier is
// correctly derived: basic identifiers must match the single declared key,
// self-addressing identifiers must match the digest of the inception content.
func VerifyIdentifierBinding(e *KeyEvent) error {
	switch {
	case e.Identifier.IsBasic():
		if len(e.Keys) != 1 {
			return fmt.Errorf("basic identifier requires exactly one key, got %d", len(e.Keys))
		}
		if NewBasicIdentifier(e.Keys[0]) != e.Identifier {
			return fmt.Errorf("identifier %q does not match declared key", e.Identifier)
		}
		return nil
	case e.Identifier.IsSelfAddressing():
		derived, err := e.selfAddress()
		if err != nil {
			return err
		}
		if NewSelfAddressingIdentifier(derived) != e.Identifier {
			return fmt.Errorf("identifier %q does not match inception content", e.Identifier)
		}
		return nil
	default:
		return fmt.Errorf("identifier %q has unknown derivation", e.Identifier)
	}
}

// InceptionConfig collects the declared material for a new log.
type InceptionConfig struct {
	Keys             []PublicKey
	Threshold        Threshold
	NextDigests      []cid.Cid
	NextThreshold    Threshold
	Witnesses        []PublicKey
	WitnessThreshold uint
	Delegator        Identifier
	DigestAlgorithm  DigestAlgorithm

	// SelfAddressing selects digest-derived identifiers. Delegated
	// inceptions are always self-addressing.
	SelfAddressing bool
}

// NewInception builds an inception (or delegated inception) event and
// derives its identifier.
func NewInception(cfg InceptionConfig) (*KeyEvent, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("inception requires at least one key")
	}
	alg := cfg.DigestAlgorithm
	if alg == 0 {
		alg = DefaultDigestAlgorithm
	}
	typ := Inception
	if !cfg.Delegator.IsZero() {
		typ = DelegatedInception
	}
	e := &KeyEvent{
		Type:             typ,
		SN:               0,
		Keys:             cfg.Keys,
		Threshold:        cfg.Threshold,
		NextDigests:      cfg.NextDigests,
		NextThreshold:    cfg.NextThreshold,
		Witnesses:        cfg.Witnesses,
		WitnessThreshold: cfg.WitnessThreshold,
		Delegator:        cfg.Delegator,
		DigestAlgorithm:  alg,
	}
	if cfg.SelfAddressing || typ == DelegatedInception {
		derived, err := e.selfAddress()
		if err != nil {
			return nil, err
		}
		e.Identifier = NewSelfAddressingIdentifier(derived)
	} else {
		if len(cfg.Keys) != 1 {
			return nil, fmt.Errorf("basic identifier requires exactly one key, got %d", len(cfg.Keys))
		}
		e.Identifier = NewBasicIdentifier(cfg.Keys[0])
	}
	return e, nil
}

// RotationConfig collects the revealed material for a rotation.
type RotationConfig struct {
	Identifier       Identifier
	SN               uint64
	Prior            cid.Cid
	Keys             []PublicKey
	Threshold        Threshold
	NextDigests      []cid.Cid
	NextThreshold    Threshold
	WitnessCuts      []PublicKey
	WitnessAdds      []PublicKey
	WitnessThreshold uint
	Seals            []Seal
	Delegator        Identifier
	DigestAlgorithm  DigestAlgorithm
}

// NewRotation builds a rotation (or delegated rotation) event.
func NewRotation(cfg RotationConfig) (*KeyEvent, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("rotation requires at least one key")
	}
	if !cfg.Prior.Defined() {
		return nil, fmt.Errorf("rotation requires a prior event digest")
	}
	alg := cfg.DigestAlgorithm
	if alg == 0 {
		alg = DefaultDigestAlgorithm
	}
	typ := Rotation
	if !cfg.Delegator.IsZero() {
		typ = DelegatedRotation
	}
	return &KeyEvent{
		Type:             typ,
		Identifier:       cfg.Identifier,
		SN:               cfg.SN,
		Prior:            cfg.Prior,
		Keys:             cfg.Keys,
		Threshold:        cfg.Threshold,
		NextDigests:      cfg.NextDigests,
		NextThreshold:    cfg.NextThreshold,
		WitnessCuts:      cfg.WitnessCuts,
		WitnessAdds:      cfg.WitnessAdds,
		WitnessThreshold: cfg.WitnessThreshold,
		Seals:            cfg.Seals,
		Delegator:        cfg.Delegator,
		DigestAlgorithm:  alg,
	}, nil
}

// NewInteraction builds an interaction event anchoring the given seals.
func NewInteraction(id Identifier, sn uint64, prior cid.Cid, seals []Seal, alg DigestAlgorithm) (*KeyEvent, error) {
	if !prior.Defined() {
		return nil, fmt.Errorf("interaction requires a prior event digest")
	}
	if alg == 0 {
		alg = DefaultDigestAlgorithm
	}
	return &KeyEvent{
		Type:            Interaction,
		Identifier:      id,
		SN:              sn,
		Prior:           prior,
		Seals:           seals,
		DigestAlgorithm: alg,
	}, nil
}
