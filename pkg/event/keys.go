package event

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ipfs/go-cid"
)

// KeyAlgorithm tags a public key with its signature scheme.
type KeyAlgorithm string

const (
	Ed25519   KeyAlgorithm = "ed25519"
	Secp256k1 KeyAlgorithm = "secp256k1"
)

// PublicKey is a verification key with an algorithm tag. Secp256k1 keys are
// 33-byte compressed points; signatures are DER-encoded over the SHA-256 of
// the message.
type PublicKey struct {
	Algorithm KeyAlgorithm `json:"alg"`
	Raw       []byte       `json:"raw"`
}

// String renders the key in its qualified textual form: "<alg>:<base64url>".
func (k PublicKey) String() string {
	return string(k.Algorithm) + ":" + base64.RawURLEncoding.EncodeToString(k.Raw)
}

// ParsePublicKey parses the qualified textual form produced by String.
func ParsePublicKey(s string) (PublicKey, error) {
	alg, enc, ok := strings.Cut(s, ":")
	if !ok {
		return PublicKey{}, fmt.Errorf("parse public key %q: missing algorithm tag", s)
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return PublicKey{}, fmt.Errorf("parse public key %q: %w", s, err)
	}
	switch KeyAlgorithm(alg) {
	case Ed25519, Secp256k1:
	default:
		return PublicKey{}, fmt.Errorf("parse public key %q: unknown algorithm %q", s, alg)
	}
	return PublicKey{Algorithm: KeyAlgorithm(alg), Raw: raw}, nil
}

// Equal reports whether two keys have the same algorithm and raw bytes.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.Algorithm == o.Algorithm && bytes.Equal(k.Raw, o.Raw)
}

// Verify checks sig over msg. Unknown algorithms and malformed key or
// signature material verify as false, never as an error.
func (k PublicKey) Verify(msg, sig []byte) bool {
	switch k.Algorithm {
	case Ed25519:
		if len(k.Raw) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(k.Raw), msg, sig)
	case Secp256k1:
		pub, err := btcec.ParsePubKey(k.Raw)
		if err != nil {
			return false
		}
		parsed, err := btcecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(msg)
		return parsed.Verify(digest[:], pub)
	default:
		return false
	}
}

// Commitment computes the pre-rotation commitment digest for this key: the
// digest of its qualified textual form under the given hash algorithm.
func (k PublicKey) Commitment(alg DigestAlgorithm) (cid.Cid, error) {
	return ComputeDigest(alg, []byte(k.String()))
}

// Signature is an indexed signature: Value signs the event's signing input,
// KeyIndex names the position of the signing key in the authorized key list.
type Signature struct {
	KeyIndex int    `json:"keyIndex"`
	Value    []byte `json:"value"`
}
