// Package verify holds the stateless cryptographic admission checks:
// threshold signature verification, pre-rotation digest verification and
// receipt verification. Every check answers with a boolean; callers turn a
// "no" into the appropriate escrow or reject decision.
package verify

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/kelworks/keld/pkg/event"
)

// ValidIndices returns the distinct key indices whose signatures over input
// verify against the supplied key set. Duplicate signatures by the same key
// count once; indices out of range are ignored.
func ValidIndices(input []byte, sigs []event.Signature, keys []event.PublicKey) []int {
	seen := make(map[int]struct{}, len(sigs))
	var out []int
	for _, sig := range sigs {
		if sig.KeyIndex < 0 || sig.KeyIndex >= len(keys) {
			continue
		}
		if _, dup := seen[sig.KeyIndex]; dup {
			continue
		}
		if keys[sig.KeyIndex].Verify(input, sig.Value) {
			seen[sig.KeyIndex] = struct{}{}
			out = append(out, sig.KeyIndex)
		}
	}
	return out
}

// Threshold reports whether the signatures over input meet the k-of-n rule
// against the supplied authorized key set. The caller supplies the
// applicable set; this function does not know which keys are current.
func Threshold(input []byte, sigs []event.Signature, keys []event.PublicKey, th event.Threshold) bool {
	return th.Satisfied(ValidIndices(input, sigs, keys), len(keys))
}

// PreRotation reports whether the proposed new keys match the digests
// committed in the prior establishment event: same length, and each key's
// commitment recomputed with the hash function its committed digest names
// must match bit-for-bit, index-aligned.
func PreRotation(proposed []event.PublicKey, committed []cid.Cid) bool {
	if len(committed) == 0 || len(proposed) != len(committed) {
		return false
	}
	for i, d := range committed {
		if !d.Defined() {
			return false
		}
		dec, err := mh.Decode(d.Hash())
		if err != nil {
			return false
		}
		got, err := proposed[i].Commitment(event.DigestAlgorithm(dec.Code))
		if err != nil {
			return false
		}
		if !got.Equals(d) {
			return false
		}
	}
	return true
}

// WitnessReceipt reports whether a witness couplet is a valid signature over
// the receipted event digest by the given witness key.
func WitnessReceipt(r event.WitnessReceipt, eventDigest cid.Cid, witness event.PublicKey) bool {
	if !r.Witness.Equal(witness) {
		return false
	}
	return r.Verify(eventDigest)
}

// CountWitnessReceipts counts the distinct witnesses from the configured set
// whose couplets validly sign the event digest.
func CountWitnessReceipts(couplets []event.WitnessReceipt, eventDigest cid.Cid, witnesses []event.PublicKey) int {
	counted := make(map[string]struct{}, len(witnesses))
	for _, c := range couplets {
		id := c.Witness.String()
		if _, dup := counted[id]; dup {
			continue
		}
		if !keyInSet(witnesses, c.Witness) {
			continue
		}
		if c.Verify(eventDigest) {
			counted[id] = struct{}{}
		}
	}
	return len(counted)
}

// TransferableReceipt reports whether a transferable receipt's signatures
// meet the signer's threshold against the signer's key set at the sealed
// establishment event.
func TransferableReceipt(r *event.TransferableReceipt, signerKeys []event.PublicKey, signerThreshold event.Threshold) bool {
	input, err := r.Body.SigningInput()
	if err != nil {
		return false
	}
	return Threshold(input, r.Signatures, signerKeys, signerThreshold)
}

func keyInSet(set []event.PublicKey, k event.PublicKey) bool {
	for _, c := range set {
		if c.Equal(k) {
			return true
		}
	}
	return false
}
