package event

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"
)

// DigestAlgorithm is a multihash code naming the hash function used for
// event digests and key commitments.
type DigestAlgorithm uint64

const (
	Blake3  DigestAlgorithm = DigestAlgorithm(mh.BLAKE3)
	SHA2256 DigestAlgorithm = DigestAlgorithm(mh.SHA2_256)
	SHA3256 DigestAlgorithm = DigestAlgorithm(mh.SHA3_256)
)

// DefaultDigestAlgorithm is used when an event does not name one.
const DefaultDigestAlgorithm = Blake3

// ComputeDigest hashes data with the given algorithm and wraps the result in
// a raw-codec CID, so every digest carries its own algorithm tag.
func ComputeDigest(alg DigestAlgorithm, data []byte) (cid.Cid, error) {
	if alg == 0 {
		alg = DefaultDigestAlgorithm
	}
	sum, err := mh.Sum(data, uint64(alg), -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("compute digest: %w", err)
	}
	return cid.NewCidV1(uint64(multicodec.Raw), sum), nil
}

// MatchesDigest recomputes the digest of data using the hash function named
// by d and compares bit-for-bit.
func MatchesDigest(d cid.Cid, data []byte) bool {
	if !d.Defined() {
		return false
	}
	dec, err := mh.Decode(d.Hash())
	if err != nil {
		return false
	}
	sum, err := mh.Sum(data, dec.Code, dec.Length)
	if err != nil {
		return false
	}
	return bytes.Equal(sum, []byte(d.Hash()))
}
