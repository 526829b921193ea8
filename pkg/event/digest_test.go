package event

import (
	"testing"

	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDigest(t *testing.T) {
	data := []byte("hello")

	d1, err := ComputeDigest(Blake3, data)
	require.NoError(t, err)
	d2, err := ComputeDigest(Blake3, data)
	require.NoError(t, err)
	assert.True(t, d1.Equals(d2), "same input must digest identically")

	d3, err := ComputeDigest(SHA2256, data)
	require.NoError(t, err)
	assert.False(t, d1.Equals(d3), "different algorithms must differ")

	dec, err := mh.Decode(d3.Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(SHA2256), dec.Code, "digest carries its algorithm")
}

func TestComputeDigestDefaultsToBlake3(t *testing.T) {
	data := []byte("x")
	def, err := ComputeDigest(0, data)
	require.NoError(t, err)
	blake, err := ComputeDigest(Blake3, data)
	require.NoError(t, err)
	assert.True(t, def.Equals(blake))
}

func TestMatchesDigest(t *testing.T) {
	data := []byte("payload")

	for _, alg := range []DigestAlgorithm{Blake3, SHA2256, SHA3256} {
		d, err := ComputeDigest(alg, data)
		require.NoError(t, err)
		assert.True(t, MatchesDigest(d, data))
		assert.False(t, MatchesDigest(d, []byte("tampered")))
	}
}
