package event

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ed25519Key(t *testing.T) (PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return PublicKey{Algorithm: Ed25519, Raw: pub}, priv
}

func TestPublicKeyStringRoundtrip(t *testing.T) {
	k, _ := ed25519Key(t)

	parsed, err := ParsePublicKey(k.String())
	require.NoError(t, err)
	assert.True(t, k.Equal(parsed))

	_, err = ParsePublicKey("nocolon")
	assert.Error(t, err)
	_, err = ParsePublicKey("rsa:AAAA")
	assert.Error(t, err)
	_, err = ParsePublicKey("ed25519:!!!")
	assert.Error(t, err)
}

func TestEd25519Verify(t *testing.T) {
	k, priv := ed25519Key(t)
	msg := []byte("signing input")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, k.Verify(msg, sig))
	assert.False(t, k.Verify([]byte("other"), sig))
	assert.False(t, k.Verify(msg, sig[:len(sig)-1]))

	short := PublicKey{Algorithm: Ed25519, Raw: k.Raw[:16]}
	assert.False(t, short.Verify(msg, sig))
}

func TestSecp256k1Verify(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	k := PublicKey{Algorithm: Secp256k1, Raw: priv.PubKey().SerializeCompressed()}

	msg := []byte("signing input")
	digest := sha256.Sum256(msg)
	sig := btcecdsa.Sign(priv, digest[:]).Serialize()

	assert.True(t, k.Verify(msg, sig))
	assert.False(t, k.Verify([]byte("other"), sig))

	bad := PublicKey{Algorithm: Secp256k1, Raw: []byte{0x02, 0x01}}
	assert.False(t, bad.Verify(msg, sig))
}

func TestUnknownAlgorithmNeverVerifies(t *testing.T) {
	k := PublicKey{Algorithm: "rsa", Raw: []byte{1, 2, 3}}
	assert.False(t, k.Verify([]byte("m"), []byte("s")))
}

func TestCommitment(t *testing.T) {
	k, _ := ed25519Key(t)

	c1, err := k.Commitment(Blake3)
	require.NoError(t, err)
	c2, err := k.Commitment(Blake3)
	require.NoError(t, err)
	assert.True(t, c1.Equals(c2))

	other, _ := ed25519Key(t)
	c3, err := other.Commitment(Blake3)
	require.NoError(t, err)
	assert.False(t, c1.Equals(c3))
}
