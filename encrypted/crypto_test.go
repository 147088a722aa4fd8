package encrypted

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEdKeys(t *testing.T) (edPub, edPriv) {
	t.Helper()
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var pub edPub
	var priv edPriv
	copy(pub[:], pubKey)
	copy(priv[:], privKey)
	return pub, priv
}

func TestEdSignCheck(t *testing.T) {
	pub, priv := newTestEdKeys(t)
	other, _ := newTestEdKeys(t)

	msg := []byte("session handshake bytes")
	sig := edSign(msg, &priv)
	assert.True(t, edCheck(msg, sig, &pub))
	assert.False(t, edCheck(msg, sig, &other))
	msg[0] ^= 1
	assert.False(t, edCheck(msg, sig, &pub))
}

func TestEdLess(t *testing.T) {
	a, _ := newTestEdKeys(t)
	b, _ := newTestEdKeys(t)
	assert.False(t, edLess(&a, &a))
	assert.NotEqual(t, edLess(&a, &b), edLess(&b, &a))
}

func TestDeriveKeysSymmetry(t *testing.T) {
	aliceEd, _ := newTestEdKeys(t)
	bobEd, _ := newTestEdKeys(t)
	alicePub, alicePriv := newBoxKeys()
	bobPub, bobPriv := newBoxKeys()

	aliceSend, aliceRecv, err := deriveKeys(&aliceEd, &bobEd, &alicePriv, &bobPub)
	require.NoError(t, err)
	bobSend, bobRecv, err := deriveKeys(&bobEd, &aliceEd, &bobPriv, &alicePub)
	require.NoError(t, err)

	// What one side seals, the other side's recv key opens
	msg := []byte("end to end")
	ct := aeadSeal(aliceSend, 5, nil, msg)
	pt, err := aeadOpen(bobRecv, 5, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)

	reply := []byte("and the other way")
	ct = aeadSeal(bobSend, 9, nil, reply)
	pt, err = aeadOpen(aliceRecv, 9, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, reply, pt)

	// The directions are distinct keys
	ct = aeadSeal(aliceSend, 1, nil, msg)
	_, err = aeadOpen(aliceRecv, 1, nil, ct)
	assert.Error(t, err)

	// A wrong counter fails authentication
	ct = aeadSeal(aliceSend, 2, nil, msg)
	_, err = aeadOpen(bobRecv, 3, nil, ct)
	assert.Error(t, err)
}
