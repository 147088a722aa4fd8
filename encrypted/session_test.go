package encrypted

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInitSignCheck(t *testing.T) {
	alicePub, alicePriv := newTestEdKeys(t)
	bobPub, _ := newTestEdKeys(t)
	eph, _ := newBoxKeys()

	init := newSessionInit(&alicePriv, &bobPub, &eph, 42)
	assert.True(t, init.check(&alicePub, sessionTypeInit))
	assert.False(t, init.check(&bobPub, sessionTypeInit))
	// The type byte is covered, so an init can't be replayed as an ack
	assert.False(t, init.check(&alicePub, sessionTypeAck))

	bs := init.encode(sessionTypeInit)
	require.Len(t, bs, sessionInitSize)
	decoded := new(sessionInit)
	require.NoError(t, decoded.decode(bs))
	assert.True(t, decoded.check(&alicePub, sessionTypeInit))
	assert.Equal(t, init.eph, decoded.eph)
	assert.Equal(t, init.seq, decoded.seq)

	// An ack decoder refuses an init frame outright
	ack := new(sessionAck)
	assert.Error(t, ack.decode(bs))
	assert.Error(t, decoded.decode(bs[:len(bs)-1]))
}

func TestSessionAckSignCheck(t *testing.T) {
	alicePub, alicePriv := newTestEdKeys(t)
	bobPub, _ := newTestEdKeys(t)
	eph, _ := newBoxKeys()

	ack := newSessionAck(&alicePriv, &bobPub, &eph, 7)
	assert.True(t, ack.check(&alicePub, sessionTypeAck))
	assert.False(t, ack.check(&alicePub, sessionTypeInit))

	bs := ack.encode(sessionTypeAck)
	decoded := new(sessionAck)
	require.NoError(t, decoded.decode(bs))
	assert.True(t, decoded.check(&alicePub, sessionTypeAck))
}
