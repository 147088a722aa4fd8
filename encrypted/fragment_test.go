package encrypted

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragSplitWhole(t *testing.T) {
	msg := []byte("fits in one piece")
	pieces := fragSplit(1, msg, len(msg)+1)
	require.Len(t, pieces, 1)
	assert.Equal(t, byte(fragWhole), pieces[0][0])
	assert.Equal(t, msg, pieces[0][1:])

	var r fragReassembler
	r.init()
	assert.Equal(t, msg, r.handle(time.Now(), pieces[0]))
}

func TestFragSplitAndReassemble(t *testing.T) {
	msg := make([]byte, 1000)
	for idx := range msg {
		msg[idx] = byte(idx)
	}
	pieces := fragSplit(7, msg, 100)
	require.Greater(t, len(pieces), 1)
	for _, piece := range pieces {
		assert.Equal(t, byte(fragPiece), piece[0])
		assert.LessOrEqual(t, len(piece), 100+fragHeaderSize-1)
	}

	var r fragReassembler
	r.init()
	now := time.Now()
	var got []byte
	for _, piece := range pieces {
		require.Nil(t, got)
		got = r.handle(now, piece)
	}
	assert.True(t, bytes.Equal(msg, got))
	assert.Empty(t, r.pending)
}

func TestFragReassembleOutOfOrder(t *testing.T) {
	msg := make([]byte, 500)
	for idx := range msg {
		msg[idx] = byte(idx * 3)
	}
	pieces := fragSplit(9, msg, 100)
	require.Greater(t, len(pieces), 2)

	var r fragReassembler
	r.init()
	now := time.Now()
	// Deliver back to front, with a duplicate in the middle
	var got []byte
	for idx := len(pieces) - 1; idx >= 0; idx-- {
		got = r.handle(now, pieces[idx])
		if idx > 0 {
			require.Nil(t, got)
			assert.Nil(t, r.handle(now, pieces[idx]))
		}
	}
	assert.True(t, bytes.Equal(msg, got))
}

func TestFragInterleavedMessages(t *testing.T) {
	msgA := bytes.Repeat([]byte{0xaa}, 300)
	msgB := bytes.Repeat([]byte{0xbb}, 300)
	piecesA := fragSplit(1, msgA, 100)
	piecesB := fragSplit(2, msgB, 100)

	var r fragReassembler
	r.init()
	now := time.Now()
	for idx := range piecesA {
		gotA := r.handle(now, piecesA[idx])
		gotB := r.handle(now, piecesB[idx])
		if idx < len(piecesA)-1 {
			assert.Nil(t, gotA)
			assert.Nil(t, gotB)
			continue
		}
		assert.True(t, bytes.Equal(msgA, gotA))
		assert.True(t, bytes.Equal(msgB, gotB))
	}
}

func TestFragSweep(t *testing.T) {
	msg := make([]byte, 300)
	pieces := fragSplit(3, msg, 100)
	require.Greater(t, len(pieces), 1)

	var r fragReassembler
	r.init()
	now := time.Now()
	assert.Nil(t, r.handle(now, pieces[0]))
	assert.Len(t, r.pending, 1)

	// The stale assembly is swept, so the earlier piece must arrive again
	later := now.Add(fragTimeout + time.Second)
	for idx, piece := range pieces[1:] {
		assert.Nil(t, r.handle(later, piece), "piece %d", idx+1)
	}
	got := r.handle(later, pieces[0])
	assert.True(t, bytes.Equal(msg, got))
}

func TestFragTooManyPieces(t *testing.T) {
	msg := make([]byte, fragMaxPieces*10+1)
	assert.Nil(t, fragSplit(4, msg, 10+fragHeaderSize-1))
}

func TestFragGarbage(t *testing.T) {
	var r fragReassembler
	r.init()
	now := time.Now()
	assert.Nil(t, r.handle(now, nil))
	assert.Nil(t, r.handle(now, []byte{0x7f}))
	assert.Nil(t, r.handle(now, []byte{fragPiece, 0, 0, 0, 1}))          // truncated header
	assert.Nil(t, r.handle(now, []byte{fragPiece, 0, 0, 0, 1, 2, 2, 0})) // index >= total
	assert.Nil(t, r.handle(now, []byte{fragPiece, 0, 0, 0, 1, 0, 0, 0})) // zero total
}
