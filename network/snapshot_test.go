package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTreeDist(t *testing.T) {
	assert.Equal(t, 0, treeDist(nil, nil))
	assert.Equal(t, 0, treeDist([]peerPort{1, 2}, []peerPort{1, 2}))
	assert.Equal(t, 1, treeDist([]peerPort{1, 2}, []peerPort{1, 2, 3}))
	assert.Equal(t, 2, treeDist([]peerPort{1, 2}, []peerPort{1, 3}))
	// No common ancestor below the root
	assert.Equal(t, 4, treeDist([]peerPort{1, 2}, []peerPort{2, 1}))
}

func testSnapshot(rootID nodeID, selfCoords []peerPort) *snapshot {
	return &snapshot{
		rootID:     rootID,
		rootSeq:    1,
		selfCoords: selfCoords,
	}
}

func (s *snapshot) withPeer(id nodeID, coords []peerPort, rttNs int64) *peer {
	p := &peer{id: id, port: peerPort(len(s.peers) + 1), caps: localCapabilities}
	p.latency.Store(rttNs)
	s.peers = append(s.peers, snapshotPeer{
		peer:    p,
		id:      id,
		rootID:  s.rootID,
		rootSeq: s.rootSeq,
		caps:    p.caps,
		coords:  coords,
	})
	return p
}

func TestForwardStrictImprovement(t *testing.T) {
	var rootID nodeID
	rootID[0] = 1
	snap := testSnapshot(rootID, []peerPort{1, 2})
	snap.withPeer(nodeID{0: 9}, []peerPort{1, 3}, 0)

	// Destination two hops down from us
	dest := []peerPort{1, 2, 4, 5}
	closer := snap.withPeer(nodeID{0: 8}, []peerPort{1, 2, 4}, 0)
	assert.Equal(t, closer, snap.forward(rootID, 1, dest))

	// No peer improves on our own distance, so the packet is dropped
	snap2 := testSnapshot(rootID, []peerPort{1, 2})
	snap2.withPeer(nodeID{0: 7}, []peerPort{1, 3}, 0)
	assert.Nil(t, snap2.forward(rootID, 1, dest))

	// Equal distance is not an improvement either
	snap3 := testSnapshot(rootID, []peerPort{1, 2})
	snap3.withPeer(nodeID{0: 6}, []peerPort{1, 2}, 0)
	assert.Nil(t, snap3.forward(rootID, 1, []peerPort{1, 2, 4}))
}

func TestForwardRootMismatch(t *testing.T) {
	var rootID, otherRoot nodeID
	rootID[0], otherRoot[0] = 1, 2
	snap := testSnapshot(rootID, []peerPort{1})
	snap.withPeer(nodeID{0: 8}, nil, 0)

	// Coordinates under a different root mean nothing here
	assert.Nil(t, snap.forward(otherRoot, 1, []peerPort{}))
	// Same root but a different seq is just as useless
	assert.Nil(t, snap.forward(rootID, 2, []peerPort{}))
}

func TestForwardLatencyTieBreak(t *testing.T) {
	var rootID nodeID
	rootID[0] = 1
	dest := []peerPort{1, 9, 9}

	snap := testSnapshot(rootID, []peerPort{2})
	snap.withPeer(nodeID{0: 5}, []peerPort{1, 9}, int64(20*time.Millisecond))
	fast := snap.withPeer(nodeID{0: 6}, []peerPort{1, 9}, int64(5*time.Millisecond))
	assert.Equal(t, fast, snap.forward(rootID, 1, dest))

	// With equal latency the lower nodeID wins deterministically
	snap2 := testSnapshot(rootID, []peerPort{2})
	snap2.withPeer(nodeID{0: 6}, []peerPort{1, 9}, int64(time.Millisecond))
	low := snap2.withPeer(nodeID{0: 5}, []peerPort{1, 9}, int64(time.Millisecond))
	assert.Equal(t, low, snap2.forward(rootID, 1, dest))
}

func TestForwardHonorsCapabilities(t *testing.T) {
	var rootID nodeID
	rootID[0] = 1
	dest := []peerPort{1, 2, 4}
	snap := testSnapshot(rootID, []peerPort{1})
	relay := snap.withPeer(nodeID{0: 5}, []peerPort{1, 2}, 0)
	// Closer to the destination, but never advertised traffic support
	snap.withPeer(nodeID{0: 4}, []peerPort{1, 2, 4}, 0)
	snap.peers[1].caps = capDHT
	assert.Equal(t, relay, snap.forward(rootID, 1, dest))
}

func TestKeyspaceHelpers(t *testing.T) {
	var a, b, target nodeID
	a[0], b[0], target[0] = 0x10, 0x30, 0x11
	assert.True(t, keyspaceImproves(a, b, target))
	assert.False(t, keyspaceImproves(b, a, target))
	assert.False(t, keyspaceImproves(a, a, target))

	assert.True(t, prefixMatches(a, a, 256))
	var partial nodeID
	partial[0] = 0x10
	almost := partial
	almost[14] = 0xff
	assert.True(t, prefixMatches(almost, partial, 8))
	assert.False(t, prefixMatches(almost, partial, 120))
	// Partial bytes compare only the masked bits
	var x, y nodeID
	x[0], y[0] = 0b10110000, 0b10111111
	assert.True(t, prefixMatches(x, y, 4))
	assert.False(t, prefixMatches(x, y, 6))
}
