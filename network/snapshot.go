package network

/************
 * snapshot *
 ************/

// snapshot is an immutable view of the local tree state, swapped in atomically
// by the tree actor whenever anything changes. Forwarding decisions read the
// current snapshot without locks or actor hops; a packet routed against a
// slightly stale snapshot is still loop-free as long as distance strictly
// improves at every hop.
type snapshot struct {
	version    uint64
	selfKey    publicKey
	selfID     nodeID
	root       publicKey
	rootID     nodeID
	rootSeq    uint64
	selfCoords []peerPort
	peers      []snapshotPeer
}

type snapshotPeer struct {
	peer     *peer
	key      publicKey
	id       nodeID
	rootID   nodeID
	rootSeq  uint64
	caps     uint64 // capability bits from the link handshake
	coords   []peerPort
	ancestry []nodeID // root first, then each hop down to the peer itself
	parent   bool
}

// treeDist is the tree metric between two sets of coordinates: hops up to the
// longest common ancestor, plus hops back down.
func treeDist(a, b []peerPort) int {
	lca := 0
	for lca < len(a) && lca < len(b) && a[lca] == b[lca] {
		lca++
	}
	return len(a) + len(b) - 2*lca
}

// forward picks the next hop for a destination path, or nil if no peer
// strictly improves the tree distance. Coordinates only mean anything under
// the root that assigned them, so peers on a different root or an older seq
// never qualify.
func (s *snapshot) forward(rootID nodeID, rootSeq uint64, path []peerPort) *peer {
	if !rootID.equal(s.rootID) || rootSeq != s.rootSeq {
		return nil
	}
	var best *snapshotPeer
	bestDist := treeDist(s.selfCoords, path)
	for idx := range s.peers {
		sp := &s.peers[idx]
		if sp.caps&capTraffic == 0 {
			continue // never advertised traffic support
		}
		if !sp.rootID.equal(s.rootID) || sp.rootSeq != s.rootSeq {
			continue
		}
		dist := treeDist(sp.coords, path)
		switch {
		case dist < bestDist:
			best, bestDist = sp, dist
		case dist > bestDist || best == nil:
			// No improvement over the current best
		case sp.peer.rtt() < best.peer.rtt():
			// Equal distance, lower measured latency
			best = sp
		case sp.peer.rtt() > best.peer.rtt():
		case treeLess(sp.id, best.id):
			// Deterministic final tie-break
			best = sp
		}
	}
	if best == nil {
		return nil
	}
	return best.peer
}

// peerByKey returns the snapshot entry for a directly connected key, if any.
func (s *snapshot) peerByKey(key publicKey) *snapshotPeer {
	for idx := range s.peers {
		if s.peers[idx].key.equal(key) {
			return &s.peers[idx]
		}
	}
	return nil
}
