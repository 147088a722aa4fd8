package network

import (
	"time"

	"github.com/Arceliar/phony"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

/********
 * tree *
 ********/

// tree maintains the self-stabilizing spanning tree. The node with the
// smallest nodeID known within a connected component becomes root; everyone
// else selects a parent from received announcements. All mutation happens
// inside the actor; the forwarding plane only ever sees the immutable
// snapshots published from here.
type tree struct {
	phony.Inbox
	core    *core
	tinfos  map[*peer]*treeInfo
	self    *treeInfo // our path to the root
	parent  *peer     // peer that sent t.self to us
	seen    map[nodeID]treeSeenInfo // highest seq seen per root, and when
	seq     uint64    // our announcement seq while acting as root
	stimer  *clock.Timer // root expiry / self-root refresh
	version uint64    // snapshot version counter
	wait    bool      // let bad news spread before picking a new parent
}

type treeSeenInfo struct {
	seq  uint64
	time time.Time
}

func (t *tree) init(c *core) {
	t.core = c
	t.tinfos = make(map[*peer]*treeInfo)
	t.seen = make(map[nodeID]treeSeenInfo)
	t.seq = uint64(c.config.clock.Now().Unix())
	t.stimer = c.config.clock.AfterFunc(time.Hour, func() {}) // non-nil until closed
	t.stimer.Stop()
}

func (t *tree) _sendTree() {
	for p := range t.tinfos {
		p.sendTree(t, t.self)
	}
}

// sendTo announces our current position to a single peer, used right after a
// link comes up, before any announcement from them has arrived.
func (t *tree) sendTo(from phony.Actor, p *peer) {
	t.Act(from, func() {
		if t.self != nil {
			p.sendTree(t, t.self)
		}
	})
}

// update adds a peer's announcement to the candidate set, then re-runs parent
// selection. Bad news about our own path to the root (the parent's info
// changed) makes us revert to self-root and wait briefly before re-selecting,
// so that peers handling the same bad news don't race each other as parents.
func (t *tree) update(from phony.Actor, info *treeInfo, p *peer) {
	t.Act(from, func() {
		if t.stimer == nil {
			return // closed
		}
		info.time = t.core.config.clock.Now()
		if !info.checkLoops() {
			// Contains the local node already, e.g. it's from a child
			t.core.metrics.loopAnnounces.Inc()
			// Keep it out of the candidate set entirely
			if t.tinfos[p] == t.self {
				// It was our path to the root, so that path is gone
				delete(t.tinfos, p)
				t.self, t.parent = nil, nil
				t._fix()
			} else {
				delete(t.tinfos, p)
			}
			t._publish()
			return
		}
		if seen, isIn := t.seen[info.rootID]; isIn && info.rootSeq < seen.seq {
			// Stale reordering from this root
			t.core.metrics.staleAnnounces.Inc()
			return
		} else if !isIn || seen.seq < info.rootSeq {
			t.seen[info.rootID] = treeSeenInfo{seq: info.rootSeq, time: info.time}
		}
		oldInfo := t.tinfos[p]
		t.tinfos[p] = info
		var doWait bool
		if t.self == oldInfo && oldInfo != nil {
			if !info.rootID.equal(t.self.rootID) {
				doWait = true
			} else if info.rootSeq == t.self.rootSeq && !pathsEqual(info.ports(), t.self.ports()) {
				// Same root and seq but a different path, so our path is unstable
				doWait = true
			}
		}
		if doWait {
			t.self = t._selfRootInfo()
			t.parent = nil
			t._sendTree()
			t._publish()
			if !t.wait {
				t.wait = true
				t.core.config.clock.AfterFunc(t.core.config.treeWait, func() {
					t.Act(nil, func() {
						t.wait = false
						t.self = nil
						t.parent = nil
						t._fix()
					})
				})
			}
			return
		}
		if !t.wait {
			t._fix()
		}
		t._publish()
		if oldInfo == nil {
			// The peer may have missed our latest update in the window between
			// peer creation and now, so just send it again
			p.sendTree(t, t.self)
		}
	})
}

// remove drops a peer from the tree on link loss. Losing the parent link
// discards our path entirely; _fix then either re-attaches through another
// peer or reverts to a singleton self-root.
func (t *tree) remove(from phony.Actor, p *peer) {
	t.Act(from, func() {
		oldInfo := t.tinfos[p]
		delete(t.tinfos, p)
		if t.self == oldInfo {
			t.self = nil
			t.parent = nil
			t._fix()
		}
		t._publish()
	})
}

func (t *tree) _selfRootInfo() *treeInfo {
	t.seq++
	return &treeInfo{
		root:    t.core.crypto.publicKey,
		rootID:  t.core.crypto.nodeID,
		rootSeq: t.seq,
		time:    t.core.config.clock.Now(),
	}
}

// _fix re-runs parent selection over the current candidate set. The ordered
// comparison is: lower root nodeID, then shorter path, then higher root seq,
// then lower transmitting-peer nodeID. If the selection changed, the new
// coordinates are announced to every peer and a fresh snapshot is published.
func (t *tree) _fix() {
	if t.stimer == nil {
		return // closed
	}
	oldSelf := t.self
	if t.self == nil || treeLess(t.core.crypto.nodeID, t.self.rootID) {
		t.self = t._selfRootInfo()
		t.parent = nil
	}
	for p, info := range t.tinfos {
		if seen, isIn := t.seen[info.rootID]; isIn {
			if info.rootSeq < seen.seq {
				continue // stale sequence number
			}
			if info.rootSeq == seen.seq && t.core.config.clock.Since(seen.time) > t.core.config.treeTimeout {
				continue // expired root
			}
		}
		if treePreferred(t.self, info) {
			t.self, t.parent = info, p
		}
	}
	if t.self != oldSelf {
		t.stimer.Stop()
		self := t.self
		var delay time.Duration
		if t.self.rootID.equal(t.core.crypto.nodeID) {
			// We're the root, so refresh with a new seq before others expire us
			delay = t.core.config.treeAnnounce
		} else {
			stopTime := t.seen[t.self.rootID].time.Add(t.core.config.treeTimeout)
			delay = stopTime.Sub(t.core.config.clock.Now())
		}
		t.stimer = t.core.config.clock.AfterFunc(delay, func() {
			t.Act(nil, func() {
				if t.self == self {
					t.self = nil
					t.parent = nil
					t._fix()
					t._publish()
				}
			})
		})
		if t.parent != nil {
			t.core.log.Debug("tree parent changed",
				zap.String("root", t.self.rootID.hex()),
				zap.Uint64("rootSeq", t.self.rootSeq),
				zap.Int("depth", len(t.self.hops)))
		} else {
			t.core.log.Debug("tree self-root",
				zap.Uint64("rootSeq", t.self.rootSeq))
		}
		t._sendTree()
		t._publish()
		t.core.dht.coordsChanged(t, t._label())
	}
	// Clean up seen entries for roots worse than the current one. The current
	// root's own entry stays: it carries the stale-seq floor and the timestamp
	// the expiry timer runs against.
	for id := range t.seen {
		if treeLess(t.self.rootID, id) {
			delete(t.seen, id)
		}
	}
}

// _publish swaps in a new immutable coordinate snapshot for the switch and
// the DHT. Forwarding reads it lock-free; it's never mutated after the store.
func (t *tree) _publish() {
	if t.self == nil {
		return // mid-transition, _fix will publish
	}
	t.version++
	snap := &snapshot{
		version:    t.version,
		selfKey:    t.core.crypto.publicKey,
		selfID:     t.core.crypto.nodeID,
		root:       t.self.root,
		rootID:     t.self.rootID,
		rootSeq:    t.self.rootSeq,
		selfCoords: t.self.ports(),
	}
	for p, info := range t.tinfos {
		sp := snapshotPeer{
			peer:    p,
			key:     p.key,
			id:      p.id,
			rootID:  info.rootID,
			rootSeq: info.rootSeq,
			caps:    p.caps,
			coords:  info.peerPorts(),
			parent:  p == t.parent,
		}
		sp.ancestry = append(sp.ancestry, info.rootID)
		for _, hop := range info.hops {
			sp.ancestry = append(sp.ancestry, hop.nextID)
		}
		snap.peers = append(snap.peers, sp)
	}
	t.core.snap.Store(snap)
}

// _label returns our signed coordinates, for DHT publishes and responses.
func (t *tree) _label() *treeLabel {
	label := new(treeLabel)
	label.key = t.core.crypto.publicKey
	label.root = t.self.root
	label.rootSeq = t.self.rootSeq
	label.path = t.self.ports()
	label.sig = t.core.crypto.privateKey.sign(label.bytesForSig())
	return label
}

func (t *tree) close() {
	phony.Block(t, func() {
		if t.stimer != nil {
			t.stimer.Stop()
			t.stimer = nil
		}
	})
}

// treePreferred reports whether candidate beats current for parent selection:
// lower root nodeID, then shorter path, then higher root seq, then lower
// transmitting-peer nodeID.
func treePreferred(current, candidate *treeInfo) bool {
	switch {
	case !candidate.checkLoops():
		// Already contains the local node, never a valid parent
		return false
	case treeLess(candidate.rootID, current.rootID):
		return true
	case treeLess(current.rootID, candidate.rootID):
		return false
	case len(candidate.hops) < len(current.hops):
		return true
	case len(candidate.hops) > len(current.hops):
		return false
	case candidate.rootSeq > current.rootSeq:
		return true
	case candidate.rootSeq < current.rootSeq:
		return false
	default:
		return treeLess(candidate.fromID(), current.fromID())
	}
}

func pathsEqual(a, b []peerPort) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}

/************
 * treeInfo *
 ************/

// treeInfo is a signed announcement: the root, the root's announcement seq,
// and one signed hop per edge from the root down to the destination peer.
type treeInfo struct {
	time    time.Time // when we processed it, not serialized
	root    publicKey
	rootID  nodeID // derived, not serialized
	rootSeq uint64
	hops    []treeHop
}

type treeHop struct {
	next   publicKey
	nextID nodeID // derived, not serialized
	port   peerPort
	sig    signature
}

// dest is the node this announcement was sent to.
func (info *treeInfo) dest() publicKey {
	key := info.root
	if len(info.hops) > 0 {
		key = info.hops[len(info.hops)-1].next
	}
	return key
}

// from is the node that transmitted this announcement.
func (info *treeInfo) from() publicKey {
	key := info.root
	if len(info.hops) > 1 {
		// last hop is to this node, 2nd to last is the transmitter
		key = info.hops[len(info.hops)-2].next
	}
	return key
}

func (info *treeInfo) fromID() nodeID {
	if len(info.hops) > 1 {
		return info.hops[len(info.hops)-2].nextID
	}
	return info.rootID
}

// ports is the full path of peer ports from the root to the destination.
func (info *treeInfo) ports() []peerPort {
	ports := make([]peerPort, 0, len(info.hops))
	for _, hop := range info.hops {
		ports = append(ports, hop.port)
	}
	return ports
}

// peerPorts is the transmitting peer's own coordinates: the path minus the
// final hop to us.
func (info *treeInfo) peerPorts() []peerPort {
	ports := info.ports()
	if len(ports) > 0 {
		ports = ports[:len(ports)-1]
	}
	return ports
}

func (info *treeInfo) checkSigs() bool {
	if len(info.hops) == 0 {
		return false
	}
	var bs []byte
	key := info.root
	bs = append(bs, info.root[:]...)
	bs = wireAppendUint64(bs, info.rootSeq)
	for _, hop := range info.hops {
		bs = append(bs, hop.next[:]...)
		bs = wireEncodeUint(bs, uint64(hop.port))
		if !key.verify(bs, &hop.sig) {
			return false
		}
		key = hop.next
	}
	return true
}

// checkLoops rejects any announcement whose path revisits a node, including
// the final destination. This is the ancestor check: our own announcements
// echoed back through a child always fail it.
func (info *treeInfo) checkLoops() bool {
	id := info.rootID
	ids := make(map[nodeID]bool)
	for _, hop := range info.hops {
		if ids[id] {
			return false
		}
		ids[id] = true
		id = hop.nextID
	}
	return !ids[id]
}

// add extends the announcement with a signed hop to the given peer.
func (info *treeInfo) add(priv privateKey, next *peer) *treeInfo {
	var bs []byte
	bs = append(bs, info.root[:]...)
	bs = wireAppendUint64(bs, info.rootSeq)
	for _, hop := range info.hops {
		bs = append(bs, hop.next[:]...)
		bs = wireEncodeUint(bs, uint64(hop.port))
	}
	bs = append(bs, next.key[:]...)
	bs = wireEncodeUint(bs, uint64(next.port))
	sig := priv.sign(bs)
	hop := treeHop{next: next.key, nextID: next.id, port: next.port, sig: sig}
	newInfo := *info
	newInfo.hops = nil
	newInfo.hops = append(newInfo.hops, info.hops...)
	newInfo.hops = append(newInfo.hops, hop)
	return &newInfo
}

func (info *treeInfo) encode(out []byte) ([]byte, error) {
	out = append(out, info.root[:]...)
	out = wireAppendUint64(out, info.rootSeq)
	for _, hop := range info.hops {
		out = append(out, hop.next[:]...)
		out = wireEncodeUint(out, uint64(hop.port))
		out = append(out, hop.sig[:]...)
	}
	return out, nil
}

func (info *treeInfo) decode(data []byte) error {
	nfo := treeInfo{}
	if !wireChopSlice(nfo.root[:], &data) {
		return wireDecodeError
	}
	if !wireChopUint64(&nfo.rootSeq, &data) {
		return wireDecodeError
	}
	for len(data) > 0 {
		hop := treeHop{}
		switch {
		case !wireChopSlice(hop.next[:], &data):
			return wireDecodeError
		case !wireChopUint((*uint64)(&hop.port), &data):
			return wireDecodeError
		case !wireChopSlice(hop.sig[:], &data):
			return wireDecodeError
		}
		hop.nextID = hop.next.id()
		nfo.hops = append(nfo.hops, hop)
	}
	nfo.rootID = nfo.root.id()
	*info = nfo
	return nil
}

/*************
 * treeLabel *
 *************/

// treeLabel is a node's signed coordinates: proof that the key claims this
// path under this root. Labels are what the DHT stores and resolves.
type treeLabel struct {
	sig     signature
	key     publicKey
	root    publicKey
	rootSeq uint64
	path    []peerPort
}

func (l *treeLabel) id() nodeID {
	return l.key.id()
}

func (l *treeLabel) bytesForSig() []byte {
	var bs []byte
	bs = append(bs, l.root[:]...)
	bs = wireAppendUint64(bs, l.rootSeq)
	bs = wireEncodePath(bs, l.path)
	return bs
}

func (l *treeLabel) check() bool {
	bs := l.bytesForSig()
	return l.key.verify(bs, &l.sig)
}

func (l *treeLabel) encode(out []byte) ([]byte, error) {
	out = append(out, l.sig[:]...)
	out = append(out, l.key[:]...)
	out = append(out, l.root[:]...)
	out = wireAppendUint64(out, l.rootSeq)
	out = wireEncodePath(out, l.path)
	return out, nil
}

func (l *treeLabel) decode(data []byte) error {
	var tmp treeLabel
	if !wireChopSlice(tmp.sig[:], &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.key[:], &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.root[:], &data) {
		return wireDecodeError
	} else if !wireChopUint64(&tmp.rootSeq, &data) {
		return wireDecodeError
	} else if !wireChopPath(&tmp.path, &data) {
		return wireDecodeError
	} else if len(data) != 0 {
		return wireDecodeError
	}
	*l = tmp
	return nil
}
