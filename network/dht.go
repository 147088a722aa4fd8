package network

import (
	"time"

	"github.com/Arceliar/phony"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

/*******
 * dht *
 *******/

// dht resolves nodeIDs (full or prefixes) to signed coordinate labels. Nodes
// publish their own label toward their ID under the XOR metric; lookups walk
// the same gradient, so a lookup converges on nodes that cached the publish.
// Traffic with no known label is buffered while a lookup runs.
type dht struct {
	phony.Inbox
	core      *core
	cache     *lru.Cache[nodeID, dhtEntry]
	pending   map[uint64]*dhtWaiter
	lookups   map[dhtLookupKey]uint64 // coalesce concurrent lookups per target
	buffered  map[nodeID]*traffic     // latest packet per unresolved dest
	selfLabel *treeLabel
	tokenSeq  uint64
	ptimer    *clock.Timer
	closed    bool
}

type dhtEntry struct {
	label   *treeLabel
	via     *peer // who we learned it from, nil if learned locally
	expires time.Time
}

type dhtLookupKey struct {
	target nodeID
	bits   uint16
}

type dhtWaiter struct {
	key       dhtLookupKey
	callbacks []*dhtCallback
	tried     map[*peer]bool
	attempts  int
	timer     *clock.Timer
}

// dhtCallback wraps a completion func so callers can unregister by pointer.
type dhtCallback struct {
	f func(*treeLabel, error)
}

func (d *dht) init(c *core) {
	d.core = c
	var err error
	d.cache, err = lru.NewWithEvict(c.config.dhtCacheSize, func(nodeID, dhtEntry) {
		c.metrics.dhtEntriesEvicted.Inc()
	})
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	d.pending = make(map[uint64]*dhtWaiter)
	d.lookups = make(map[dhtLookupKey]uint64)
	d.buffered = make(map[nodeID]*traffic)
	d.ptimer = c.config.clock.AfterFunc(c.config.dhtPublishInterval, d.publishTick)
}

func (d *dht) publishTick() {
	d.Act(nil, func() {
		if d.closed {
			return
		}
		d._publishSelf()
		d.ptimer = d.core.config.clock.AfterFunc(d.core.config.dhtPublishInterval, d.publishTick)
	})
}

// coordsChanged is called by the tree whenever our own coordinates move.
// The old label is useless to everyone who cached it, so republish eagerly.
func (d *dht) coordsChanged(from phony.Actor, label *treeLabel) {
	d.Act(from, func() {
		if d.closed {
			return
		}
		d.selfLabel = label
		d._publishSelf()
	})
}

func (d *dht) _publishSelf() {
	if d.selfLabel == nil {
		return
	}
	pub := &dhtPublish{label: *d.selfLabel}
	d._forwardPublish(nil, pub)
}

/***************
 * keyspace routing *
 ***************/

// _nextHop picks the peer offering the nodeID strictly closest to target,
// considering each peer's tree ancestry plus our cached entries. skipTarget
// excludes the target itself as a candidate, which is how a node's own
// publish escapes the trivial minimum at its origin. Returns nil when nothing
// beats our own position.
func (d *dht) _nextHop(target nodeID, skipTarget bool, exclude map[*peer]bool) *peer {
	snap := d.core.getSnapshot()
	best := snap.selfID
	haveBest := !(skipTarget && best.equal(target))
	var bestPeer *peer
	improve := func(candidate nodeID, via *peer) {
		if skipTarget && candidate.equal(target) {
			return
		}
		if !haveBest || keyspaceImproves(candidate, best, target) {
			best, bestPeer, haveBest = candidate, via, true
		}
	}
	for idx := range snap.peers {
		sp := &snap.peers[idx]
		if sp.caps&capDHT == 0 {
			continue // never advertised DHT support
		}
		if exclude[sp.peer] {
			continue
		}
		for _, ancestor := range sp.ancestry {
			improve(ancestor, sp.peer)
		}
		improve(sp.id, sp.peer)
	}
	now := d.core.config.clock.Now()
	for _, id := range d.cache.Keys() {
		entry, ok := d.cache.Peek(id)
		if !ok || entry.via == nil || exclude[entry.via] || now.After(entry.expires) {
			continue
		}
		improve(id, entry.via)
	}
	return bestPeer
}

// _findEntry returns an unexpired cached entry matching the target prefix.
func (d *dht) _findEntry(target nodeID, bits int) *dhtEntry {
	now := d.core.config.clock.Now()
	if bits >= nodeIDSize*8 {
		if entry, ok := d.cache.Get(target); ok {
			if now.After(entry.expires) {
				d.cache.Remove(target)
				return nil
			}
			return &entry
		}
		return nil
	}
	for _, id := range d.cache.Keys() {
		if !prefixMatches(id, target, bits) {
			continue
		}
		if entry, ok := d.cache.Peek(id); ok {
			if now.After(entry.expires) {
				d.cache.Remove(id)
				continue
			}
			return &entry
		}
	}
	return nil
}

func (d *dht) _store(label *treeLabel, via *peer) {
	if label.key.equal(d.core.crypto.publicKey) {
		return
	}
	expires := d.core.config.clock.Now().Add(d.core.config.dhtEntryTTL)
	d.cache.Add(label.id(), dhtEntry{label: label, via: via, expires: expires})
}

/***********
 * lookups *
 ***********/

// resolve finds the signed label of a node matching the leading bits of
// target, from local knowledge if possible, otherwise via the network. The
// callback runs exactly once unless unresolve is called first.
func (d *dht) resolve(from phony.Actor, target nodeID, bits int, cb *dhtCallback) {
	d.Act(from, func() {
		if d.closed {
			cb.f(nil, ClosedError{})
			return
		}
		if bits > nodeIDSize*8 {
			bits = nodeIDSize * 8
		}
		if d.selfLabel != nil && prefixMatches(d.core.crypto.nodeID, target, bits) {
			cb.f(d.selfLabel, nil)
			return
		}
		if entry := d._findEntry(target, bits); entry != nil {
			cb.f(entry.label, nil)
			return
		}
		key := dhtLookupKey{target: target, bits: uint16(bits)}
		if token, isIn := d.lookups[key]; isIn {
			w := d.pending[token]
			w.callbacks = append(w.callbacks, cb)
			return
		}
		token := d.tokenSeq
		d.tokenSeq++
		w := &dhtWaiter{
			key:       key,
			callbacks: []*dhtCallback{cb},
			tried:     make(map[*peer]bool),
		}
		d.pending[token] = w
		d.lookups[key] = token
		d._tryLookup(token, w)
	})
}

// unresolve withdraws a callback registered with resolve. Dropping the last
// callback releases the waiter and its retry timer immediately.
func (d *dht) unresolve(from phony.Actor, target nodeID, bits int, cb *dhtCallback) {
	d.Act(from, func() {
		if bits > nodeIDSize*8 {
			bits = nodeIDSize * 8
		}
		key := dhtLookupKey{target: target, bits: uint16(bits)}
		token, isIn := d.lookups[key]
		if !isIn {
			return
		}
		w := d.pending[token]
		for idx, have := range w.callbacks {
			if have == cb {
				w.callbacks = append(w.callbacks[:idx], w.callbacks[idx+1:]...)
				break
			}
		}
		if len(w.callbacks) == 0 {
			if w.timer != nil {
				w.timer.Stop()
			}
			delete(d.pending, token)
			delete(d.lookups, key)
		}
	})
}

func (d *dht) _tryLookup(token uint64, w *dhtWaiter) {
	if d.selfLabel == nil {
		d._complete(token, nil, UnreachableError{})
		return
	}
	next := d._nextHop(w.key.target, false, w.tried)
	if next == nil {
		d.core.metrics.lookupTimeouts.Inc()
		d._complete(token, nil, LookupTimeoutError{})
		return
	}
	w.tried[next] = true
	lk := &dhtLookup{
		token:  token,
		target: w.key.target,
		bits:   w.key.bits,
		origin: *d.selfLabel,
	}
	next.sendDHTLookup(d, lk)
	d.core.metrics.lookupsSent.Inc()
	w.timer = d.core.config.clock.AfterFunc(d.core.config.dhtLookupTimeout, func() {
		d.Act(nil, func() {
			if d.pending[token] != w {
				return
			}
			w.attempts++
			if w.attempts > d.core.config.dhtLookupRetries {
				d.core.metrics.lookupTimeouts.Inc()
				d._complete(token, nil, LookupTimeoutError{})
			} else {
				// Retry via the next-best peer we haven't tried yet
				d._tryLookup(token, w)
			}
		})
	})
}

func (d *dht) _complete(token uint64, label *treeLabel, err error) {
	w, isIn := d.pending[token]
	if !isIn {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(d.pending, token)
	delete(d.lookups, w.key)
	for _, cb := range w.callbacks {
		cb.f(label, err)
	}
}

/************
 * handlers *
 ************/

func (d *dht) handleLookup(from phony.Actor, prev *peer, lk *dhtLookup) {
	d.Act(from, func() {
		if d.closed {
			return
		}
		bits := int(lk.bits)
		if d.selfLabel != nil && prefixMatches(d.core.crypto.nodeID, lk.target, bits) {
			if !lk.origin.check() {
				return
			}
			d._sendResponse(lk.respond(d.selfLabel))
			return
		}
		if entry := d._findEntry(lk.target, bits); entry != nil {
			if !lk.origin.check() {
				return
			}
			d._sendResponse(lk.respond(entry.label))
			return
		}
		if lk.hops >= d.core.config.dhtHopLimit {
			return // drop, the requester will time out
		}
		lk.hops++
		if next := d._nextHop(lk.target, false, map[*peer]bool{prev: true}); next != nil {
			next.sendDHTLookup(d, lk)
		}
	})
}

// _sendResponse routes a response back along the requester's coordinates.
func (d *dht) _sendResponse(rsp *dhtResponse) {
	if rsp.dest.equal(d.core.crypto.publicKey) {
		d._accept(nil, rsp)
		return
	}
	snap := d.core.getSnapshot()
	if next := snap.forward(rsp.rootID, rsp.rootSeq, rsp.path); next != nil {
		next.sendDHTResponse(d, rsp)
	} else {
		d.core.metrics.unreachableDrops.Inc()
	}
}

func (d *dht) handleResponse(from phony.Actor, prev *peer, rsp *dhtResponse) {
	d.Act(from, func() {
		if d.closed {
			return
		}
		if rsp.dest.equal(d.core.crypto.publicKey) {
			d._accept(prev, rsp)
			return
		}
		d._sendResponse(rsp)
	})
}

func (d *dht) _accept(prev *peer, rsp *dhtResponse) {
	w, isIn := d.pending[rsp.token]
	if !isIn {
		return // late or duplicate
	}
	if !rsp.label.check() {
		return
	}
	id := rsp.label.id()
	if !prefixMatches(id, w.key.target, int(w.key.bits)) {
		return
	}
	d.core.metrics.lookupResponses.Inc()
	label := rsp.label
	d._store(&label, prev)
	d._complete(rsp.token, &label, nil)
	d._flushBuffered(&label)
}

func (d *dht) handlePublish(from phony.Actor, prev *peer, pub *dhtPublish) {
	d.Act(from, func() {
		if d.closed {
			return
		}
		if !pub.label.check() {
			return
		}
		if !pub.label.key.equal(d.core.crypto.publicKey) {
			label := pub.label
			d._store(&label, prev)
			d._flushBuffered(&label)
		}
		if pub.hops >= d.core.config.dhtHopLimit {
			return
		}
		pub.hops++
		d._forwardPublish(prev, pub)
	})
}

func (d *dht) _forwardPublish(prev *peer, pub *dhtPublish) {
	exclude := map[*peer]bool{}
	if prev != nil {
		exclude[prev] = true
	}
	// skipTarget: the publisher is, by definition, the closest node to its
	// own ID, so the publish walks toward its keyspace neighbors instead.
	if next := d._nextHop(pub.label.id(), true, exclude); next != nil {
		next.sendDHTPublish(d, pub)
	}
}

/***********
 * traffic *
 ***********/

// sendTraffic attaches coordinates to outbound traffic and hands it to the
// switch. Unknown destinations buffer the latest packet while a lookup runs.
func (d *dht) sendTraffic(from phony.Actor, tr *traffic) {
	d.Act(from, func() {
		if d.closed {
			return
		}
		if tr.dest.equal(d.core.crypto.publicKey) {
			d.core.pconn.handleTraffic(d, tr)
			return
		}
		snap := d.core.getSnapshot()
		if sp := snap.peerByKey(tr.dest); sp != nil && sp.caps&capTraffic != 0 && sp.rootID.equal(snap.rootID) && sp.rootSeq == snap.rootSeq {
			// Directly connected, no lookup needed
			tr.rootID, tr.rootSeq, tr.path = snap.rootID, snap.rootSeq, sp.coords
			sp.peer.sendTraffic(d, tr)
			return
		}
		id := tr.dest.id()
		if entry := d._findEntry(id, nodeIDSize*8); entry != nil {
			d._sendWithLabel(tr, entry.label)
			return
		}
		if _, isIn := d.buffered[id]; isIn {
			// A lookup is already running, just keep the newest packet
			d.buffered[id] = tr
			return
		}
		d.buffered[id] = tr
		cb := &dhtCallback{}
		cb.f = func(label *treeLabel, err error) {
			buffered, isIn := d.buffered[id]
			if !isIn {
				return
			}
			delete(d.buffered, id)
			if err != nil {
				d.core.log.Debug("dropping traffic, lookup failed",
					zap.String("dest", id.hex()), zap.Error(err))
				return
			}
			d._sendWithLabel(buffered, label)
		}
		d.resolve(nil, id, nodeIDSize*8, cb)
	})
}

func (d *dht) _sendWithLabel(tr *traffic, label *treeLabel) {
	tr.rootID = label.root.id()
	tr.rootSeq = label.rootSeq
	tr.path = label.path
	snap := d.core.getSnapshot()
	if next := snap.forward(tr.rootID, tr.rootSeq, tr.path); next != nil {
		next.sendTraffic(d, tr)
	} else {
		d.core.metrics.unreachableDrops.Inc()
	}
}

func (d *dht) _flushBuffered(label *treeLabel) {
	id := label.id()
	if tr, isIn := d.buffered[id]; isIn {
		delete(d.buffered, id)
		d._sendWithLabel(tr, label)
	}
}

/*********
 * peers *
 *********/

// removePeer drops cache entries learned via a lost peer; their next hop no
// longer exists, so keeping them would blackhole lookups and traffic.
func (d *dht) removePeer(from phony.Actor, p *peer) {
	d.Act(from, func() {
		for _, id := range d.cache.Keys() {
			if entry, ok := d.cache.Peek(id); ok && entry.via == p {
				d.cache.Remove(id)
			}
		}
	})
}

func (d *dht) close() {
	phony.Block(d, func() {
		d.closed = true
		if d.ptimer != nil {
			d.ptimer.Stop()
		}
		for token := range d.pending {
			d._complete(token, nil, ClosedError{})
		}
	})
}

/************
 * messages *
 ************/

// dhtLookup asks for the signed label of any node whose ID matches the first
// bits of target. An exact lookup needs all nodeIDSize*8 bits, so the field is
// wider than a byte on the wire. The origin label is how the response finds
// its way back.
type dhtLookup struct {
	token  uint64
	target nodeID
	bits   uint16
	hops   uint8
	origin treeLabel
}

func (lk *dhtLookup) respond(label *treeLabel) *dhtResponse {
	return &dhtResponse{
		token:   lk.token,
		dest:    lk.origin.key,
		rootID:  lk.origin.root.id(),
		rootSeq: lk.origin.rootSeq,
		path:    lk.origin.path,
		label:   *label,
	}
}

func (lk *dhtLookup) encode(out []byte) ([]byte, error) {
	out = wireAppendUint64(out, lk.token)
	out = append(out, lk.target[:]...)
	out = wireEncodeUint(out, uint64(lk.bits))
	out = append(out, lk.hops)
	return lk.origin.encode(out)
}

func (lk *dhtLookup) decode(data []byte) error {
	var tmp dhtLookup
	if !wireChopUint64(&tmp.token, &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.target[:], &data) {
		return wireDecodeError
	}
	var bits uint64
	if !wireChopUint(&bits, &data) || bits > nodeIDSize*8 {
		return wireDecodeError
	}
	tmp.bits = uint16(bits)
	if len(data) < 1 {
		return wireDecodeError
	}
	tmp.hops = data[0]
	data = data[1:]
	if err := tmp.origin.decode(data); err != nil {
		return err
	}
	*lk = tmp
	return nil
}

// dhtResponse carries an authoritative label back to the requester along the
// requester's own coordinates.
type dhtResponse struct {
	token   uint64
	dest    publicKey
	rootID  nodeID
	rootSeq uint64
	path    []peerPort
	label   treeLabel
}

func (rsp *dhtResponse) encode(out []byte) ([]byte, error) {
	out = wireAppendUint64(out, rsp.token)
	out = append(out, rsp.dest[:]...)
	out = append(out, rsp.rootID[:]...)
	out = wireAppendUint64(out, rsp.rootSeq)
	out = wireEncodePath(out, rsp.path)
	return rsp.label.encode(out)
}

func (rsp *dhtResponse) decode(data []byte) error {
	var tmp dhtResponse
	if !wireChopUint64(&tmp.token, &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.dest[:], &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.rootID[:], &data) {
		return wireDecodeError
	} else if !wireChopUint64(&tmp.rootSeq, &data) {
		return wireDecodeError
	} else if !wireChopPath(&tmp.path, &data) {
		return wireDecodeError
	}
	if err := tmp.label.decode(data); err != nil {
		return err
	}
	*rsp = tmp
	return nil
}

// dhtPublish floods a node's signed label toward its keyspace neighborhood.
type dhtPublish struct {
	hops  uint8
	label treeLabel
}

func (pub *dhtPublish) encode(out []byte) ([]byte, error) {
	out = append(out, pub.hops)
	return pub.label.encode(out)
}

func (pub *dhtPublish) decode(data []byte) error {
	var tmp dhtPublish
	if len(data) < 1 {
		return wireDecodeError
	}
	tmp.hops = data[0]
	if err := tmp.label.decode(data[1:]); err != nil {
		return err
	}
	*pub = tmp
	return nil
}
