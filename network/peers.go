package network

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/Arceliar/phony"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type peerPort uint64

/*********
 * peers *
 *********/

type peers struct {
	phony.Inbox // Used to create/remove peers
	core        *core
	peers       map[peerPort]*peer
	closed      bool
}

func (ps *peers) init(c *core) {
	ps.core = c
	ps.peers = make(map[peerPort]*peer)
}

func (ps *peers) addPeer(conn *linkConn, info linkInfo) (*peer, error) {
	var p *peer
	var err error
	phony.Block(ps, func() {
		if ps.closed {
			err = ClosedError{}
			return
		}
		var port peerPort
		for idx := 1; ; idx++ { // skip 0, it means "self" in paths
			if _, isIn := ps.peers[peerPort(idx)]; !isIn {
				port = peerPort(idx)
				break
			}
		}
		p = new(peer)
		p.peers = ps
		p.conn = conn
		p.key = info.key
		p.id = info.key.id()
		p.caps = info.caps
		p.port = port
		p.ready = true
		p.time = ps.core.config.clock.Now()
		p.writer.peer = p
		ps.peers[port] = p
	})
	return p, err
}

func (ps *peers) removePeer(p *peer) {
	phony.Block(ps, func() {
		delete(ps.peers, p.port)
	})
	ps.core.tree.remove(nil, p)
	ps.core.dht.removePeer(nil, p)
	ps.core.metrics.linkDown.Inc()
}

func (ps *peers) close() {
	phony.Block(ps, func() {
		ps.closed = true
		for _, p := range ps.peers {
			_ = p.conn.close()
		}
	})
}

/**************
 * peerWriter *
 **************/

type peerWriter struct {
	phony.Inbox
	peer     *peer
	ktimer   *clock.Timer
	writeBuf []byte
}

func (w *peerWriter) _write(bs []byte) {
	if err := w.peer.conn.writeFrame(bs); err != nil {
		// The reader side will notice and tear the peer down
		_ = w.peer.conn.close()
		return
	}
	w._resetKeepAlive()
}

// Keepalives only flow when nothing else does, so the timer re-arms after
// every write.
func (w *peerWriter) _resetKeepAlive() {
	if w.ktimer != nil {
		w.ktimer.Stop()
	}
	w.ktimer = w.peer.peers.core.config.clock.AfterFunc(w.peer.peers.core.config.peerKeepAliveDelay, func() {
		w.Act(nil, w._sendKeepAlive)
	})
}

// _sendKeepAlive pings with a local timestamp; the echo in the ack measures
// round-trip time without any shared clock.
func (w *peerWriter) _sendKeepAlive() {
	w.writeBuf = append(w.writeBuf[:0], wireKeepAlive)
	w.writeBuf = binary.BigEndian.AppendUint64(w.writeBuf, uint64(time.Now().UnixNano()))
	w._write(w.writeBuf)
}

func (w *peerWriter) _sendKeepAliveAck(echo []byte) {
	w.writeBuf = append(w.writeBuf[:0], wireKeepAliveAck)
	w.writeBuf = append(w.writeBuf, echo...)
	w._write(w.writeBuf)
}

func (w *peerWriter) sendPacket(pType uint8, data wireEncodeable) {
	w.Act(nil, func() {
		var err error
		w.writeBuf, err = wireEncode(w.writeBuf[:0], pType, data)
		if err != nil {
			return
		}
		w._write(w.writeBuf)
	})
}

func (w *peerWriter) sendTraffic(tr *traffic) {
	w.Act(nil, func() {
		var err error
		w.writeBuf, err = wireEncode(w.writeBuf[:0], wireTraffic, tr)
		if err != nil {
			return
		}
		w._write(w.writeBuf)
		w.peer.pop(w) // ask for the next buffered packet, if any
	})
}

/********
 * peer *
 ********/

type peer struct {
	phony.Inbox // Used to dispatch packets and queue state
	peers       *peers
	conn        *linkConn
	writer      peerWriter
	key         publicKey
	id          nodeID
	caps        uint64
	port        peerPort
	queue       packetQueue
	time        time.Time
	ready       bool         // is the writer ready for more traffic?
	latency     atomic.Int64 // EWMA round-trip time in nanoseconds
}

// rtt is safe to call from outside the actor; the switch reads it during
// lock-free tie-breaks.
func (p *peer) rtt() time.Duration {
	return time.Duration(p.latency.Load())
}

func (p *peer) _updateRTT(sample time.Duration) {
	old := p.latency.Load()
	if old == 0 {
		p.latency.Store(int64(sample))
		return
	}
	p.latency.Store((old*7 + int64(sample)) / 8)
}

// handler runs the read loop until the link dies, then cleans up. The caller
// (HandleConn) blocks in here for the lifetime of the connection.
func (p *peer) handler() error {
	defer func() {
		_ = p.conn.close()
		p.stop()
		p.peers.removePeer(p)
	}()
	p.peers.core.tree.sendTo(nil, p)
	for {
		if err := p.conn.setReadDeadline(time.Now().Add(p.peers.core.config.peerTimeout)); err != nil {
			return err
		}
		bs, err := p.conn.readFrame()
		if err != nil {
			return err
		}
		phony.Block(p, func() {
			err = p._handlePacket(bs)
		})
		if err != nil {
			return err
		}
	}
}

func (p *peer) _handlePacket(bs []byte) error {
	if len(bs) == 0 {
		return EmptyMessageError{}
	}
	switch pType := bs[0]; pType {
	case wireDummy:
		return nil
	case wireKeepAlive:
		return p._handleKeepAlive(bs[1:])
	case wireKeepAliveAck:
		return p._handleKeepAliveAck(bs[1:])
	case wireProtoTree:
		return p._handleTree(bs[1:])
	case wireProtoDHTLookup:
		return p._handleDHTLookup(bs[1:])
	case wireProtoDHTResponse:
		return p._handleDHTResponse(bs[1:])
	case wireProtoDHTPublish:
		return p._handleDHTPublish(bs[1:])
	case wireTraffic:
		return p._handleTraffic(bs[1:])
	default:
		return UnrecognizedMessageError{}
	}
}

func (p *peer) _handleKeepAlive(bs []byte) error {
	if len(bs) != 8 {
		return DecodeError{}
	}
	echo := append([]byte(nil), bs...)
	p.writer.Act(p, func() {
		p.writer._sendKeepAliveAck(echo)
	})
	return nil
}

func (p *peer) _handleKeepAliveAck(bs []byte) error {
	if len(bs) != 8 {
		return DecodeError{}
	}
	sent := int64(binary.BigEndian.Uint64(bs))
	if sample := time.Duration(time.Now().UnixNano() - sent); sample > 0 {
		p._updateRTT(sample)
	}
	return nil
}

func (p *peer) _handleTree(bs []byte) error {
	info := new(treeInfo)
	if err := info.decode(bs); err != nil {
		return err
	}
	if !info.checkSigs() {
		return PeerAuthError{}
	}
	if !p.key.equal(info.from()) {
		return PeerAuthError{}
	}
	if !p.peers.core.crypto.publicKey.equal(info.dest()) {
		return PeerAuthError{}
	}
	p.peers.core.tree.update(p, info, p)
	return nil
}

func (p *peer) _handleDHTLookup(bs []byte) error {
	lk := new(dhtLookup)
	if err := lk.decode(bs); err != nil {
		return err
	}
	p.peers.core.dht.handleLookup(p, p, lk)
	return nil
}

func (p *peer) _handleDHTResponse(bs []byte) error {
	rsp := new(dhtResponse)
	if err := rsp.decode(bs); err != nil {
		return err
	}
	p.peers.core.dht.handleResponse(p, p, rsp)
	return nil
}

func (p *peer) _handleDHTPublish(bs []byte) error {
	pub := new(dhtPublish)
	if err := pub.decode(bs); err != nil {
		return err
	}
	p.peers.core.dht.handlePublish(p, p, pub)
	return nil
}

// _handleTraffic forwards on the spot against the current snapshot; no actor
// hop through the tree or DHT is needed for the data plane.
func (p *peer) _handleTraffic(bs []byte) error {
	tr := new(traffic)
	if err := tr.decode(bs); err != nil {
		return err
	}
	core := p.peers.core
	if tr.dest.equal(core.crypto.publicKey) {
		core.pconn.handleTraffic(p, tr)
		return nil
	}
	if next := core.getSnapshot().forward(tr.rootID, tr.rootSeq, tr.path); next != nil {
		next.sendTraffic(p, tr)
	} else {
		core.metrics.unreachableDrops.Inc()
	}
	return nil
}

// sendTree signs a new hop onto the announcement and sends it. Control
// messages skip the traffic queue.
func (p *peer) sendTree(from phony.Actor, info *treeInfo) {
	p.Act(from, func() {
		extended := info.add(p.peers.core.crypto.privateKey, p)
		p.writer.sendPacket(wireProtoTree, extended)
	})
}

func (p *peer) sendDHTLookup(from phony.Actor, lk *dhtLookup) {
	p.Act(from, func() {
		p.writer.sendPacket(wireProtoDHTLookup, lk)
	})
}

func (p *peer) sendDHTResponse(from phony.Actor, rsp *dhtResponse) {
	p.Act(from, func() {
		p.writer.sendPacket(wireProtoDHTResponse, rsp)
	})
}

func (p *peer) sendDHTPublish(from phony.Actor, pub *dhtPublish) {
	p.Act(from, func() {
		p.writer.sendPacket(wireProtoDHTPublish, pub)
	})
}

func (p *peer) sendTraffic(from phony.Actor, tr *traffic) {
	p.Act(from, func() {
		p._push(tr)
	})
}

// _push hands traffic to the writer if it's idle, otherwise queues it under
// the byte bound. Overflow sheds from the fattest stream first.
func (p *peer) _push(tr *traffic) {
	if p.ready {
		p.ready = false
		p.writer.sendTraffic(tr)
		return
	}
	p.queue.push(p.peers.core.config.clock.Now(), tr)
	for p.queue.size > p.peers.core.config.peerQueueMaxSize {
		if !p.queue.drop() {
			break
		}
		p.peers.core.metrics.queueDrops.Inc()
	}
}

// pop feeds the writer the next queued packet, dropping anything that sat
// past the delay bound. Called by the writer after each traffic write.
func (p *peer) pop(from phony.Actor) {
	p.Act(from, func() {
		now := p.peers.core.config.clock.Now()
		maxDelay := p.peers.core.config.peerQueueMaxDelay
		for {
			info, ok := p.queue.pop()
			if !ok {
				p.ready = true
				return
			}
			if now.Sub(info.time) > maxDelay {
				p.peers.core.metrics.queueDrops.Inc()
				continue
			}
			p.writer.sendTraffic(info.packet)
			return
		}
	})
}

func (p *peer) stop() {
	p.writer.Act(nil, func() {
		if p.writer.ktimer != nil {
			p.writer.ktimer.Stop()
		}
	})
}

func (p *peer) logFields() []zap.Field {
	return []zap.Field{
		zap.String("peer", p.id.hex()),
		zap.Uint64("port", uint64(p.port)),
	}
}
