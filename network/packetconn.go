package network

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"

	"github.com/larchwood/larchwood/types"
)

func _type_asserts_() {
	var _ types.PacketConn = new(PacketConn)
}

// Headroom reserved in each link frame for the traffic header: type byte,
// source and dest keys, root ID and seq, and a worst-case encoded path.
const trafficHeadroom = 1 + 2*publicKeySize + nodeIDSize + 8 + 130

type PacketConn struct {
	actor        phony.Inbox
	core         *core
	recv         chan *traffic // read buffer
	readDeadline *deadline
	closeMutex   sync.Mutex
	closed       chan struct{}
}

// NewPacketConn returns a *PacketConn struct which implements the
// types.PacketConn interface. The secret is the node's long-term identity.
func NewPacketConn(secret ed25519.PrivateKey, opts ...Option) (*PacketConn, error) {
	c := new(core)
	if err := c.init(secret, opts...); err != nil {
		return nil, err
	}
	return &c.pconn, nil
}

func (pc *PacketConn) init(c *core) {
	pc.core = c
	pc.recv = make(chan *traffic, 1)
	pc.readDeadline = newDeadline()
	pc.closed = make(chan struct{})
}

// ReadFrom fulfills the net.PacketConn interface, with a types.Addr returned
// as the from address. Note that failing to call ReadFrom may cause the
// connection to block and/or leak memory.
func (pc *PacketConn) ReadFrom(p []byte) (n int, from net.Addr, err error) {
	var tr *traffic
	select {
	case <-pc.closed:
		return 0, nil, ClosedError{}
	case <-pc.readDeadline.getCancel():
		return 0, nil, DeadlineError{}
	case tr = <-pc.recv:
	}
	copy(p, tr.payload)
	n = len(tr.payload)
	if len(p) < len(tr.payload) {
		n = len(p)
	}
	from = tr.source.addr()
	return
}

// WriteTo fulfills the net.PacketConn interface, with a types.Addr expected
// as the destination address. Writes to unresolved destinations trigger a
// DHT lookup in the background; only the newest packet per destination is
// kept while the lookup runs.
func (pc *PacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	select {
	case <-pc.closed:
		return 0, ClosedError{}
	default:
	}
	dest, ok := types.ExtractAddrKey(addr)
	if !ok {
		return 0, BadAddressError{}
	}
	if len(dest) != publicKeySize {
		return 0, BadAddressError{}
	}
	if uint64(len(p)) > pc.MTU() {
		return 0, OversizedMessageError{}
	}
	tr := new(traffic)
	tr.source = pc.core.crypto.publicKey
	copy(tr.dest[:], dest)
	tr.payload = append(tr.payload, p...)
	pc.core.dht.sendTraffic(nil, tr)
	return len(p), nil
}

// Close shuts down the PacketConn.
func (pc *PacketConn) Close() error {
	pc.closeMutex.Lock()
	defer pc.closeMutex.Unlock()
	select {
	case <-pc.closed:
		return ClosedError{}
	default:
	}
	close(pc.closed)
	pc.core.peers.close()
	pc.core.tree.close()
	pc.core.dht.close()
	return nil
}

// LocalAddr returns a types.Addr of the ed25519.PublicKey for this PacketConn.
func (pc *PacketConn) LocalAddr() net.Addr {
	return pc.core.crypto.publicKey.addr()
}

// SetDeadline fulfills the net.PacketConn interface. Note that only read
// deadlines are affected.
func (pc *PacketConn) SetDeadline(t time.Time) error {
	if err := pc.SetReadDeadline(t); err != nil {
		return err
	} else if err := pc.SetWriteDeadline(t); err != nil {
		return err
	}
	return nil
}

// SetReadDeadline fulfills the net.PacketConn interface.
func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	pc.readDeadline.set(t)
	return nil
}

// SetWriteDeadline fulfills the net.PacketConn interface.
func (pc *PacketConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// MTU returns the maximum payload size accepted by WriteTo.
func (pc *PacketConn) MTU() uint64 {
	return pc.core.config.peerMaxMessageSize - trafficHeadroom
}

// HandleConn runs the link handshake over the conn, learns and verifies the
// remote identity, then serves the peer until the conn dies. Exactly one side
// must be the initiator. This function blocks while the net.Conn is in use,
// and returns an error if any occurs. In all cases, the net.Conn is closed
// before returning.
func (pc *PacketConn) HandleConn(conn net.Conn, initiator bool) error {
	defer conn.Close()
	select {
	case <-pc.closed:
		return ClosedError{}
	default:
	}
	lc, info, err := linkHandshake(conn, &pc.core.crypto, initiator, pc.core.config.peerMaxMessageSize, time.Now())
	if err != nil {
		if _, ok := err.(PeerAuthError); ok {
			pc.core.metrics.peerAuthFailures.Inc()
			pc.core.log.Warn("link handshake rejected",
				zap.String("remote", conn.RemoteAddr().String()))
		}
		return err
	}
	p, err := pc.core.peers.addPeer(lc, info)
	if err != nil {
		return err
	}
	pc.core.log.Info("link up", p.logFields()...)
	err = p.handler()
	pc.core.log.Info("link down", append(p.logFields(), zap.Error(err))...)
	return err
}

// IsClosed returns true if and only if the connection is closed. This is to
// check the state without potentially blocking on a read or write.
func (pc *PacketConn) IsClosed() bool {
	select {
	case <-pc.closed:
		return true
	default:
	}
	return false
}

func (pc *PacketConn) handleTraffic(from phony.Actor, tr *traffic) {
	pc.actor.Act(from, func() {
		if !tr.dest.equal(pc.core.crypto.publicKey) {
			return
		}
		select {
		case pc.recv <- tr:
		case <-pc.closed:
		}
	})
}

/*****************
 * introspection *
 *****************/

// TreeState describes this node's current position in the spanning tree.
type TreeState struct {
	Key     ed25519.PublicKey
	Root    ed25519.PublicKey
	RootSeq uint64
	Coords  []uint64
}

// PeerInfo describes one directly connected peer.
type PeerInfo struct {
	Key     ed25519.PublicKey
	Port    uint64
	Coords  []uint64
	Latency time.Duration
	Parent  bool
}

// DHTEntryInfo describes one cached resolution.
type DHTEntryInfo struct {
	Key     ed25519.PublicKey
	Coords  []uint64
	Expires time.Time
}

func exportCoords(path []peerPort) []uint64 {
	coords := make([]uint64, 0, len(path))
	for _, port := range path {
		coords = append(coords, uint64(port))
	}
	return coords
}

// TreeState returns the current root, seq and coordinates.
func (pc *PacketConn) TreeState() TreeState {
	snap := pc.core.getSnapshot()
	return TreeState{
		Key:     append(ed25519.PublicKey(nil), snap.selfKey[:]...),
		Root:    append(ed25519.PublicKey(nil), snap.root[:]...),
		RootSeq: snap.rootSeq,
		Coords:  exportCoords(snap.selfCoords),
	}
}

// Peers returns a description of every connected peer.
func (pc *PacketConn) Peers() []PeerInfo {
	snap := pc.core.getSnapshot()
	infos := make([]PeerInfo, 0, len(snap.peers))
	for idx := range snap.peers {
		sp := &snap.peers[idx]
		infos = append(infos, PeerInfo{
			Key:     append(ed25519.PublicKey(nil), sp.key[:]...),
			Port:    uint64(sp.peer.port),
			Coords:  exportCoords(sp.coords),
			Latency: sp.peer.rtt(),
			Parent:  sp.parent,
		})
	}
	return infos
}

// DHTEntries returns the current cache contents, including expired entries
// that haven't been evicted yet.
func (pc *PacketConn) DHTEntries() []DHTEntryInfo {
	var infos []DHTEntryInfo
	phony.Block(&pc.core.dht, func() {
		for _, id := range pc.core.dht.cache.Keys() {
			entry, ok := pc.core.dht.cache.Peek(id)
			if !ok {
				continue
			}
			infos = append(infos, DHTEntryInfo{
				Key:     append(ed25519.PublicKey(nil), entry.label.key[:]...),
				Coords:  exportCoords(entry.label.path),
				Expires: entry.expires,
			})
		}
	})
	return infos
}

// Resolve finds the public key of a node whose ID matches the first bits of
// target, querying the network if nothing local matches. Address-derived
// prefixes carry 120 bits; pass 256 for an exact ID.
func (pc *PacketConn) Resolve(ctx context.Context, target [nodeIDSize]byte, bits int) (ed25519.PublicKey, error) {
	type result struct {
		key ed25519.PublicKey
		err error
	}
	ch := make(chan result, 1)
	cb := &dhtCallback{}
	cb.f = func(label *treeLabel, err error) {
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{key: append(ed25519.PublicKey(nil), label.key[:]...)}
	}
	pc.core.dht.resolve(nil, nodeID(target), bits, cb)
	select {
	case res := <-ch:
		return res.key, res.err
	case <-ctx.Done():
		pc.core.dht.unresolve(nil, nodeID(target), bits, cb)
		return nil, ctx.Err()
	case <-pc.closed:
		return nil, ClosedError{}
	}
}

/************
 * deadline *
 ************/

type deadline struct {
	m      sync.Mutex
	timer  *time.Timer
	once   *sync.Once
	cancel chan struct{}
}

func newDeadline() *deadline {
	return &deadline{
		once:   new(sync.Once),
		cancel: make(chan struct{}),
	}
}

func (d *deadline) set(t time.Time) {
	d.m.Lock()
	defer d.m.Unlock()
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop()
		}
	})
	select {
	case <-d.cancel:
		d.cancel = make(chan struct{})
	default:
	}
	d.once = new(sync.Once)
	var zero time.Time
	if t != zero {
		once := d.once
		cancel := d.cancel
		d.timer = time.AfterFunc(time.Until(t), func() {
			once.Do(func() { close(cancel) })
		})
	}
}

func (d *deadline) getCancel() chan struct{} {
	d.m.Lock()
	defer d.m.Unlock()
	ch := d.cancel
	return ch
}
