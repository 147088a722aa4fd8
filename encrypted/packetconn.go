package encrypted

import (
	"crypto/ed25519"
	"net"
	"time"

	"github.com/Arceliar/phony"

	"github.com/larchwood/larchwood/network"
	"github.com/larchwood/larchwood/types"
)

type badMessage struct{}

func (e badMessage) Error() string {
	return "BadMessageError"
}

var badMessageError = badMessage{}

// PacketConn wraps a network.PacketConn with authenticated end-to-end
// encryption. Session setup, rekeying and teardown are automatic.
type PacketConn struct {
	*network.PacketConn
	config   config
	secret   edPriv
	public   edPub
	sessions sessionManager
	network  netManager
}

// NewPacketConn returns a *PacketConn struct which implements the
// types.PacketConn interface. Use WithNetwork to pass options through to the
// underlying routing layer.
func NewPacketConn(secret ed25519.PrivateKey, opts ...Option) (*PacketConn, error) {
	var cfg config
	configDefaults()(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	npc, err := network.NewPacketConn(secret, cfg.network...)
	if err != nil {
		return nil, err
	}
	pc := &PacketConn{PacketConn: npc, config: cfg}
	copy(pc.secret[:], secret)
	copy(pc.public[:], secret.Public().(ed25519.PublicKey))
	pc.sessions.init(pc)
	pc.network.init(pc)
	return pc, nil
}

// ReadFrom returns the next decrypted message from an established session.
func (pc *PacketConn) ReadFrom(p []byte) (n int, from net.Addr, err error) {
	pc.network.read()
	info := <-pc.network.readCh
	if info.err != nil {
		err = info.err
		return
	}
	n, from = len(info.data), types.Addr(info.from.asKey())
	if n > len(p) {
		n = len(p)
	}
	copy(p, info.data[:n])
	return
}

// WriteTo encrypts p to the destination key, establishing a session first if
// necessary. While a session is handshaking only the most recent message per
// destination is buffered.
func (pc *PacketConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	select {
	case <-pc.network.closed:
		return 0, network.ClosedError{}
	default:
	}
	destKey, ok := types.ExtractAddrKey(addr)
	if !ok || len(destKey) != edPubSize {
		return 0, network.BadAddressError{}
	}
	if uint64(len(p)) > pc.MaxMessageSize() {
		return 0, network.OversizedMessageError{}
	}
	n = len(p)
	var dest edPub
	copy(dest[:], destKey)
	pc.sessions.writeTo(dest, append([]byte(nil), p...))
	return
}

// MTU returns the maximum message size that fits in a single encrypted
// packet. Larger messages up to MaxMessageSize are fragmented.
func (pc *PacketConn) MTU() uint64 {
	return pc.PacketConn.MTU() - sessionTrafficOverhead
}

// MaxMessageSize returns the largest message WriteTo accepts, spanning as
// many fragments as the header can count.
func (pc *PacketConn) MaxMessageSize() uint64 {
	return uint64(fragMaxPieces) * (pc.MTU() - (fragHeaderSize - 1))
}

// SessionInfo describes one end-to-end session.
type SessionInfo struct {
	Key     ed25519.PublicKey
	State   string
	Uptime  time.Duration
	RX      uint64
	TX      uint64
	Rekeyed time.Time
}

// Sessions returns a description of every live session.
func (pc *PacketConn) Sessions() []SessionInfo {
	var sessions []*sessionInfo
	phony.Block(&pc.sessions, func() {
		for _, info := range pc.sessions.sessions {
			sessions = append(sessions, info)
		}
	})
	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		var info SessionInfo
		phony.Block(session, func() {
			info.Key = session.ed.asKey()
			info.State = session.state.String()
			if session.state == sessionEstablished {
				info.Uptime = pc.config.clock.Since(session.since)
			}
			info.RX = session.rxBytes
			info.TX = session.txBytes
			info.Rekeyed = session.keyTime
		})
		infos = append(infos, info)
	}
	return infos
}
