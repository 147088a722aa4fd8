package encrypted

import (
	"crypto/cipher"
	"encoding/binary"
	"time"

	"github.com/Arceliar/phony"
	"github.com/benbjohnson/clock"

	"github.com/larchwood/larchwood/types"
)

// Idle timeout and rekey thresholds live in the config; see config.go.
const (
	sessionInitSize = 1 + edSigSize + edPubSize + boxPubSize + 8
	sessionAckSize  = sessionInitSize
	// type byte, nonce, AEAD tag, fragment flag
	sessionTrafficOverhead = 1 + 8 + 16 + 1
)

const (
	sessionTypeDummy = iota
	sessionTypeInit
	sessionTypeAck
	sessionTypeTraffic
)

type sessionState uint8

const (
	sessionCreated sessionState = iota
	sessionHandshaking
	sessionEstablished
	sessionExpired
)

func (s sessionState) String() string {
	switch s {
	case sessionCreated:
		return "created"
	case sessionHandshaking:
		return "handshaking"
	case sessionEstablished:
		return "established"
	case sessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

/******************
 * sessionManager *
 ******************/

type sessionManager struct {
	phony.Inbox
	pc       *PacketConn
	sessions map[edPub]*sessionInfo
}

func (mgr *sessionManager) init(pc *PacketConn) {
	mgr.pc = pc
	mgr.sessions = make(map[edPub]*sessionInfo)
}

func (mgr *sessionManager) _session(pub *edPub) *sessionInfo {
	info := mgr.sessions[*pub]
	if info == nil {
		info = newSession(mgr, pub)
		mgr.sessions[*pub] = info
	}
	return info
}

func (mgr *sessionManager) handleData(from phony.Actor, pub *edPub, data []byte) {
	mgr.Act(from, func() {
		if len(data) == 0 {
			return
		}
		switch data[0] {
		case sessionTypeInit:
			init := new(sessionInit)
			if init.decode(data) == nil && init.dest == mgr.pc.public {
				mgr._session(pub).handleInit(mgr, init)
			}
		case sessionTypeAck:
			ack := new(sessionAck)
			if ack.decode(data) == nil && ack.dest == mgr.pc.public {
				if info := mgr.sessions[*pub]; info != nil {
					info.handleAck(mgr, ack)
				}
			}
		case sessionTypeTraffic:
			// Traffic for an unknown session still creates one; doRecv can't
			// decrypt it, but it sends an init so the sender can recover.
			mgr._session(pub).doRecv(mgr, data)
		default:
			// Drop anything unrecognized
		}
	})
}

func (mgr *sessionManager) writeTo(toKey edPub, msg []byte) {
	phony.Block(mgr, func() {
		mgr._session(&toKey).doSend(mgr, msg)
	})
}

/***************
 * sessionInfo *
 ***************/

type sessionInfo struct {
	phony.Inbox
	mgr        *sessionManager
	ed         edPub // remote identity
	state      sessionState
	remoteSeq  uint64 // highest handshake seq accepted from the remote
	localSeq   uint64 // seq of our latest init or ack
	ephPub     boxPub // our current ephemeral
	ephPriv    boxPriv
	remoteEph  boxPub // remote ephemeral the current keys derive from
	txKey      cipher.AEAD
	rxKey      cipher.AEAD
	prevRx     cipher.AEAD // previous receive key, for the rekey window
	txNonce    uint64
	window     replayWindow
	prevWindow replayWindow
	keyBytes   uint64 // bytes sealed under the current key
	keyTime    time.Time
	txBytes    uint64
	rxBytes    uint64
	since      time.Time // when the session was first established
	rekeying   bool
	pending    []byte // latest message buffered until established
	frag       fragReassembler
	fragID     uint32
	timer      *clock.Timer
}

func newSession(mgr *sessionManager, pub *edPub) *sessionInfo {
	info := new(sessionInfo)
	info.mgr = mgr
	info.ed = *pub
	info.localSeq = uint64(mgr.pc.config.clock.Now().UnixNano())
	info.ephPub, info.ephPriv = newBoxKeys()
	info.frag.init()
	return info
}

// _startHandshake generates a fresh ephemeral and advertises it in a signed
// init. Used both for the first contact and for rekeys.
func (info *sessionInfo) _startHandshake() {
	info.ephPub, info.ephPriv = newBoxKeys()
	info.localSeq++
	init := newSessionInit(&info.mgr.pc.secret, &info.ed, &info.ephPub, info.localSeq)
	init.sendTo(info.mgr.pc)
	if info.state != sessionEstablished {
		info.state = sessionHandshaking
	}
	info._resetTimer()
}

// _install derives and swaps in the keys for a new ephemeral pair. The old
// receive key sticks around so in-flight traffic from before the rekey still
// decrypts. Reinstalling the same pair is refused; it would reset nonces
// under an unchanged key.
func (info *sessionInfo) _install(remoteEph *boxPub) bool {
	if info.state == sessionEstablished && info.remoteEph == *remoteEph {
		return true
	}
	send, recv, err := deriveKeys(&info.mgr.pc.public, &info.ed, &info.ephPriv, remoteEph)
	if err != nil {
		return false
	}
	if info.state == sessionEstablished {
		info.prevRx = info.rxKey
		info.prevWindow = info.window
	} else {
		info.since = info.mgr.pc.config.clock.Now()
	}
	info.txKey, info.rxKey = send, recv
	info.remoteEph = *remoteEph
	info.txNonce = 0
	info.window.reset()
	info.keyBytes = 0
	info.keyTime = info.mgr.pc.config.clock.Now()
	info.state = sessionEstablished
	info.rekeying = false
	info._resetTimer()
	return true
}

func (info *sessionInfo) handleInit(from phony.Actor, init *sessionInit) {
	info.Act(from, func() {
		if info.state == sessionExpired {
			return
		}
		if init.seq <= info.remoteSeq || !init.check(&info.ed, sessionTypeInit) {
			return
		}
		info.remoteSeq = init.seq
		if info.state == sessionEstablished {
			// Remote-initiated rekey, pair their new ephemeral with one of ours
			info.ephPub, info.ephPriv = newBoxKeys()
		}
		if !info._install(&init.eph) {
			return
		}
		info.localSeq++
		ack := newSessionAck(&info.mgr.pc.secret, &info.ed, &info.ephPub, info.localSeq)
		ack.sendTo(info.mgr.pc)
		info._flush()
	})
}

func (info *sessionInfo) handleAck(from phony.Actor, ack *sessionAck) {
	info.Act(from, func() {
		if info.state == sessionExpired {
			return
		}
		if ack.seq <= info.remoteSeq || !ack.check(&info.ed, sessionTypeAck) {
			return
		}
		info.remoteSeq = ack.seq
		if !info._install(&ack.eph) {
			return
		}
		info._flush()
	})
}

func (info *sessionInfo) doSend(from phony.Actor, msg []byte) {
	info.Act(from, func() {
		if info.state != sessionEstablished {
			info.pending = msg
			if info.state == sessionCreated || info.state == sessionExpired {
				info._startHandshake()
			}
			return
		}
		info._maybeRekey()
		info._sendTraffic(msg)
	})
}

func (info *sessionInfo) _maybeRekey() {
	if info.rekeying {
		return
	}
	cfg := &info.mgr.pc.config
	if info.keyBytes < cfg.rekeyBytes && cfg.clock.Since(info.keyTime) < cfg.rekeyTime {
		return
	}
	// Keep using the current keys until the remote acks the new ephemeral
	info.rekeying = true
	info._startHandshake()
}

func (info *sessionInfo) _sendTraffic(msg []byte) {
	info.fragID++
	pieces := fragSplit(info.fragID, msg, int(info.mgr.pc.MTU()))
	for _, pt := range pieces {
		info.txNonce++
		bs := make([]byte, 1, sessionTrafficOverhead+len(pt))
		bs[0] = sessionTypeTraffic
		bs = binary.BigEndian.AppendUint64(bs, info.txNonce)
		bs = aeadSeal(info.txKey, info.txNonce, bs, pt)
		_, _ = info.mgr.pc.PacketConn.WriteTo(bs, types.Addr(info.ed[:]))
		info.keyBytes += uint64(len(pt))
		info.txBytes += uint64(len(pt))
	}
	info._resetTimer()
}

func (info *sessionInfo) doRecv(from phony.Actor, msg []byte) {
	info.Act(from, func() {
		if info.state == sessionExpired {
			return
		}
		if len(msg) < 1+8+16 || msg[0] != sessionTypeTraffic {
			return
		}
		if info.rxKey == nil {
			// We can't decrypt anything yet, ask for a handshake
			if info.state == sessionCreated {
				info._startHandshake()
			}
			return
		}
		nonce := binary.BigEndian.Uint64(msg[1:9])
		ct := msg[9:]
		pt, err := aeadOpen(info.rxKey, nonce, nil, ct)
		switch {
		case err == nil:
			if !info.window.accept(nonce) {
				return // replay
			}
		case info.prevRx != nil:
			if pt, err = aeadOpen(info.prevRx, nonce, nil, ct); err != nil {
				return
			}
			if !info.prevWindow.accept(nonce) {
				return // replay
			}
		default:
			return
		}
		info.rxBytes += uint64(len(pt))
		if out := info.frag.handle(info.mgr.pc.config.clock.Now(), pt); out != nil {
			info.mgr.pc.network.recv(info, out)
		}
		info._resetTimer()
	})
}

func (info *sessionInfo) _flush() {
	if info.pending != nil && info.state == sessionEstablished {
		msg := info.pending
		info.pending = nil
		info._sendTraffic(msg)
	}
}

func (info *sessionInfo) _resetTimer() {
	if info.timer != nil {
		info.timer.Stop()
	}
	cfg := &info.mgr.pc.config
	info.timer = cfg.clock.AfterFunc(cfg.idleTimeout, func() {
		info.Act(nil, func() {
			info.state = sessionExpired
		})
		info.mgr.Act(nil, func() {
			if info.mgr.sessions[info.ed] == info {
				delete(info.mgr.sessions, info.ed)
			}
		})
	})
}

/***************
 * sessionInit *
 ***************/

// sessionInit advertises a signed ephemeral key. An ack is the same message
// with a different type byte, sent in reply; the type is covered by the
// signature so one can't be replayed as the other.
type sessionInit struct {
	sig  edSig
	dest edPub
	eph  boxPub
	seq  uint64
}

func newSessionInit(priv *edPriv, dest *edPub, eph *boxPub, seq uint64) sessionInit {
	var init sessionInit
	init.dest = *dest
	init.eph = *eph
	init.seq = seq
	init.sign(priv, sessionTypeInit)
	return init
}

func newSessionAck(priv *edPriv, dest *edPub, eph *boxPub, seq uint64) sessionAck {
	var ack sessionAck
	ack.dest = *dest
	ack.eph = *eph
	ack.seq = seq
	ack.sign(priv, sessionTypeAck)
	return ack
}

func (si *sessionInit) bytesForSig(pType byte) []byte {
	bs := make([]byte, 0, 1+edPubSize+boxPubSize+8)
	bs = append(bs, pType)
	bs = append(bs, si.dest[:]...)
	bs = append(bs, si.eph[:]...)
	bs = binary.BigEndian.AppendUint64(bs, si.seq)
	return bs
}

func (si *sessionInit) sign(priv *edPriv, pType byte) {
	si.sig = *edSign(si.bytesForSig(pType), priv)
}

func (si *sessionInit) check(pub *edPub, pType byte) bool {
	return edCheck(si.bytesForSig(pType), &si.sig, pub)
}

func (si *sessionInit) encode(pType byte) []byte {
	bs := make([]byte, 0, sessionInitSize)
	bs = append(bs, pType)
	bs = append(bs, si.sig[:]...)
	bs = append(bs, si.dest[:]...)
	bs = append(bs, si.eph[:]...)
	bs = binary.BigEndian.AppendUint64(bs, si.seq)
	return bs
}

func (si *sessionInit) decodeFrom(data []byte, pType byte) error {
	if len(data) != sessionInitSize || data[0] != pType {
		return badMessageError
	}
	offset := 1
	offset += copy(si.sig[:], data[offset:])
	offset += copy(si.dest[:], data[offset:])
	offset += copy(si.eph[:], data[offset:])
	si.seq = binary.BigEndian.Uint64(data[offset:])
	return nil
}

func (si *sessionInit) decode(data []byte) error {
	return si.decodeFrom(data, sessionTypeInit)
}

func (si *sessionInit) sendTo(pc *PacketConn) {
	_, _ = pc.PacketConn.WriteTo(si.encode(sessionTypeInit), types.Addr(si.dest.asKey()))
}

/**************
 * sessionAck *
 **************/

type sessionAck struct {
	sessionInit
}

func (sa *sessionAck) decode(data []byte) error {
	return sa.decodeFrom(data, sessionTypeAck)
}

func (sa *sessionAck) sendTo(pc *PacketConn) {
	_, _ = pc.PacketConn.WriteTo(sa.encode(sessionTypeAck), types.Addr(sa.dest.asKey()))
}
