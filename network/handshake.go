package network

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
)

/*************
 * handshake *
 *************/

// Links run a Noise XX handshake over the raw connection. The handshake
// payload binds the peer's long-term ed25519 identity to its ephemeral Noise
// static key: identity key, a signature over the tagged static key, then the
// peer's capability bits as a uvarint. Everything after the handshake is
// encrypted by the resulting cipher states.

const linkSigPrefix = "larchwood-link-static-v1:"

// Capability bits exchanged in the handshake payload. A peer is only selected
// as a next hop for a plane it advertised.
const (
	capTraffic = 1 << iota
	capDHT
)

const localCapabilities = capTraffic | capDHT

const linkHandshakeTimeout = 6 * time.Second

var linkCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

type linkInfo struct {
	key  publicKey
	caps uint64
}

// linkConn wraps a raw connection with the per-frame encryption negotiated by
// the handshake. Frames are uint16 big-endian length followed by ciphertext.
type linkConn struct {
	conn    net.Conn
	send    *noise.CipherState
	recv    *noise.CipherState
	maxSize uint64
}

func (lc *linkConn) setReadDeadline(t time.Time) error {
	return lc.conn.SetReadDeadline(t)
}

func (lc *linkConn) close() error {
	return lc.conn.Close()
}

// AEAD tag appended to every encrypted frame.
const linkFrameOverhead = 16

func (lc *linkConn) readFrame() ([]byte, error) {
	ct, err := readRawFrame(lc.conn, lc.maxSize+linkFrameOverhead)
	if err != nil {
		return nil, err
	}
	pt, err := lc.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, err
	}
	if len(pt) == 0 {
		return nil, EmptyMessageError{}
	}
	return pt, nil
}

func (lc *linkConn) writeFrame(pt []byte) error {
	if uint64(len(pt)) > lc.maxSize {
		return OversizedMessageError{}
	}
	ct, err := lc.send.Encrypt(nil, nil, pt)
	if err != nil {
		return err
	}
	return writeRawFrame(lc.conn, ct)
}

func readRawFrame(conn net.Conn, maxSize uint64) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(lenBuf[:])
	if size == 0 {
		return nil, EmptyMessageError{}
	}
	if uint64(size) > maxSize {
		return nil, OversizedMessageError{}
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func writeRawFrame(conn net.Conn, frame []byte) error {
	if len(frame) > 65535 {
		return OversizedMessageError{}
	}
	buf := make([]byte, 0, 2+len(frame))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(frame)))
	buf = append(buf, frame...)
	_, err := conn.Write(buf)
	return err
}

func linkAuthPayload(c *crypto, static []byte, caps uint64) []byte {
	msg := make([]byte, 0, len(linkSigPrefix)+len(static))
	msg = append(msg, linkSigPrefix...)
	msg = append(msg, static...)
	sig := c.privateKey.sign(msg)
	payload := make([]byte, 0, publicKeySize+signatureSize+10)
	payload = append(payload, c.publicKey[:]...)
	payload = append(payload, sig[:]...)
	payload = wireEncodeUint(payload, caps)
	return payload
}

func checkLinkAuthPayload(payload, static []byte) (linkInfo, error) {
	var info linkInfo
	if !wireChopSlice(info.key[:], &payload) {
		return info, PeerAuthError{}
	}
	var sig signature
	if !wireChopSlice(sig[:], &payload) {
		return info, PeerAuthError{}
	}
	if !wireChopUint(&info.caps, &payload) {
		return info, PeerAuthError{}
	}
	msg := make([]byte, 0, len(linkSigPrefix)+len(static))
	msg = append(msg, linkSigPrefix...)
	msg = append(msg, static...)
	if !info.key.verify(msg, &sig) {
		return info, PeerAuthError{}
	}
	return info, nil
}

// linkHandshake runs Noise XX over conn and verifies the peer's identity
// binding. On success the returned linkConn carries all further frames.
func linkHandshake(conn net.Conn, c *crypto, initiator bool, maxSize uint64, now time.Time) (*linkConn, linkInfo, error) {
	var info linkInfo
	if err := conn.SetDeadline(now.Add(linkHandshakeTimeout)); err != nil {
		return nil, info, err
	}
	static, err := linkCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, info, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   linkCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, info, err
	}
	authPayload := linkAuthPayload(c, static.Public, localCapabilities)
	var send, recv *noise.CipherState
	var peerPayload []byte
	if initiator {
		msg1, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return nil, info, err
		}
		if err := writeRawFrame(conn, msg1); err != nil {
			return nil, info, err
		}
		raw, err := readRawFrame(conn, 65535)
		if err != nil {
			return nil, info, err
		}
		if peerPayload, _, _, err = hs.ReadMessage(nil, raw); err != nil {
			return nil, info, PeerAuthError{}
		}
		msg3, cs0, cs1, err := hs.WriteMessage(nil, authPayload)
		if err != nil {
			return nil, info, err
		}
		if err := writeRawFrame(conn, msg3); err != nil {
			return nil, info, err
		}
		send, recv = cs0, cs1
	} else {
		raw, err := readRawFrame(conn, 65535)
		if err != nil {
			return nil, info, err
		}
		if _, _, _, err := hs.ReadMessage(nil, raw); err != nil {
			return nil, info, PeerAuthError{}
		}
		msg2, _, _, err := hs.WriteMessage(nil, authPayload)
		if err != nil {
			return nil, info, err
		}
		if err := writeRawFrame(conn, msg2); err != nil {
			return nil, info, err
		}
		raw, err = readRawFrame(conn, 65535)
		if err != nil {
			return nil, info, err
		}
		var cs0, cs1 *noise.CipherState
		if peerPayload, cs0, cs1, err = hs.ReadMessage(nil, raw); err != nil {
			return nil, info, PeerAuthError{}
		}
		send, recv = cs1, cs0
	}
	info, err = checkLinkAuthPayload(peerPayload, hs.PeerStatic())
	if err != nil {
		return nil, info, err
	}
	if info.key.equal(c.publicKey) {
		return nil, info, BadKeyError{} // connected to ourself
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, info, err
	}
	lc := &linkConn{conn: conn, send: send, recv: recv, maxSize: maxSize}
	return lc, info, nil
}
