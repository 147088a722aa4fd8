package encrypted

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

/******
 * ed *
 ******/

const (
	edPubSize  = ed25519.PublicKeySize
	edPrivSize = ed25519.PrivateKeySize
	edSigSize  = ed25519.SignatureSize
)

type edPub [edPubSize]byte
type edPriv [edPrivSize]byte
type edSig [edSigSize]byte

func (pub edPub) asKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), pub[:]...)
}

func edSign(msg []byte, priv *edPriv) *edSig {
	var sig edSig
	copy(sig[:], ed25519.Sign(priv[:], msg))
	return &sig
}

func edCheck(msg []byte, sig *edSig, pub *edPub) bool {
	return ed25519.Verify(pub[:], msg, sig[:])
}

// edLess orders identities by nodeID, which decides which HKDF output key
// each direction of a session uses.
func edLess(a, b *edPub) bool {
	ha := blake3.Sum256(a[:])
	hb := blake3.Sum256(b[:])
	for idx := range ha {
		switch {
		case ha[idx] < hb[idx]:
			return true
		case ha[idx] > hb[idx]:
			return false
		}
	}
	return false
}

/*******
 * box *
 *******/

const boxPubSize = 32
const boxPrivSize = 32

type boxPub [boxPubSize]byte
type boxPriv [boxPrivSize]byte

func newBoxKeys() (boxPub, boxPriv) {
	var priv boxPriv
	if _, err := rand.Read(priv[:]); err != nil {
		panic("failed to read random bytes for keys")
	}
	bs, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		panic("failed to generate keys")
	}
	var pub boxPub
	copy(pub[:], bs)
	return pub, priv
}

const sessionKeyInfo = "larchwood-session-v1"

// deriveKeys turns an X25519 agreement into one AEAD per direction. Both
// sides expand the same secret; the node with the lesser nodeID sends with
// the first expanded key and receives with the second.
func deriveKeys(localEd, remoteEd *edPub, localPriv *boxPriv, remotePub *boxPub) (send, recv cipher.AEAD, err error) {
	shared, err := curve25519.X25519(localPriv[:], remotePub[:])
	if err != nil {
		return nil, nil, err
	}
	h := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	var first, second [chacha20poly1305.KeySize]byte
	if _, err = io.ReadFull(h, first[:]); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(h, second[:]); err != nil {
		return nil, nil, err
	}
	sendKey, recvKey := first[:], second[:]
	if !edLess(localEd, remoteEd) {
		sendKey, recvKey = recvKey, sendKey
	}
	if send, err = chacha20poly1305.New(sendKey); err != nil {
		return nil, nil, err
	}
	if recv, err = chacha20poly1305.New(recvKey); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

// Nonces are uint64 counters, placed in the trailing bytes of the AEAD nonce.
func aeadNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

func aeadSeal(aead cipher.AEAD, counter uint64, dst, plaintext []byte) []byte {
	nonce := aeadNonce(counter)
	return aead.Seal(dst, nonce[:], plaintext, nil)
}

func aeadOpen(aead cipher.AEAD, counter uint64, dst, ciphertext []byte) ([]byte, error) {
	nonce := aeadNonce(counter)
	return aead.Open(dst, nonce[:], ciphertext, nil)
}
