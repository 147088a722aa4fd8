package signed

import (
	"bytes"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/larchwood/larchwood/types"
)

func newTestPair(t *testing.T) (*PacketConn, *PacketConn) {
	t.Helper()
	_, privA, _ := ed25519.GenerateKey(nil)
	_, privB, _ := ed25519.GenerateKey(nil)
	a, err := NewPacketConn(privA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewPacketConn(privB)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	t.Cleanup(func() { b.Close() })
	cA, cB := net.Pipe()
	go a.HandleConn(cA, true)
	go b.HandleConn(cB, false)
	begin := time.Now()
	for {
		time.Sleep(250 * time.Millisecond)
		if time.Since(begin) > 30*time.Second {
			t.Fatal("timeout waiting for root")
		}
		if bytes.Equal(a.TreeState().Root, b.TreeState().Root) {
			break
		}
	}
	return a, b
}

func TestSignedTwoNodes(t *testing.T) {
	a, b := newTestPair(t)
	addrA := a.LocalAddr()
	addrB := b.LocalAddr()
	msg := []byte("authenticity without confidentiality")
	done := make(chan struct{})
	go func() {
		defer func() {
			defer func() { recover() }()
			close(done)
		}()
		read := make([]byte, 2048)
		for {
			n, from, err := b.ReadFrom(read)
			if err != nil {
				return
			}
			if !bytes.Equal(read[:n], msg) {
				continue
			}
			if bytes.Equal(from.(types.Addr), addrA.(types.Addr)) {
				break
			}
		}
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := a.WriteTo(msg, addrB); err != nil {
				panic(err)
			}
			time.Sleep(250 * time.Millisecond)
		}
	}()
	timer := time.NewTimer(10 * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatal("timeout")
	case <-done:
	}
}

func TestSignUnpack(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	pc, err := NewPacketConn(priv)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	msg := []byte("hello")
	packed := pc.sign(nil, msg)
	sig, key, got, ok := pc.unpack(packed)
	if !ok || !bytes.Equal(got, msg) {
		t.Fatal("unpack failed")
	}
	if !bytes.Equal(key, pc.public) {
		t.Fatal("wrong signing key")
	}
	if !ed25519.Verify(ed25519.PublicKey(key), got, sig) {
		t.Fatal("signature must verify")
	}

	// Tampering with the payload breaks verification
	packed[len(packed)-1] ^= 1
	sig, key, got, ok = pc.unpack(packed)
	if !ok {
		t.Fatal("unpack failed")
	}
	if ed25519.Verify(ed25519.PublicKey(key), got, sig) {
		t.Fatal("tampered message must not verify")
	}

	// Short input can't carry a signature and key
	if _, _, _, ok := pc.unpack(packed[:10]); ok {
		t.Fatal("expected short unpack to fail")
	}

	if pc.MTU() != pc.PacketConn.MTU()-ed25519.SignatureSize-ed25519.PublicKeySize {
		t.Fatal("MTU must reserve the signing overhead")
	}
}
