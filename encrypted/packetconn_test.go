package encrypted

import (
	"bytes"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/larchwood/larchwood/types"
)

func newTestPair(t *testing.T, opts ...Option) (*PacketConn, *PacketConn) {
	t.Helper()
	_, privA, _ := ed25519.GenerateKey(nil)
	_, privB, _ := ed25519.GenerateKey(nil)
	a, err := NewPacketConn(privA, opts...)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewPacketConn(privB, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	t.Cleanup(func() { b.Close() })
	cA, cB := net.Pipe()
	go a.HandleConn(cA, true)
	go b.HandleConn(cB, false)
	waitForRoot(t, a, b, 30*time.Second)
	return a, b
}

// waitForRoot waits until both nodes agree on a root.
func waitForRoot(t *testing.T, a, b *PacketConn, timeout time.Duration) {
	t.Helper()
	begin := time.Now()
	for {
		time.Sleep(250 * time.Millisecond)
		if time.Since(begin) > timeout {
			t.Fatal("timeout waiting for root")
		}
		if bytes.Equal(a.TreeState().Root, b.TreeState().Root) {
			break
		}
	}
}

func exchange(t *testing.T, a, b *PacketConn, msg []byte, timeout time.Duration) {
	t.Helper()
	addrA := a.LocalAddr()
	addrB := b.LocalAddr()
	done := make(chan struct{})
	go func() {
		defer func() {
			defer func() { recover() }()
			close(done)
		}()
		read := make([]byte, len(msg)+1)
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
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Fatal("timeout")
	case <-done:
	}
}

func TestSessionTwoNodes(t *testing.T) {
	a, b := newTestPair(t)
	exchange(t, a, b, []byte("end to end encrypted"), 10*time.Second)

	// Both ends see an established session
	for _, pc := range []*PacketConn{a, b} {
		sessions := pc.Sessions()
		if len(sessions) != 1 {
			t.Fatalf("expected 1 session, got %d", len(sessions))
		}
		if sessions[0].State != "established" {
			t.Fatalf("expected established session, got %s", sessions[0].State)
		}
	}
}

func TestSessionRekey(t *testing.T) {
	// Every sealed byte crosses the threshold, so each send starts a rekey
	a, b := newTestPair(t, WithRekeyBytes(1))
	exchange(t, a, b, []byte("first"), 10*time.Second)
	first := a.Sessions()[0].Rekeyed

	exchange(t, a, b, []byte("second"), 10*time.Second)
	begin := time.Now()
	for {
		if time.Since(begin) > 10*time.Second {
			t.Fatal("timeout waiting for rekey")
		}
		sessions := a.Sessions()
		if len(sessions) == 1 && sessions[0].Rekeyed.After(first) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	// Traffic still flows under the new keys
	exchange(t, a, b, []byte("third"), 10*time.Second)
}

func TestSessionFragmentation(t *testing.T) {
	a, b := newTestPair(t)
	// Larger than one packet, so it crosses the wire in pieces
	msg := make([]byte, 3*int(a.MTU())+123)
	for idx := range msg {
		msg[idx] = byte(idx * 7)
	}
	if uint64(len(msg)) > a.MaxMessageSize() {
		t.Fatal("test message exceeds MaxMessageSize")
	}
	exchange(t, a, b, msg, 15*time.Second)
}

func TestSessionOversized(t *testing.T) {
	a, b := newTestPair(t)
	msg := make([]byte, a.MaxMessageSize()+1)
	if _, err := a.WriteTo(msg, b.LocalAddr()); err == nil {
		t.Fatal("expected oversized write to fail")
	}
}
