package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshakeResult struct {
	conn *linkConn
	info linkInfo
	err  error
}

func runHandshake(conn net.Conn, c *crypto, initiator bool) chan handshakeResult {
	ch := make(chan handshakeResult, 1)
	go func() {
		lc, info, err := linkHandshake(conn, c, initiator, 65535, time.Now())
		ch <- handshakeResult{lc, info, err}
	}()
	return ch
}

func TestLinkHandshake(t *testing.T) {
	alice := newTestCrypto(t)
	bob := newTestCrypto(t)
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	aCh := runHandshake(aConn, alice, true)
	bCh := runHandshake(bConn, bob, false)
	a, b := <-aCh, <-bCh
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	// Each side learned the other's identity from the handshake alone
	assert.Equal(t, bob.publicKey, a.info.key)
	assert.Equal(t, alice.publicKey, b.info.key)
	assert.Equal(t, uint64(localCapabilities), a.info.caps)
	assert.Equal(t, uint64(localCapabilities), b.info.caps)

	// Frames flow encrypted in both directions
	msg := []byte("over the wire")
	done := make(chan error, 1)
	go func() { done <- a.conn.writeFrame(msg) }()
	got, err := b.conn.readFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, msg, got)

	reply := []byte("and back")
	go func() { done <- b.conn.writeFrame(reply) }()
	got, err = a.conn.readFrame()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, reply, got)
}

func TestLinkHandshakeSelfConnect(t *testing.T) {
	self := newTestCrypto(t)
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	aCh := runHandshake(aConn, self, true)
	bCh := runHandshake(bConn, self, false)
	a, b := <-aCh, <-bCh
	assert.IsType(t, BadKeyError{}, a.err)
	assert.IsType(t, BadKeyError{}, b.err)
}

func TestLinkHandshakeDeadline(t *testing.T) {
	alice := newTestCrypto(t)
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	// A deadline already in the past fails the first write immediately
	_, _, err := linkHandshake(aConn, alice, true, 65535, time.Now().Add(-time.Minute))
	assert.Error(t, err)
}

func TestLinkFrameSizeLimit(t *testing.T) {
	alice := newTestCrypto(t)
	bob := newTestCrypto(t)
	aConn, bConn := net.Pipe()
	defer aConn.Close()
	defer bConn.Close()

	aCh := runHandshake(aConn, alice, true)
	bCh := runHandshake(bConn, bob, false)
	a, b := <-aCh, <-bCh
	require.NoError(t, a.err)
	require.NoError(t, b.err)

	a.conn.maxSize = 16
	assert.IsType(t, OversizedMessageError{}, a.conn.writeFrame(make([]byte, 17)))

	// A frame over the receiver's limit is rejected before decryption
	b.conn.maxSize = 4
	done := make(chan error, 1)
	go func() { done <- a.conn.writeFrame(make([]byte, 16)) }()
	_, err := b.conn.readFrame()
	assert.IsType(t, OversizedMessageError{}, err)
	// The pipe is synchronous, so unblock the writer before waiting on it
	bConn.Close()
	<-done
}

func TestCheckLinkAuthPayload(t *testing.T) {
	c := newTestCrypto(t)
	static := []byte("noise static public key material")

	payload := linkAuthPayload(c, static, localCapabilities)
	info, err := checkLinkAuthPayload(payload, static)
	require.NoError(t, err)
	assert.Equal(t, c.publicKey, info.key)
	assert.Equal(t, uint64(localCapabilities), info.caps)

	// Signature must cover the static key actually seen on the wire
	_, err = checkLinkAuthPayload(payload, []byte("some other static key material!!"))
	assert.IsType(t, PeerAuthError{}, err)

	_, err = checkLinkAuthPayload(payload[:publicKeySize+3], static)
	assert.IsType(t, PeerAuthError{}, err)
}
