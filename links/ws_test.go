package links

import (
	"bytes"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larchwood/larchwood/network"
)

func TestWSConnAdapter(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := newWSConn(ws)
		defer conn.Close()
		// Echo bytes back, possibly split across messages differently
		buf := make([]byte, 3)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	conn := newWSConn(ws)
	defer conn.Close()

	msg := []byte("stream of bytes over messages")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	// The echo comes back in 3-byte messages; Read must stitch the stream
	var got []byte
	buf := make([]byte, 8)
	for len(got) < len(msg) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.True(t, bytes.Equal(msg, got))
}

func TestLinkSchemes(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pc, err := network.NewPacketConn(priv)
	require.NoError(t, err)
	defer pc.Close()

	l := New(pc, nil)
	defer l.Close()

	assert.Error(t, l.Listen("ftp://127.0.0.1:0"))
	assert.Error(t, l.Dial("ftp://127.0.0.1:1"))
	assert.Error(t, l.Listen("://not a url"))
	// wss is dial-only; we can't terminate TLS ourselves
	assert.Error(t, l.Listen("wss://127.0.0.1:0"))
}
