package types

import (
	"net"
)

type PacketConn interface {
	net.PacketConn
	// HandleConn expects a net.Conn with TCP-like semantics (reliable ordered delivery).
	// The link handshake runs over the conn before any peer state exists, so the remote
	// identity does not need to be known in advance; exactly one side must be the initiator.
	// This function blocks while the net.Conn is in use, and returns an error if any occurs.
	// This function returns (almost) immediately if PacketConn.Close() is called.
	// In all cases, the net.Conn is closed before returning.
	HandleConn(conn net.Conn, initiator bool) error
}
