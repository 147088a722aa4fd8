package network

import (
	"crypto/ed25519"
	"sync/atomic"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
)

type core struct {
	config  config
	crypto  crypto
	log     *zap.Logger
	metrics *metrics
	tree    tree
	dht     dht
	peers   peers
	pconn   PacketConn
	snap    atomic.Pointer[snapshot]
}

func (c *core) init(secret ed25519.PrivateKey, opts ...Option) error {
	if len(secret) != privateKeySize {
		return BadKeyError{}
	}
	configDefaults()(&c.config)
	for _, opt := range opts {
		opt(&c.config)
	}
	c.log = c.config.logger
	c.metrics = newMetrics(c.config.metrics)
	c.crypto.init(secret)
	// Placeholder until the tree publishes the real thing
	c.snap.Store(&snapshot{
		selfKey: c.crypto.publicKey,
		selfID:  c.crypto.nodeID,
		root:    c.crypto.publicKey,
		rootID:  c.crypto.nodeID,
	})
	c.dht.init(c)
	c.peers.init(c)
	c.pconn.init(c)
	c.tree.init(c)
	// Establish the initial self-rooted state and label
	phony.Block(&c.tree, c.tree._fix)
	return nil
}

// getSnapshot is safe from any goroutine; the forwarding plane lives on it.
func (c *core) getSnapshot() *snapshot {
	return c.snap.Load()
}
