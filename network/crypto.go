package network

import (
	"crypto/ed25519"
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/larchwood/larchwood/types"
)

const (
	publicKeySize  = ed25519.PublicKeySize
	privateKeySize = ed25519.PrivateKeySize
	signatureSize  = ed25519.SignatureSize
	nodeIDSize     = 32
)

type publicKey [publicKeySize]byte
type privateKey [privateKeySize]byte
type signature [signatureSize]byte

// nodeID is the BLAKE3-256 hash of a public key. It orders nodes for root
// selection and is the node's coordinate in DHT keyspace.
type nodeID [nodeIDSize]byte

type crypto struct {
	privateKey privateKey
	publicKey  publicKey
	nodeID     nodeID
}

func (key *privateKey) sign(message []byte) signature {
	var sig signature
	tmp := ed25519.Sign(ed25519.PrivateKey(key[:]), message)
	copy(sig[:], tmp)
	return sig
}

func (key *publicKey) verify(message []byte, sig *signature) bool {
	return ed25519.Verify(ed25519.PublicKey(key[:]), message, sig[:])
}

func (key publicKey) equal(comparedKey publicKey) bool {
	return key == comparedKey
}

func (key publicKey) id() nodeID {
	return nodeID(blake3.Sum256(key[:]))
}

func (key publicKey) addr() types.Addr {
	return types.Addr(key[:])
}

func (id nodeID) equal(comparedID nodeID) bool {
	return id == comparedID
}

func (id nodeID) hex() string {
	return hex.EncodeToString(id[:])
}

func (c *crypto) init(secret ed25519.PrivateKey) {
	copy(c.privateKey[:], secret)
	copy(c.publicKey[:], secret.Public().(ed25519.PublicKey))
	c.nodeID = c.publicKey.id()
}

// treeLess orders nodes by nodeID, smallest first. The smallest nodeID in a
// connected component wins root selection.
func treeLess(id1, id2 nodeID) bool {
	for idx := range id1 {
		switch {
		case id1[idx] < id2[idx]:
			return true
		case id1[idx] > id2[idx]:
			return false
		}
	}
	return false
}

// keyspaceDist is the XOR metric between two nodeIDs.
func keyspaceDist(id1, id2 nodeID) (dist nodeID) {
	for idx := range dist {
		dist[idx] = id1[idx] ^ id2[idx]
	}
	return
}

// keyspaceImproves reports whether candidate is strictly closer to target
// than from, under the XOR metric.
func keyspaceImproves(candidate, from, target nodeID) bool {
	return treeLess(keyspaceDist(candidate, target), keyspaceDist(from, target))
}

// prefixMatches reports whether the leading bits of id match those of partial.
func prefixMatches(id, partial nodeID, bits int) bool {
	if bits > nodeIDSize*8 {
		bits = nodeIDSize * 8
	}
	whole := bits / 8
	for idx := 0; idx < whole; idx++ {
		if id[idx] != partial[idx] {
			return false
		}
	}
	if rem := bits % 8; rem != 0 {
		mask := byte(0xff) << (8 - rem)
		if id[whole]&mask != partial[whole]&mask {
			return false
		}
	}
	return true
}
