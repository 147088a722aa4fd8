// Package identity derives stable node identities and overlay addresses from
// ed25519 keypairs. The NodeID is a BLAKE3-256 hash of the public key and
// doubles as the node's coordinate in DHT keyspace. The overlay address is an
// IPv6 address in fc00::/8 built from the leading NodeID bytes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"

	"lukechampine.com/blake3"
)

const (
	// NodeIDSize is the width of a NodeID in bytes.
	NodeIDSize = 32
	// AddressSize is the width of an overlay address in bytes (IPv6).
	AddressSize = 16
	// AddressPrefix is the first byte of every overlay address.
	AddressPrefix = 0xfc
	// AddressBits is the number of NodeID bits recoverable from an address.
	AddressBits = (AddressSize - 1) * 8
)

// NodeID identifies a node. It is derived deterministically from the node's
// public key and is also the node's coordinate in DHT keyspace.
type NodeID [NodeIDSize]byte

// Address is the node's overlay IPv6 address.
type Address [AddressSize]byte

// NodeIDFromPublicKey returns the BLAKE3-256 hash of the public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(blake3.Sum256(pub))
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Addr returns the overlay address for this NodeID: the fixed prefix byte
// followed by the leading NodeID bytes.
func (id NodeID) Addr() Address {
	var a Address
	a[0] = AddressPrefix
	copy(a[1:], id[:AddressSize-1])
	return a
}

// AddrForPublicKey is shorthand for NodeIDFromPublicKey(pub).Addr().
func AddrForPublicKey(pub ed25519.PublicKey) Address {
	return NodeIDFromPublicKey(pub).Addr()
}

func (a Address) String() string {
	return net.IP(a[:]).String()
}

// IsValid reports whether the address carries the overlay prefix.
func (a Address) IsValid() bool {
	return a[0] == AddressPrefix
}

// NodeIDPrefix returns the partial NodeID encoded in the address, along with
// the number of significant leading bits. Resolving the full NodeID requires
// a DHT prefix lookup over those bits.
func (a Address) NodeIDPrefix() (partial NodeID, bits int) {
	copy(partial[:AddressSize-1], a[1:])
	return partial, AddressBits
}

// Keys is a node's long-term identity keypair.
type Keys struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeys creates a fresh identity keypair.
func GenerateKeys() (*Keys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keys{Public: pub, Private: priv}, nil
}

// NewKeys wraps an existing private key, rejecting malformed input.
func NewKeys(priv ed25519.PrivateKey) (*Keys, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("wrong private key length %d", len(priv))
	}
	return &Keys{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// NodeID returns the NodeID for the public key.
func (k *Keys) NodeID() NodeID {
	return NodeIDFromPublicKey(k.Public)
}

// Address returns the overlay address for the public key.
func (k *Keys) Address() Address {
	return k.NodeID().Addr()
}

// Sign signs arbitrary challenge material with the identity key.
func (k *Keys) Sign(message []byte) []byte {
	return ed25519.Sign(k.Private, message)
}

// Verify checks a signature made by the given public key.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
