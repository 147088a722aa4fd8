package network

import "encoding/binary"

// Every frame on a link is: uint16 big-endian length, one type byte, body.
// The widths here are part of the protocol; interoperating peers must agree.
const (
	wireDummy = iota // unused
	wireKeepAlive
	wireKeepAliveAck
	wireProtoTree
	wireProtoDHTLookup
	wireProtoDHTResponse
	wireProtoDHTPublish
	wireTraffic
)

var wireDecodeError = DecodeError{}

func wireChopSlice(out []byte, data *[]byte) bool {
	if len(*data) < len(out) {
		return false
	}
	copy(out, *data)
	*data = (*data)[len(out):]
	return true
}

func wireChopUint64(out *uint64, data *[]byte) bool {
	if len(*data) < 8 {
		return false
	}
	*out = binary.BigEndian.Uint64((*data)[:8])
	*data = (*data)[8:]
	return true
}

func wireAppendUint64(dest []byte, u uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(dest, b[:]...)
}

type wireEncodeable interface {
	encode(out []byte) ([]byte, error)
}

func wireEncode(out []byte, pType uint8, obj wireEncodeable) ([]byte, error) {
	out = append(out, pType)
	var err error
	if out, err = obj.encode(out); err != nil {
		return nil, err
	}
	return out, nil
}

func wireEncodeUint(dest []byte, u uint64) []byte {
	var b [10]byte
	l := binary.PutUvarint(b[:], u)
	return append(dest, b[:l]...)
}

func wireChopUint(out *uint64, data *[]byte) bool {
	u, l := binary.Uvarint(*data)
	if l <= 0 {
		return false
	}
	*out, *data = u, (*data)[l:]
	return true
}

// Paths are encoded as a uvarint count followed by uvarint ports, so they can
// be embedded ahead of other fields.
func wireEncodePath(dest []byte, path []peerPort) []byte {
	dest = wireEncodeUint(dest, uint64(len(path)))
	for _, p := range path {
		dest = wireEncodeUint(dest, uint64(p))
	}
	return dest
}

func wireChopPath(out *[]peerPort, data *[]byte) bool {
	var count uint64
	if !wireChopUint(&count, data) {
		return false
	}
	if count > uint64(len(*data)) {
		return false // each port takes at least one byte
	}
	path := make([]peerPort, 0, count)
	for idx := uint64(0); idx < count; idx++ {
		var port uint64
		if !wireChopUint(&port, data) {
			return false
		}
		path = append(path, peerPort(port))
	}
	*out = path
	return true
}
