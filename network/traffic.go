package network

// traffic is an opaque payload addressed by key, carried across the overlay
// along tree coordinates. The path is only valid under the named root and
// seq; the switch drops anything it can't make progress on.
type traffic struct {
	source  publicKey
	dest    publicKey
	rootID  nodeID
	rootSeq uint64
	path    []peerPort
	payload []byte
}

func (tr *traffic) encode(out []byte) ([]byte, error) {
	out = append(out, tr.source[:]...)
	out = append(out, tr.dest[:]...)
	out = append(out, tr.rootID[:]...)
	out = wireAppendUint64(out, tr.rootSeq)
	out = wireEncodePath(out, tr.path)
	out = append(out, tr.payload...)
	return out, nil
}

func (tr *traffic) decode(data []byte) error {
	var tmp traffic
	if !wireChopSlice(tmp.source[:], &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.dest[:], &data) {
		return wireDecodeError
	} else if !wireChopSlice(tmp.rootID[:], &data) {
		return wireDecodeError
	} else if !wireChopUint64(&tmp.rootSeq, &data) {
		return wireDecodeError
	} else if !wireChopPath(&tmp.path, &data) {
		return wireDecodeError
	}
	tmp.payload = append(tmp.payload[:0], data...)
	*tr = tmp
	return nil
}
