package network

// Sentinel error types. Empty structs keep comparisons cheap; the few that
// need context carry it as fields.

type EncodeError struct{}

func (e EncodeError) Error() string {
	return "EncodeError"
}

type DecodeError struct{}

func (e DecodeError) Error() string {
	return "DecodeError"
}

type ClosedError struct{}

func (e ClosedError) Error() string {
	return "ClosedError"
}

type DeadlineError struct{}

func (e DeadlineError) Error() string {
	return "DeadlineError"
}

type EmptyMessageError struct{}

func (e EmptyMessageError) Error() string {
	return "EmptyMessageError"
}

type OversizedMessageError struct{}

func (e OversizedMessageError) Error() string {
	return "OversizedMessageError"
}

type UnrecognizedMessageError struct{}

func (e UnrecognizedMessageError) Error() string {
	return "UnrecognizedMessageError"
}

type BadAddressError struct{}

func (e BadAddressError) Error() string {
	return "BadAddressError"
}

type BadKeyError struct{}

func (e BadKeyError) Error() string {
	return "BadKeyError"
}

// PeerAuthError means a link handshake failed identity verification. The
// connection is closed without creating a peer.
type PeerAuthError struct{}

func (e PeerAuthError) Error() string {
	return "PeerAuthError"
}

// LookupTimeoutError means a DHT lookup exhausted its retries without a
// response. The caller may retry later.
type LookupTimeoutError struct{}

func (e LookupTimeoutError) Error() string {
	return "LookupTimeoutError"
}

// UnreachableError means no peer strictly improved distance to the
// destination, so the packet was dropped.
type UnreachableError struct{}

func (e UnreachableError) Error() string {
	return "UnreachableError"
}
